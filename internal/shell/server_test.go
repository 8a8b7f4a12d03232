package shell

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-qen/microfin/internal/apiclient"
	"github.com/marcus-qen/microfin/internal/auth"
	"github.com/marcus-qen/microfin/internal/autherr"
	"github.com/marcus-qen/microfin/internal/credentials"
	"github.com/marcus-qen/microfin/internal/protocol"
	"github.com/marcus-qen/microfin/internal/session"
	"github.com/marcus-qen/microfin/internal/storage"
	"github.com/marcus-qen/microfin/internal/tenant"
)

// upstream is a fake REST API mounted under /api.
type upstream struct {
	mu           sync.Mutex
	valid        string
	refreshOK    bool
	refreshCalls atomic.Int32
	loanCalls    atomic.Int32
}

func (u *upstream) setValid(tok string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.valid = tok
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reply := func(status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	switch r.URL.Path {
	case "/api/auth/login":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "pw" {
			reply(http.StatusUnauthorized, map[string]string{"message": "Invalid email or password"})
			return
		}
		reply(http.StatusOK, map[string]any{
			"user":         auth.User{ID: "a1", Email: body["email"], Role: auth.RoleAdmin, BankSlug: "acme", SubscriptionStatus: auth.SubscriptionActive},
			"token":        "t1",
			"refreshToken": "r1",
		})
	case "/api/borrowers/login":
		reply(http.StatusOK, map[string]any{
			"user":  auth.User{ID: "c1", Role: auth.RoleCustomer, BankSlug: r.URL.Query().Get("bank_slug")},
			"token": "t1",
		})
	case "/api/auth/refresh":
		u.refreshCalls.Add(1)
		u.mu.Lock()
		ok := u.refreshOK
		u.mu.Unlock()
		if !ok {
			reply(http.StatusUnauthorized, map[string]string{"message": "refresh token revoked"})
			return
		}
		reply(http.StatusOK, map[string]string{"token": "t2", "refreshToken": "r2"})
	case "/api/auth/logout":
		w.WriteHeader(http.StatusNoContent)
	case "/api/loans":
		u.loanCalls.Add(1)
		u.mu.Lock()
		valid := r.Header.Get("Authorization") == "Bearer "+u.valid
		u.mu.Unlock()
		if !valid {
			reply(http.StatusUnauthorized, map[string]string{"message": "token expired"})
			return
		}
		reply(http.StatusOK, []map[string]any{{"id": 1, "amount": 500}})
	case "/api/loans/broken":
		reply(http.StatusUnprocessableEntity, map[string]string{"message": "amount too large"})
	default:
		http.NotFound(w, r)
	}
}

type fakeChannel struct {
	connected bool
	events    chan protocol.Envelope
}

func (f *fakeChannel) Connected() bool                  { return f.connected }
func (f *fakeChannel) Events() <-chan protocol.Envelope { return f.events }

type fixture struct {
	up      *upstream
	srv     *Server
	session *session.Manager
	tenant  *tenant.Context
	creds   *credentials.Store
}

func newFixture(t *testing.T, ch Channel) *fixture {
	t.Helper()
	up := &upstream{valid: "t1", refreshOK: true}
	upSrv := httptest.NewServer(up)
	t.Cleanup(upSrv.Close)

	backend := storage.NewMemoryBackend()
	creds := credentials.NewStore(backend, nil)
	tc := tenant.NewContext(backend, logr.Discard())
	api := apiclient.New(apiclient.Options{BaseURL: upSrv.URL + "/api", Credentials: creds})
	mgr := session.NewManager(session.Options{API: api, Credentials: creds, Tenant: tc})
	mgr.Initialize(context.Background())

	srv, err := NewServer(Options{Session: mgr, API: api, Tenant: tc, Channel: ch})
	require.NoError(t, err)
	return &fixture{up: up, srv: srv, session: mgr, tenant: tc, creds: creds}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (f *fixture) signInAdmin(t *testing.T) {
	t.Helper()
	rec := f.do(http.MethodPost, "/auth/login", `{"email":"admin@acme.test","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t, &fakeChannel{connected: true})
	rec := f.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["initialized"])
	assert.Equal(t, false, body["authenticated"])
	assert.Equal(t, true, body["realtime"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/auth/login", `{"email":"admin@acme.test","password":"nope"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "invalid_credentials", body["error"])
	assert.Equal(t, "Invalid email or password", body["message"])
	assert.False(t, f.session.Snapshot().IsAuthenticated)
	assert.Equal(t, "Invalid email or password", f.session.Snapshot().Error)
}

func TestLoginRejectsUnknownPortalAndBadBody(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/auth/login", `{"portal":"kiosk","email":"a","password":"pw"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/auth/login", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "request_rejected", decode(t, rec)["error"])
}

func TestStaffLoginAndSessionView(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/auth/login", `{"email":"admin@acme.test","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/", decode(t, rec)["redirect"])

	rec = f.do(http.MethodGet, "/auth/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "t1", "session view must not expose tokens")
	assert.NotContains(t, rec.Body.String(), "r1")
	body := decode(t, rec)
	assert.Equal(t, true, body["isAuthenticated"])
}

func TestCustomerLoginUsesStoredTenant(t *testing.T) {
	f := newFixture(t, nil)
	f.tenant.Persist("acme")

	rec := f.do(http.MethodPost, "/auth/login", `{"portal":"customer","email":"c@acme.test","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "/acme/dashboard", decode(t, rec)["redirect"])
	assert.Equal(t, "acme", f.tenant.Read())
}

func TestGuardedPages(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/loans", "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/sign-in", rec.Header().Get("Location"))

	rec = f.do(http.MethodGet, "/sign-in", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unauthenticated", decode(t, rec)["state"])

	f.signInAdmin(t)

	rec = f.do(http.MethodGet, "/loans", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "authorized", body["state"])
	assert.Equal(t, "/loans", body["path"])

	rec = f.do(http.MethodGet, "/bank-management", "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/unauthorized", rec.Header().Get("Location"))
}

func TestProxyRefreshesOnExpiredToken(t *testing.T) {
	f := newFixture(t, nil)
	f.signInAdmin(t)
	f.up.setValid("t2")

	rec := f.do(http.MethodGet, "/api/loans", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"amount":500`)
	assert.Equal(t, int32(1), f.up.refreshCalls.Load())
	assert.Equal(t, int32(2), f.up.loanCalls.Load())

	st := f.session.Snapshot()
	assert.Equal(t, "t2", st.AccessToken)
	assert.Equal(t, "r2", st.RefreshToken)
	assert.Equal(t, "t2", f.creds.AccessToken())
}

func TestProxyEndsSessionWhenRefreshFails(t *testing.T) {
	f := newFixture(t, nil)
	f.signInAdmin(t)
	f.up.mu.Lock()
	f.up.valid = "t2"
	f.up.refreshOK = false
	f.up.mu.Unlock()

	rec := f.do(http.MethodGet, "/api/loans", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "session_expired", decode(t, rec)["error"])

	st := f.session.Snapshot()
	assert.False(t, st.IsAuthenticated)
	assert.Equal(t, "Your session has expired. Please sign in again.", st.Error)
	assert.Empty(t, f.creds.AccessToken())

	rec = f.do(http.MethodGet, "/loans", "")
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestProxyPassesBusinessErrorsThrough(t *testing.T) {
	f := newFixture(t, nil)
	f.signInAdmin(t)

	rec := f.do(http.MethodGet, "/api/loans/broken", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "amount too large")
	assert.True(t, f.session.Snapshot().IsAuthenticated)
}

func TestLogout(t *testing.T) {
	f := newFixture(t, nil)
	f.signInAdmin(t)

	rec := f.do(http.MethodPost, "/auth/logout", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/sign-in", decode(t, rec)["redirect"])
	assert.False(t, f.session.Snapshot().IsAuthenticated)
	assert.Empty(t, f.creds.AccessToken())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(http.MethodGet, "/loans", "")

	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "microfin_guard_decisions_total")
}

func TestEventsRequiresChannelAndSession(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/events", "").Code)

	f = newFixture(t, &fakeChannel{events: make(chan protocol.Envelope)})
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/events", "").Code)
}

func TestEventsRelaysNotifications(t *testing.T) {
	ch := &fakeChannel{connected: true, events: make(chan protocol.Envelope, 4)}
	f := newFixture(t, ch)
	f.signInAdmin(t)

	ts := httptest.NewServer(f.srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	ch.events <- protocol.NewEnvelope(protocol.MsgNotification, protocol.NotificationPayload{Kind: "mystery"})
	ch.events <- protocol.NewEnvelope(protocol.MsgNotification, protocol.NotificationPayload{Kind: protocol.NotifyLoanApproved, Title: "Loan #4"})

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, "notification", event)

	var view eventView
	require.NoError(t, json.Unmarshal([]byte(data), &view))
	assert.Equal(t, "Loan approved", view.Summary, "unknown kinds are dropped before the known one")
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{autherr.ErrInvalidCredentials, http.StatusUnauthorized},
		{autherr.ErrSessionExpired, http.StatusUnauthorized},
		{autherr.ErrForbidden, http.StatusForbidden},
		{autherr.ErrNetwork, http.StatusBadGateway},
		{autherr.ErrServer, http.StatusBadGateway},
		{autherr.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{&autherr.Error{Kind: autherr.KindRequestRejected, Status: http.StatusConflict}, http.StatusConflict},
		{autherr.New(autherr.KindRequestRejected, "bad"), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestNewServerValidatesOptions(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)

	backend := storage.NewMemoryBackend()
	creds := credentials.NewStore(backend, nil)
	tc := tenant.NewContext(backend, logr.Discard())
	api := apiclient.New(apiclient.Options{BaseURL: "not a url", Credentials: creds})
	mgr := session.NewManager(session.Options{API: api, Credentials: creds, Tenant: tc})
	_, err = NewServer(Options{Session: mgr, API: api, Tenant: tc})
	assert.Error(t, err)
}
