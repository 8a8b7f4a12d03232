package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/marcus-qen/microfin/internal/autherr"
	"github.com/marcus-qen/microfin/internal/credentials"
	"github.com/marcus-qen/microfin/internal/metrics"
	"github.com/marcus-qen/microfin/internal/telemetry"
)

// RefreshFunc exchanges a refresh token for a new token pair.
type RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

// Hooks are called by the coordinator when the session changes underneath
// the session manager. Both run at most once per refresh flight.
type Hooks struct {
	OnRefreshed      func(tok *oauth2.Token)
	OnSessionExpired func()
}

type skipRefreshKey struct{}

// WithoutRefresh marks ctx so the coordinator sends the request once and
// never refreshes on its behalf. Auth endpoints use it.
func WithoutRefresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipRefreshKey{}, true)
}

func skipRefresh(ctx context.Context) bool {
	v, _ := ctx.Value(skipRefreshKey{}).(bool)
	return v
}

// Coordinator is an http.RoundTripper that attaches the stored access token
// and recovers from 401s with a single shared refresh.
type Coordinator struct {
	base    http.RoundTripper
	creds   *credentials.Store
	refresh RefreshFunc
	logger  *zap.Logger

	timeout time.Duration
	skew    time.Duration
	now     func() time.Time

	group singleflight.Group

	// mu orders token commits against Invalidate.
	mu    sync.Mutex
	epoch atomic.Uint64

	hooksMu sync.RWMutex
	hooks   Hooks
}

// CoordinatorOptions tunes refresh behaviour.
type CoordinatorOptions struct {
	// RefreshTimeout bounds a refresh flight. Expiry counts as failure.
	RefreshTimeout time.Duration
	// RefreshSkew triggers a refresh before sending when a JWT access token
	// expires within this window. Zero disables proactive refresh.
	RefreshSkew time.Duration
}

// NewCoordinator wraps base. A nil base uses http.DefaultTransport.
func NewCoordinator(base http.RoundTripper, creds *credentials.Store, refresh RefreshFunc, logger *zap.Logger, opts CoordinatorOptions) *Coordinator {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 15 * time.Second
	}
	return &Coordinator{
		base:    base,
		creds:   creds,
		refresh: refresh,
		logger:  logger.Named("refresh"),
		timeout: opts.RefreshTimeout,
		skew:    opts.RefreshSkew,
		now:     time.Now,
	}
}

// SetHooks replaces the session hooks.
func (c *Coordinator) SetHooks(h Hooks) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = h
}

func (c *Coordinator) getHooks() Hooks {
	c.hooksMu.RLock()
	defer c.hooksMu.RUnlock()
	return c.hooks
}

// Invalidate discards the result of any refresh still in flight. Logout
// calls it before clearing credentials.
func (c *Coordinator) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch.Add(1)
}

// RoundTrip implements http.RoundTripper.
func (c *Coordinator) RoundTrip(req *http.Request) (*http.Response, error) {
	req, err := rewindable(req)
	if err != nil {
		return nil, err
	}
	if req.Body != nil {
		defer func() { _ = req.Body.Close() }()
	}
	ctx := req.Context()

	token := c.creds.AccessToken()
	if skipRefresh(ctx) {
		return c.send(req, token)
	}

	if token != "" && c.expiresSoon(token) {
		c.logger.Debug("access token near expiry, refreshing before send")
		if token, err = c.refreshShared(ctx, token); err != nil {
			return nil, err
		}
	}

	resp, err := c.send(req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	discard(resp)

	fresh, err := c.refreshShared(ctx, token)
	if err != nil {
		return nil, err
	}

	metrics.RecordRetry()
	resp, err = c.send(req, fresh)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		c.logger.Warn("request rejected after refresh", zap.String("path", req.URL.Path))
		return nil, &autherr.Error{Kind: autherr.KindSessionExpired, Status: http.StatusUnauthorized, Message: "session expired"}
	}
	return resp, nil
}

// refreshShared joins or starts the refresh flight for the current epoch and
// returns the token it minted. sent is the token the failed request carried.
func (c *Coordinator) refreshShared(ctx context.Context, sent string) (string, error) {
	epoch := c.epoch.Load()

	if cur, rotated, err := c.rotated(sent); rotated {
		return cur, err
	}

	ch := c.group.DoChan(strconv.FormatUint(epoch, 10), func() (any, error) {
		return c.flightFor(epoch, sent)
	})
	select {
	case <-ctx.Done():
		return "", autherr.Wrap(autherr.KindNetwork, "request cancelled", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// rotated reports whether the stored token no longer matches sent, in which
// case the caller should replay with the stored token instead of refreshing.
func (c *Coordinator) rotated(sent string) (string, bool, error) {
	cur := c.creds.AccessToken()
	if cur == sent {
		return "", false, nil
	}
	if cur == "" {
		return "", true, autherr.New(autherr.KindSessionExpired, "session expired")
	}
	return cur, true, nil
}

// flightFor runs inside the singleflight. A flight that settled between the
// caller's check and DoChan has already rotated the token.
func (c *Coordinator) flightFor(epoch uint64, sent string) (string, error) {
	if cur, rotated, err := c.rotated(sent); rotated {
		return cur, err
	}
	return c.flight(epoch)
}

func (c *Coordinator) flight(epoch uint64) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	ctx, span := telemetry.StartRefreshSpan(ctx, epoch)
	start := time.Now()

	refreshToken := c.creds.RefreshToken()
	if refreshToken == "" {
		err := autherr.New(autherr.KindSessionExpired, "session expired")
		c.finish(span, metrics.RefreshNoToken, start, err)
		c.expire(epoch, "no refresh token")
		return "", err
	}

	tok, err := c.refresh(ctx, refreshToken)
	if err == nil && (tok == nil || tok.AccessToken == "") {
		err = errors.New("refresh response missing token")
	}
	if err != nil {
		wrapped := autherr.Wrap(autherr.KindSessionExpired, "session expired", err)
		c.finish(span, metrics.RefreshFailed, start, wrapped)
		c.expire(epoch, err.Error())
		return "", wrapped
	}

	c.mu.Lock()
	if c.epoch.Load() != epoch {
		c.mu.Unlock()
		err := autherr.New(autherr.KindSessionExpired, "session ended during refresh")
		c.finish(span, metrics.RefreshDiscarded, start, err)
		c.logger.Info("discarding refresh result after logout")
		return "", err
	}
	c.creds.SetTokens(tok.AccessToken, tok.RefreshToken)
	if h := c.getHooks(); h.OnRefreshed != nil {
		h.OnRefreshed(tok)
	}
	c.mu.Unlock()

	c.finish(span, metrics.RefreshSucceeded, start, nil)
	c.logger.Debug("access token refreshed", zap.Duration("took", time.Since(start)))
	return tok.AccessToken, nil
}

func (c *Coordinator) finish(span trace.Span, outcome string, start time.Time, err error) {
	metrics.RecordRefresh(outcome, time.Since(start))
	telemetry.EndRefreshSpan(span, outcome, err)
}

// expire clears credentials and tells the session manager, unless a logout
// already ended the session this flight belonged to.
func (c *Coordinator) expire(epoch uint64, reason string) {
	c.mu.Lock()
	if c.epoch.Load() != epoch {
		c.mu.Unlock()
		return
	}
	c.creds.Clear()
	c.mu.Unlock()

	metrics.RecordSessionExpired()
	c.logger.Info("session expired", zap.String("reason", reason))
	if h := c.getHooks(); h.OnSessionExpired != nil {
		h.OnSessionExpired()
	}
}

func (c *Coordinator) expiresSoon(token string) bool {
	if c.skew <= 0 {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !c.now().Add(c.skew).Before(exp.Time)
}

func (c *Coordinator) send(req *http.Request, token string) (*http.Response, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		r.Body = body
	}
	if token != "" {
		(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(r)
	}
	resp, err := c.base.RoundTrip(r)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindNetwork, "network error", err)
	}
	return resp, nil
}

// rewindable buffers a request body so it can be replayed after a refresh.
func rewindable(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	r := req.Clone(req.Context())
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return r, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}
