// Package apiclient talks to the microfinance REST API. Every request goes
// through a Coordinator so business callers never see a raw 401.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/marcus-qen/microfin/internal/auth"
	"github.com/marcus-qen/microfin/internal/autherr"
	"github.com/marcus-qen/microfin/internal/credentials"
)

// Portal selects which login endpoint a credential pair is checked against.
type Portal string

const (
	// PortalStaff is the platform sign-in used by super admins and bank staff.
	PortalStaff Portal = "staff"
	// PortalCustomer is a bank's borrower sign-in.
	PortalCustomer Portal = "customer"
	// PortalBankAdmin is a bank's own admin sign-in.
	PortalBankAdmin Portal = "bank_admin"
)

// ParsePortal maps a user-supplied name to a Portal.
func ParsePortal(s string) (Portal, error) {
	switch p := Portal(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PortalStaff:
		return PortalStaff, nil
	case PortalCustomer, PortalBankAdmin:
		return p, nil
	default:
		return "", fmt.Errorf("unknown portal %q (want staff, customer or bank_admin)", s)
	}
}

// LoginRequest is a password sign-in.
type LoginRequest struct {
	Portal   Portal `json:"-"`
	BankSlug string `json:"-"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest creates an account. With a BankSlug it registers a
// borrower of that bank.
type RegisterRequest struct {
	BankSlug string `json:"-"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone,omitempty"`
}

// AuthResponse is returned by every sign-in endpoint.
type AuthResponse struct {
	User         *auth.User `json:"user"`
	Token        string     `json:"token"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	ExpiresIn    int64      `json:"expiresIn,omitempty"`
}

// OAuthToken converts the response to a token pair.
func (r *AuthResponse) OAuthToken() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  r.Token,
		RefreshToken: r.RefreshToken,
		TokenType:    "Bearer",
	}
	if r.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return tok
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	Credentials    *credentials.Store
	Logger         *zap.Logger
	Transport      http.RoundTripper
	Timeout        time.Duration
	RefreshTimeout time.Duration
	RefreshSkew    time.Duration
}

// Client is the REST client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	coord      *Coordinator
	logger     *zap.Logger
}

// New builds a Client and its Coordinator.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		logger:  opts.Logger.Named("apiclient"),
	}
	c.coord = NewCoordinator(opts.Transport, opts.Credentials, c.Refresh, opts.Logger, CoordinatorOptions{
		RefreshTimeout: opts.RefreshTimeout,
		RefreshSkew:    opts.RefreshSkew,
	})
	c.httpClient = &http.Client{Transport: c.coord, Timeout: opts.Timeout}
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

// Transport returns the refreshing transport for callers that build their
// own requests, such as a reverse proxy.
func (c *Client) Transport() http.RoundTripper { return c.coord }

// SetSessionHooks registers the session manager's callbacks.
func (c *Client) SetSessionHooks(h Hooks) { c.coord.SetHooks(h) }

// Invalidate drops any refresh in flight.
func (c *Client) Invalidate() { c.coord.Invalidate() }

// Login signs in through the portal named in req.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	path, err := loginPath(req.Portal, req.BankSlug)
	if err != nil {
		return nil, err
	}
	return c.authenticate(ctx, path, req)
}

func loginPath(portal Portal, slug string) (string, error) {
	switch portal {
	case "", PortalStaff:
		return "/auth/login", nil
	case PortalCustomer:
		if slug == "" {
			return "", autherr.New(autherr.KindRequestRejected, "bank slug is required for customer sign-in")
		}
		return "/borrowers/login?bank_slug=" + url.QueryEscape(slug), nil
	case PortalBankAdmin:
		if slug == "" {
			return "", autherr.New(autherr.KindRequestRejected, "bank slug is required for bank admin sign-in")
		}
		return "/banks/" + url.PathEscape(slug) + "/login", nil
	default:
		return "", autherr.New(autherr.KindRequestRejected, fmt.Sprintf("unknown portal %q", portal))
	}
}

// Register creates an account and signs it in.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	path := "/auth/register"
	if req.BankSlug != "" {
		path = "/borrowers/register?bank_slug=" + url.QueryEscape(req.BankSlug)
	}
	return c.authenticate(ctx, path, req)
}

// LoginWithGoogle exchanges a Google ID token for a session.
func (c *Client) LoginWithGoogle(ctx context.Context, idToken string) (*AuthResponse, error) {
	return c.authenticate(ctx, "/auth/google", map[string]string{"credential": idToken})
}

func (c *Client) authenticate(ctx context.Context, path string, body any) (*AuthResponse, error) {
	var out AuthResponse
	if err := c.do(WithoutRefresh(ctx), http.MethodPost, path, body, &out, true); err != nil {
		return nil, err
	}
	if out.Token == "" || out.User == nil {
		return nil, autherr.New(autherr.KindServer, "sign-in response missing token or user")
	}
	return &out, nil
}

// Refresh exchanges refreshToken for a new pair. It never triggers a
// nested refresh.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	var out AuthResponse
	body := map[string]string{"refreshToken": refreshToken}
	if err := c.do(WithoutRefresh(ctx), http.MethodPost, "/auth/refresh", body, &out, false); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, errors.New("refresh response missing token")
	}
	return out.OAuthToken(), nil
}

// Logout tells the server to revoke the session.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	var body any
	if refreshToken != "" {
		body = map[string]string{"refreshToken": refreshToken}
	}
	return c.do(WithoutRefresh(ctx), http.MethodPost, "/auth/logout", body, nil, false)
}

// Me fetches the signed-in user's profile.
func (c *Client) Me(ctx context.Context) (*auth.User, error) {
	var raw json.RawMessage
	if err := c.GetJSON(ctx, "/auth/me", &raw); err != nil {
		return nil, err
	}
	var wrapped struct {
		User *auth.User `json:"user"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.User != nil {
		return wrapped.User, nil
	}
	var u auth.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, autherr.Wrap(autherr.KindServer, "unreadable profile response", err)
	}
	if u.ID == "" {
		return nil, autherr.New(autherr.KindServer, "profile response missing user")
	}
	return &u, nil
}

// GetJSON performs an authenticated GET.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out, false)
}

// PostJSON performs an authenticated POST.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out, false)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, login bool) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := statusError(resp.StatusCode, respBody, login)
		c.logger.Debug("api request failed",
			zap.String("method", method),
			zap.String("path", req.URL.Path),
			zap.Int("status", resp.StatusCode),
			zap.String("kind", string(e.Kind)),
		)
		return e
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return autherr.Wrap(autherr.KindServer, "unreadable api response", err)
	}
	return nil
}

// transportError unwraps a classified error from the client's url.Error,
// otherwise classifies it as a network failure.
func transportError(err error) error {
	var ae *autherr.Error
	if errors.As(err, &ae) {
		return ae
	}
	return autherr.Wrap(autherr.KindNetwork, "network error", err)
}

func statusError(status int, body []byte, login bool) *autherr.Error {
	msg := serverMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	e := &autherr.Error{Status: status, Message: msg}
	switch {
	case login && (status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusUnprocessableEntity):
		e.Kind = autherr.KindInvalidCredentials
	case status == http.StatusUnauthorized:
		e.Kind = autherr.KindSessionExpired
	case status == http.StatusForbidden:
		e.Kind = autherr.KindForbidden
	case status >= 500:
		e.Kind = autherr.KindServer
	default:
		e.Kind = autherr.KindRequestRejected
	}
	return e
}

func serverMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
		return ""
	}
	return strings.TrimSpace(string(body))
}
