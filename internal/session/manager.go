// Package session owns the in-memory session and its lifecycle: sign-in,
// sign-out, profile refetch and startup rehydration.
package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/marcus-qen/microfin/internal/apiclient"
	"github.com/marcus-qen/microfin/internal/auth"
	"github.com/marcus-qen/microfin/internal/autherr"
	"github.com/marcus-qen/microfin/internal/credentials"
	"github.com/marcus-qen/microfin/internal/telemetry"
	"github.com/marcus-qen/microfin/internal/tenant"
)

// API is the slice of the REST client the manager needs.
type API interface {
	Login(ctx context.Context, req apiclient.LoginRequest) (*apiclient.AuthResponse, error)
	Register(ctx context.Context, req apiclient.RegisterRequest) (*apiclient.AuthResponse, error)
	LoginWithGoogle(ctx context.Context, idToken string) (*apiclient.AuthResponse, error)
	Logout(ctx context.Context, refreshToken string) error
	Me(ctx context.Context) (*auth.User, error)
	Invalidate()
	SetSessionHooks(h apiclient.Hooks)
}

// Navigator performs a forced navigation.
type Navigator interface {
	Navigate(path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string)

// Navigate calls f(path).
func (f NavigatorFunc) Navigate(path string) { f(path) }

// State is a snapshot of the session.
type State struct {
	User            *auth.User
	AccessToken     string
	RefreshToken    string
	IsAuthenticated bool
	IsInitialized   bool
	IsLoading       bool
	Error           string
}

// Options configures a Manager.
type Options struct {
	API           API
	Credentials   *credentials.Store
	Tenant        *tenant.Context
	Navigator     Navigator
	Logger        *zap.Logger
	LogoutTimeout time.Duration
}

// Manager is the single owner of session state.
type Manager struct {
	api           API
	creds         *credentials.Store
	tenant        *tenant.Context
	nav           Navigator
	logger        *zap.Logger
	logoutTimeout time.Duration

	mu    sync.RWMutex
	state State
	// gen is bumped whenever the identity changes.
	// Profile fetches only commit if it is unchanged.
	gen uint64

	initOnce sync.Once

	// notifyMu keeps token notifications in commit order.
	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     map[int]func(token string)
	nextSub  int
}

// NewManager creates a manager and registers it with the API's refresh hooks.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Navigator == nil {
		opts.Navigator = NavigatorFunc(func(string) {})
	}
	if opts.LogoutTimeout <= 0 {
		opts.LogoutTimeout = 5 * time.Second
	}
	m := &Manager{
		api:           opts.API,
		creds:         opts.Credentials,
		tenant:        opts.Tenant,
		nav:           opts.Navigator,
		logger:        opts.Logger.Named("session"),
		logoutTimeout: opts.LogoutTimeout,
		subs:          make(map[int]func(string)),
	}
	m.api.SetSessionHooks(apiclient.Hooks{
		OnRefreshed:      m.onRefreshed,
		OnSessionExpired: m.onSessionExpired,
	})
	return m
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.state
	s.User = cloneUser(s.User)
	return s
}

// Subscribe registers fn to receive every access token change. An empty
// token means the session ended. The returned func unsubscribes.
func (m *Manager) Subscribe(fn func(token string)) func() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Manager) notify(token string) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.publish(token)
}

// notifyCurrent publishes token only while the session is still gen.
func (m *Manager) notifyCurrent(gen uint64, token string) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.mu.RLock()
	current := m.gen == gen
	m.mu.RUnlock()
	if current {
		m.publish(token)
	}
}

func (m *Manager) publish(token string) {
	m.subsMu.Lock()
	fns := make([]func(string), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subsMu.Unlock()

	for _, fn := range fns {
		fn(token)
	}
}

// Login signs in with email and password.
func (m *Manager) Login(ctx context.Context, req apiclient.LoginRequest) (*auth.User, error) {
	ctx, span := telemetry.StartLoginSpan(ctx, "password", string(req.Portal), req.BankSlug)
	user, err := m.signIn(func() (*apiclient.AuthResponse, error) { return m.api.Login(ctx, req) }, req.BankSlug)
	telemetry.EndSpan(span, err)
	return user, err
}

// LoginWithGoogle signs in with a Google ID token.
func (m *Manager) LoginWithGoogle(ctx context.Context, idToken string) (*auth.User, error) {
	ctx, span := telemetry.StartLoginSpan(ctx, "google", string(apiclient.PortalStaff), "")
	user, err := m.signIn(func() (*apiclient.AuthResponse, error) { return m.api.LoginWithGoogle(ctx, idToken) }, "")
	telemetry.EndSpan(span, err)
	return user, err
}

// Register creates an account and signs it in.
func (m *Manager) Register(ctx context.Context, req apiclient.RegisterRequest) (*auth.User, error) {
	ctx, span := telemetry.StartLoginSpan(ctx, "register", string(apiclient.PortalCustomer), req.BankSlug)
	user, err := m.signIn(func() (*apiclient.AuthResponse, error) { return m.api.Register(ctx, req) }, req.BankSlug)
	telemetry.EndSpan(span, err)
	return user, err
}

func (m *Manager) signIn(call func() (*apiclient.AuthResponse, error), slug string) (*auth.User, error) {
	m.mu.Lock()
	m.state.IsLoading = true
	m.state.Error = ""
	m.mu.Unlock()

	resp, err := call()
	if err != nil {
		m.mu.Lock()
		m.state.IsLoading = false
		m.state.Error = autherr.MessageOf(err)
		m.mu.Unlock()
		m.logger.Info("sign-in failed", zap.String("kind", string(autherr.KindOf(err))), zap.Error(err))
		return nil, err
	}

	// A refresh started for a previous identity must not land on this one.
	m.api.Invalidate()

	m.mu.Lock()
	m.gen++
	m.creds.SetTokens(resp.Token, resp.RefreshToken)
	m.creds.SetCachedUser(resp.User)
	if resp.User.Role == auth.RoleCustomer {
		if resp.User.BankSlug != "" {
			slug = resp.User.BankSlug
		}
		m.tenant.Persist(slug)
	}
	m.state = State{
		User:            cloneUser(resp.User),
		AccessToken:     resp.Token,
		RefreshToken:    m.creds.RefreshToken(),
		IsAuthenticated: true,
		IsInitialized:   true,
	}
	m.mu.Unlock()

	m.logger.Info("signed in", zap.String("user", resp.User.ID), zap.String("role", string(resp.User.Role)))
	m.notify(resp.Token)
	return cloneUser(resp.User), nil
}

// Logout ends the session. The server call is best effort; local state is
// always cleared.
func (m *Manager) Logout(ctx context.Context) {
	m.api.Invalidate()
	m.mu.Lock()
	m.gen++
	m.mu.Unlock()

	refresh := m.creds.RefreshToken()
	if refresh != "" || m.creds.AccessToken() != "" {
		lctx, cancel := context.WithTimeout(ctx, m.logoutTimeout)
		if err := m.api.Logout(lctx, refresh); err != nil {
			m.logger.Warn("server logout failed, clearing local session anyway", zap.Error(err))
		}
		cancel()
	}

	m.mu.Lock()
	m.gen++
	m.creds.Clear()
	m.tenant.Clear()
	m.state = State{IsInitialized: true}
	m.mu.Unlock()

	m.logger.Info("signed out")
	m.notify("")
}

// CurrentUser refetches the profile. It also refreshes the subscription
// gate, which is derived from the profile.
func (m *Manager) CurrentUser(ctx context.Context) (*auth.User, error) {
	m.mu.RLock()
	gen := m.gen
	m.mu.RUnlock()

	user, err := m.api.Me(ctx)
	if err != nil {
		return nil, err
	}
	if !m.commitProfile(gen, user, false) {
		m.logger.Debug("discarding profile fetched for an ended session", zap.String("user", user.ID))
		return nil, errSessionChanged
	}
	return cloneUser(user), nil
}

var errSessionChanged = autherr.New(autherr.KindSessionExpired, "The session ended while the profile was loading.")

// commitProfile stores a fetched profile unless the session changed since
// gen was read. With authenticate set it also marks the session signed in.
func (m *Manager) commitProfile(gen uint64, user *auth.User, authenticate bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.creds.SetCachedUser(user)
	if user.Role == auth.RoleCustomer {
		m.tenant.Persist(user.BankSlug)
	}
	m.state.User = cloneUser(user)
	if authenticate {
		m.state.AccessToken = m.creds.AccessToken()
		m.state.RefreshToken = m.creds.RefreshToken()
		m.state.IsAuthenticated = m.state.AccessToken != ""
	}
	return true
}

// Initialize rehydrates the session from the credential store once. It
// marks the session initialized whatever the outcome.
func (m *Manager) Initialize(ctx context.Context) {
	m.initOnce.Do(func() {
		m.initialize(ctx)
	})
}

func (m *Manager) initialize(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.state.IsLoading = false
		m.state.IsInitialized = true
		m.mu.Unlock()
	}()

	token := m.creds.AccessToken()
	if token == "" {
		return
	}

	m.mu.Lock()
	gen := m.gen
	m.state.IsLoading = true
	m.state.AccessToken = token
	m.state.RefreshToken = m.creds.RefreshToken()
	m.state.User = m.creds.CachedUser()
	m.mu.Unlock()

	user, err := m.api.Me(ctx)
	if err != nil {
		m.logger.Info("stored session rejected", zap.String("kind", string(autherr.KindOf(err))), zap.Error(err))
		m.mu.Lock()
		if m.gen == gen {
			m.creds.Clear()
			m.state = State{}
		}
		m.mu.Unlock()
		return
	}

	if !m.commitProfile(gen, user, true) {
		m.logger.Debug("session changed during restore, discarding profile", zap.String("user", user.ID))
		return
	}
	m.mu.RLock()
	access := m.state.AccessToken
	m.mu.RUnlock()
	if access == "" {
		return
	}

	m.logger.Info("session restored", zap.String("user", user.ID))
	m.notifyCurrent(gen, access)
}

func (m *Manager) onRefreshed(tok *oauth2.Token) {
	m.mu.Lock()
	m.state.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		m.state.RefreshToken = tok.RefreshToken
	}
	m.mu.Unlock()
	m.notify(tok.AccessToken)
}

func (m *Manager) onSessionExpired() {
	m.mu.Lock()
	m.gen++
	prev := m.state.User
	m.state = State{IsInitialized: m.state.IsInitialized, Error: "Your session has expired. Please sign in again."}
	m.mu.Unlock()

	m.notify("")
	m.nav.Navigate(SignInPath(prev, m.tenant.Read()))
}

// SignInPath picks the sign-in route a user whose session ended should see.
func SignInPath(user *auth.User, slug string) string {
	if user == nil {
		return auth.RouteSignIn
	}
	switch user.Role {
	case auth.RoleCustomer:
		if user.BankSlug != "" {
			slug = user.BankSlug
		}
		if slug != "" {
			return tenant.ScopedPath(slug, "/login")
		}
		return auth.RouteSignIn
	case auth.RoleSuperAdmin:
		return auth.RouteSignInAdmin
	default:
		return auth.RouteSignIn
	}
}

// LandingPath is where a freshly signed-in user starts.
func LandingPath(user *auth.User) string {
	if user != nil && user.Role == auth.RoleCustomer && user.BankSlug != "" {
		return tenant.ScopedPath(user.BankSlug, "/dashboard")
	}
	return auth.RouteRoot
}

func cloneUser(u *auth.User) *auth.User {
	if u == nil {
		return nil
	}
	c := *u
	c.Permissions = slices.Clone(u.Permissions)
	return &c
}
