// Package shell serves the local web shell: guarded page navigation, the
// sign-in endpoints, and a proxy that sends /api calls upstream through the
// refreshing transport.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/marcus-qen/microfin/internal/apiclient"
	"github.com/marcus-qen/microfin/internal/autherr"
	"github.com/marcus-qen/microfin/internal/guard"
	"github.com/marcus-qen/microfin/internal/protocol"
	"github.com/marcus-qen/microfin/internal/session"
	"github.com/marcus-qen/microfin/internal/tenant"
)

// Channel is the push channel the shell reports on and relays.
type Channel interface {
	Connected() bool
	Events() <-chan protocol.Envelope
}

// Options configures a Server.
type Options struct {
	ListenAddr string
	Session    *session.Manager
	API        *apiclient.Client
	Tenant     *tenant.Context
	// Channel is optional; without it /events answers 503.
	Channel Channel
	Logger  *zap.Logger
}

// Server is the shell HTTP server.
type Server struct {
	addr    string
	session *session.Manager
	api     *apiclient.Client
	tenant  *tenant.Context
	channel Channel
	logger  *zap.Logger
	router  chi.Router
}

// NewServer creates a shell server.
func NewServer(opts Options) (*Server, error) {
	if opts.Session == nil || opts.API == nil || opts.Tenant == nil {
		return nil, errors.New("shell: session, api and tenant are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		addr:    opts.ListenAddr,
		session: opts.Session,
		api:     opts.API,
		tenant:  opts.Tenant,
		channel: opts.Channel,
		logger:  opts.Logger.Named("shell"),
	}
	proxy, err := s.newAPIProxy()
	if err != nil {
		return nil, err
	}
	s.router = s.routes(proxy)
	return s, nil
}

func (s *Server) routes(proxy http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/google", s.handleGoogle)
		r.Post("/register", s.handleRegister)
		r.Post("/logout", s.handleLogout)
		r.Get("/session", s.handleSession)
	})

	r.Handle("/api", proxy)
	r.Handle("/api/*", proxy)
	r.Get("/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(guard.Middleware(s.session, s.tenant, s.logger))
		r.Get("/*", s.handlePage)
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("shell starting", zap.String("addr", s.addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.session.Snapshot()
	body := map[string]any{
		"status":        "ok",
		"initialized":   st.IsInitialized,
		"authenticated": st.IsAuthenticated,
	}
	if s.channel != nil {
		body["realtime"] = s.channel.Connected()
	}
	writeJSON(w, http.StatusOK, body)
}

// requestID tags each request with an ID, reusing one supplied by the caller.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	kind := autherr.KindOf(err)
	if kind == "" {
		kind = "internal_error"
	}
	writeJSON(w, statusFor(err), map[string]string{
		"error":   string(kind),
		"message": autherr.MessageOf(err),
	})
}

// statusFor maps a classified failure to the status the shell answers with.
func statusFor(err error) int {
	var ae *autherr.Error
	switch autherr.KindOf(err) {
	case autherr.KindInvalidCredentials, autherr.KindSessionExpired:
		return http.StatusUnauthorized
	case autherr.KindForbidden:
		return http.StatusForbidden
	case autherr.KindNetwork, autherr.KindServer:
		return http.StatusBadGateway
	case autherr.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case autherr.KindRequestRejected:
		if errors.As(err, &ae) && ae.Status >= 400 && ae.Status < 500 {
			return ae.Status
		}
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
