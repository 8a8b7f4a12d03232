package guard

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/marcus-qen/microfin/internal/metrics"
	"github.com/marcus-qen/microfin/internal/session"
	"github.com/marcus-qen/microfin/internal/tenant"
)

// SessionSource supplies the current session snapshot.
type SessionSource interface {
	Snapshot() session.State
}

type decisionKey struct{}

// Navigation is what the guard attaches to a rendered request.
type Navigation struct {
	Decision    Decision
	Requirement Requirement
	Session     session.State
	BankSlug    string
}

// FromContext returns the navigation the guard let through.
func FromContext(ctx context.Context) (Navigation, bool) {
	n, ok := ctx.Value(decisionKey{}).(Navigation)
	return n, ok
}

// Middleware applies Decide to every request. Redirects use 302; requests
// that arrive before the session check finished get 202 and no body.
func Middleware(src SessionSource, tc *tenant.Context, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("guard")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			st := src.Snapshot()
			slug := tc.Resolve(path, st.User)
			req := RequirementFor(path)
			d := Decide(st, slug, path, req)
			metrics.RecordGuardDecision(d.State.String())

			switch {
			case d.Render:
				nav := Navigation{Decision: d, Requirement: req, Session: st, BankSlug: slug}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionKey{}, nav)))
			case d.RedirectTo != "":
				logger.Debug("redirect",
					zap.String("path", path),
					zap.String("to", d.RedirectTo),
					zap.Stringer("state", d.State),
				)
				http.Redirect(w, r, d.RedirectTo, http.StatusFound)
			default:
				w.WriteHeader(http.StatusAccepted)
			}
		})
	}
}
