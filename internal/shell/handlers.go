package shell

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/microfin/internal/apiclient"
	"github.com/marcus-qen/microfin/internal/auth"
	"github.com/marcus-qen/microfin/internal/autherr"
	"github.com/marcus-qen/microfin/internal/guard"
	"github.com/marcus-qen/microfin/internal/session"
	"github.com/marcus-qen/microfin/internal/tenant"
)

type loginBody struct {
	Portal   string `json:"portal"`
	BankSlug string `json:"bankSlug"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerBody struct {
	BankSlug string `json:"bankSlug"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone"`
}

type signedInView struct {
	User     *auth.User `json:"user"`
	Redirect string     `json:"redirect"`
}

// sessionView is the session without its tokens.
type sessionView struct {
	User            *auth.User `json:"user,omitempty"`
	IsAuthenticated bool       `json:"isAuthenticated"`
	IsInitialized   bool       `json:"isInitialized"`
	IsLoading       bool       `json:"isLoading"`
	Error           string     `json:"error,omitempty"`
	BankSlug        string     `json:"bankSlug,omitempty"`
}

type pageView struct {
	Path         string            `json:"path"`
	Route        string            `json:"route,omitempty"`
	BankSlug     string            `json:"bankSlug,omitempty"`
	State        string            `json:"state"`
	Permissions  []auth.Permission `json:"permissions,omitempty"`
	User         *auth.User        `json:"user,omitempty"`
	Subscription bool              `json:"subscriptionRequired,omitempty"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return autherr.Wrap(autherr.KindRequestRejected, "invalid request body", err)
	}
	return nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	portal, err := apiclient.ParsePortal(body.Portal)
	if err != nil {
		writeError(w, autherr.Wrap(autherr.KindRequestRejected, err.Error(), err))
		return
	}
	slug := strings.TrimSpace(body.BankSlug)
	if slug == "" && portal != apiclient.PortalStaff {
		slug = s.tenant.Read()
	}

	user, err := s.session.Login(r.Context(), apiclient.LoginRequest{
		Portal:   portal,
		BankSlug: slug,
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		s.logger.Info("sign-in failed", zap.String("portal", string(portal)), zap.String("kind", string(autherr.KindOf(err))))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signedInView{User: user, Redirect: session.LandingPath(user)})
}

func (s *Server) handleGoogle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Credential string `json:"credential"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Credential == "" {
		writeError(w, autherr.New(autherr.KindRequestRejected, "credential is required"))
		return
	}
	user, err := s.session.LoginWithGoogle(r.Context(), body.Credential)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signedInView{User: user, Redirect: session.LandingPath(user)})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	user, err := s.session.Register(r.Context(), apiclient.RegisterRequest{
		BankSlug: strings.TrimSpace(body.BankSlug),
		Name:     body.Name,
		Email:    body.Email,
		Password: body.Password,
		Phone:    body.Phone,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, signedInView{User: user, Redirect: session.LandingPath(user)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	st := s.session.Snapshot()
	next := session.SignInPath(st.User, s.tenant.Read())
	s.session.Logout(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"redirect": next})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	st := s.session.Snapshot()
	writeJSON(w, http.StatusOK, sessionView{
		User:            st.User,
		IsAuthenticated: st.IsAuthenticated,
		IsInitialized:   st.IsInitialized,
		IsLoading:       st.IsLoading,
		Error:           st.Error,
		BankSlug:        s.tenant.Read(),
	})
}

// handlePage answers a navigation the guard let through with a description
// of what the page renders for.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	nav, ok := guard.FromContext(r.Context())
	if !ok {
		http.NotFound(w, r)
		return
	}
	view := pageView{
		Path:        r.URL.Path,
		Route:       nav.Requirement.Route,
		BankSlug:    nav.BankSlug,
		State:       nav.Decision.State.String(),
		Permissions: nav.Requirement.Permissions,
		User:        nav.Session.User,
	}
	if nav.Session.User != nil {
		view.Subscription = tenant.SubscriptionRequired(nav.Session.User)
	}
	writeJSON(w, http.StatusOK, view)
}
