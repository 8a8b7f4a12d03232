package guard

import (
	"net/http"
	"net/http/httptest"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marcus-qen/microfin/internal/auth"
	"github.com/marcus-qen/microfin/internal/session"
	"github.com/marcus-qen/microfin/internal/storage"
	"github.com/marcus-qen/microfin/internal/tenant"
)

type staticSession struct{ state session.State }

func (s staticSession) Snapshot() session.State { return s.state }

var _ = Describe("Middleware", func() {
	var (
		tc       *tenant.Context
		rendered *Navigation
	)

	page := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nav, ok := FromContext(r.Context())
		Expect(ok).To(BeTrue())
		rendered = &nav
		w.WriteHeader(http.StatusOK)
	})

	serve := func(s session.State, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		Middleware(staticSession{s}, tc, nil)(page).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	BeforeEach(func() {
		tc = tenant.NewContext(storage.NewMemoryBackend(), logr.Discard())
		rendered = nil
	})

	It("answers 202 with no body while the session is unchecked", func() {
		rec := serve(session.State{}, "/loans")
		Expect(rec.Code).To(Equal(http.StatusAccepted))
		Expect(rec.Body.Len()).To(BeZero())
		Expect(rendered).To(BeNil())
	})

	It("redirects anonymous users to sign-in", func() {
		rec := serve(session.State{IsInitialized: true}, "/loans")
		Expect(rec.Code).To(Equal(http.StatusFound))
		Expect(rec.Header().Get("Location")).To(Equal("/sign-in"))
	})

	It("renders authorized pages with the navigation attached", func() {
		s := signedIn(auth.User{ID: "c1", Role: auth.RoleCustomer, BankSlug: "acme"})
		rec := serve(s, "/acme/my-loans")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rendered).NotTo(BeNil())
		Expect(rendered.BankSlug).To(Equal("acme"))
		Expect(rendered.Decision.State).To(Equal(Authorized))
	})

	It("persists the tenant seen in the url", func() {
		serve(session.State{IsInitialized: true}, "/beta/login")
		Expect(tc.Read()).To(Equal("beta"))
	})

	It("keeps the stored tenant when browsers fetch file-like paths", func() {
		serve(session.State{IsInitialized: true}, "/beta/login")
		for _, path := range []string{"/favicon.ico", "/robots.txt"} {
			rec := serve(session.State{IsInitialized: true}, path)
			Expect(rec.Code).To(Equal(http.StatusFound))
			Expect(rec.Header().Get("Location")).To(Equal("/sign-in"))
		}
		Expect(tc.Read()).To(Equal("beta"))
	})

	It("sends a customer home into their tenant", func() {
		s := signedIn(auth.User{ID: "c1", Role: auth.RoleCustomer, BankSlug: "acme"})
		rec := serve(s, "/")
		Expect(rec.Code).To(Equal(http.StatusFound))
		Expect(rec.Header().Get("Location")).To(Equal("/acme"))
	})
})
