package guard

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marcus-qen/microfin/internal/auth"
	"github.com/marcus-qen/microfin/internal/session"
)

func signedIn(u auth.User) session.State {
	return session.State{User: &u, AccessToken: "tok", IsAuthenticated: true, IsInitialized: true}
}

var (
	anonymous     = session.State{IsInitialized: true}
	starting      = session.State{}
	superAdmin    = signedIn(auth.User{ID: "s1", Role: auth.RoleSuperAdmin})
	activeAdmin   = signedIn(auth.User{ID: "a1", Role: auth.RoleAdmin, BankSlug: "acme", SubscriptionStatus: auth.SubscriptionActive})
	inactiveAdmin = signedIn(auth.User{ID: "a2", Role: auth.RoleAdmin, BankSlug: "acme", SubscriptionStatus: auth.SubscriptionInactive})
	acmeCustomer  = signedIn(auth.User{ID: "c1", Role: auth.RoleCustomer, BankSlug: "acme"})
)

func decideFor(s session.State, slug, path string) Decision {
	return Decide(s, slug, path, RequirementFor(path))
}

var _ = Describe("Decide", func() {
	It("never redirects before the session check finishes", func() {
		for _, path := range []string{"/", "/loans", "/sign-in", "/acme/login", "/bank-management", "/acme/my-loans"} {
			d := decideFor(starting, "", path)
			Expect(d.State).To(Equal(Unchecked), path)
			Expect(d.Render).To(BeFalse(), path)
			Expect(d.RedirectTo).To(BeEmpty(), path)
		}
	})

	DescribeTable("navigation outcomes",
		func(s session.State, slug, path string, state State, render bool, redirect string) {
			d := decideFor(s, slug, path)
			Expect(d.State).To(Equal(state))
			Expect(d.Render).To(Equal(render))
			Expect(d.RedirectTo).To(Equal(redirect))
		},
		Entry("anonymous on protected staff page", anonymous, "", "/loans", Unauthenticated, false, "/sign-in"),
		Entry("anonymous on platform page", anonymous, "", "/bank-management", Unauthenticated, false, "/sign-in/admin"),
		Entry("anonymous on tenant page", anonymous, "acme", "/acme/my-loans", Unauthenticated, false, "/acme/login"),
		Entry("anonymous on sign-in", anonymous, "", "/sign-in", Unauthenticated, true, ""),
		Entry("anonymous on tenant login", anonymous, "acme", "/acme/login", Unauthenticated, true, ""),
		Entry("anonymous on unauthorized page", anonymous, "", "/unauthorized", Authorized, true, ""),

		Entry("customer kept out of bank management", acmeCustomer, "acme", "/bank-management", AuthenticatedWrongRole, false, "/unauthorized"),
		Entry("super admin reaches bank management", superAdmin, "", "/bank-management", Authorized, true, ""),
		Entry("super admin reaches bank detail", superAdmin, "", "/bank-management/12", Authorized, true, ""),
		Entry("admin kept out of platform analytics", activeAdmin, "", "/platform-analytics", AuthenticatedWrongRole, false, "/unauthorized"),
		Entry("unknown route fails closed", activeAdmin, "", "/loans/1/2/3", AuthenticatedWrongRole, false, "/unauthorized"),

		Entry("customer on root goes to tenant root", acmeCustomer, "acme", "/", Authorized, false, "/acme"),
		Entry("customer without slug renders root", signedIn(auth.User{ID: "c2", Role: auth.RoleCustomer}), "", "/", Authorized, true, ""),
		Entry("admin on root renders", activeAdmin, "", "/", Authorized, true, ""),

		Entry("inactive admin on loans", inactiveAdmin, "", "/loans", AuthenticatedSubscriptionRequired, false, "/subscription-required"),
		Entry("inactive admin on root", inactiveAdmin, "", "/", AuthenticatedSubscriptionRequired, false, "/subscription-required"),
		Entry("inactive admin on gate page", inactiveAdmin, "", "/subscription-required", Authorized, true, ""),
		Entry("inactive admin on payment page", inactiveAdmin, "", "/subscription/payment", Authorized, true, ""),
		Entry("active admin on loans", activeAdmin, "", "/loans/7/edit", Authorized, true, ""),
		Entry("inactive subscription ignored for customers", signedIn(auth.User{ID: "c3", Role: auth.RoleCustomer, BankSlug: "acme", SubscriptionStatus: auth.SubscriptionInactive}), "acme", "/acme/my-loans", Authorized, true, ""),

		Entry("signed-in user on sign-in goes home", activeAdmin, "", "/sign-in", AuthenticatedWrongRole, false, "/"),
		Entry("signed-in customer on tenant register goes home", acmeCustomer, "acme", "/acme/register", AuthenticatedWrongRole, false, "/"),

		Entry("customer on own tenant page", acmeCustomer, "acme", "/acme/my-loans/3", Authorized, true, ""),
		Entry("customer on tenant root", acmeCustomer, "acme", "/acme", Authorized, true, ""),
		Entry("admin on customer-only tenant page", activeAdmin, "acme", "/acme/my-loans", AuthenticatedWrongRole, false, "/"),
		Entry("customer in another bank", acmeCustomer, "beta", "/beta/my-loans", AuthenticatedWrongRole, false, "/acme"),
	)

	It("uses the role table, not the carried permissions, for route checks", func() {
		s := signedIn(auth.User{
			ID:          "c4",
			Role:        auth.RoleCustomer,
			BankSlug:    "acme",
			Permissions: []auth.Permission{auth.PermBanksManage},
		})
		d := decideFor(s, "acme", "/bank-management")
		Expect(d.State).To(Equal(AuthenticatedWrongRole))
		Expect(d.RedirectTo).To(Equal("/unauthorized"))
	})

	It("treats an authenticated flag without a user as signed out", func() {
		s := session.State{IsAuthenticated: true, IsInitialized: true}
		d := decideFor(s, "", "/loans")
		Expect(d.State).To(Equal(Unauthenticated))
	})

	It("lets an admin through once the subscription becomes active", func() {
		Expect(decideFor(inactiveAdmin, "", "/loans").RedirectTo).To(Equal("/subscription-required"))
		Expect(decideFor(activeAdmin, "", "/loans").Render).To(BeTrue())
	})
})

var _ = Describe("RequirementFor", func() {
	It("classifies the route surface", func() {
		Expect(RequirementFor("/").Kind).To(Equal(HomeRedirect))
		Expect(RequirementFor("").Kind).To(Equal(HomeRedirect))
		Expect(RequirementFor("/sign-in").Kind).To(Equal(GuestOnly))
		Expect(RequirementFor("/sign-in/admin").Kind).To(Equal(GuestOnly))
		Expect(RequirementFor("/unauthorized").Kind).To(Equal(Public))

		tenantLogin := RequirementFor("/acme/admin/login")
		Expect(tenantLogin.Kind).To(Equal(GuestOnly))
		Expect(tenantLogin.TenantScoped).To(BeTrue())

		myLoan := RequirementFor("/acme/my-loans/9")
		Expect(myLoan.Kind).To(Equal(RoleGated))
		Expect(myLoan.Route).To(Equal("/my-loans/9"))
		Expect(myLoan.Permissions).To(ConsistOf(auth.PermOwnLoansView))

		loans := RequirementFor("/loans/9/edit")
		Expect(loans.Kind).To(Equal(Protected))
		Expect(loans.Permissions).To(ConsistOf(auth.PermLoansManage))
		Expect(loans.PlatformOnly).To(BeFalse())

		Expect(RequirementFor("/bank-management").PlatformOnly).To(BeTrue())
		Expect(RequirementFor("/profile").PlatformOnly).To(BeFalse())
	})
})

var _ = Describe("State", func() {
	It("has a stable label for every state", func() {
		labels := map[string]bool{}
		for _, s := range []State{Unchecked, Unauthenticated, AuthenticatedWrongRole, AuthenticatedSubscriptionRequired, Authorized} {
			Expect(s.String()).NotTo(Equal("unknown"))
			labels[s.String()] = true
		}
		Expect(labels).To(HaveLen(5))
	})
})
