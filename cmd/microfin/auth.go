package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/marcus-qen/microfin/internal/apiclient"
	"github.com/marcus-qen/microfin/internal/auth"
	"github.com/marcus-qen/microfin/internal/autherr"
	"github.com/marcus-qen/microfin/internal/session"
	"github.com/marcus-qen/microfin/internal/tenant"
)

// readPassword uses the flag value, then MICROFIN_PASSWORD, then a prompt.
func readPassword(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if v := os.Getenv("MICROFIN_PASSWORD"); v != "" {
		return v, nil
	}
	pw, err := pterm.DefaultInteractiveTextInput.WithMask("*").Show("Password")
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if pw == "" {
		return "", errors.New("password is required")
	}
	return pw, nil
}

func printSignedIn(u *auth.User) {
	pterm.Success.Printfln("Signed in as %s (%s)", displayName(u), u.Role)
	if u.BankSlug != "" {
		pterm.Info.Printfln("Bank: %s", u.BankSlug)
	}
	if tenant.SubscriptionRequired(u) {
		pterm.Warning.Println("Your bank's subscription is not active; most pages stay locked until it is renewed.")
	}
	pterm.Info.Printfln("Start page: %s", session.LandingPath(u))
}

func displayName(u *auth.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

func newLoginCmd() *cobra.Command {
	var (
		portal, bank, email, password, googleToken string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Long: `Signs in with email and password, or with a Google ID token.

Portals:
  staff       platform and bank staff sign-in (default)
  customer    a bank's borrower sign-in, requires --bank
  bank_admin  a bank's own admin sign-in, requires --bank`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFrom(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var user *auth.User
			if googleToken != "" {
				user, err = app.Session.LoginWithGoogle(ctx, googleToken)
			} else {
				p, perr := apiclient.ParsePortal(portal)
				if perr != nil {
					return perr
				}
				if email == "" {
					return errors.New("--email is required")
				}
				if bank == "" && p != apiclient.PortalStaff {
					bank = app.Tenant.Read()
				}
				pw, perr := readPassword(password)
				if perr != nil {
					return perr
				}
				user, err = app.Session.Login(ctx, apiclient.LoginRequest{
					Portal:   p,
					BankSlug: bank,
					Email:    email,
					Password: pw,
				})
			}
			if err != nil {
				return fmt.Errorf("sign-in failed: %s", autherr.MessageOf(err))
			}
			printSignedIn(user)
			if app.Creds.Degraded() {
				pterm.Warning.Println("Credentials could not be saved; this session lasts only for this command.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&portal, "portal", "staff", "Sign-in portal: staff, customer or bank_admin")
	cmd.Flags().StringVar(&bank, "bank", "", "Bank slug for customer and bank_admin sign-in")
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (prefer MICROFIN_PASSWORD or the prompt)")
	cmd.Flags().StringVar(&googleToken, "google-id-token", "", "Sign in with a Google ID token instead of a password")
	return cmd
}

func newRegisterCmd() *cobra.Command {
	var bank, name, email, password, phone string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFrom(cmd.Context())
			if err != nil {
				return err
			}
			if email == "" || name == "" {
				return errors.New("--email and --name are required")
			}
			pw, err := readPassword(password)
			if err != nil {
				return err
			}
			user, err := app.Session.Register(cmd.Context(), apiclient.RegisterRequest{
				BankSlug: bank,
				Name:     name,
				Email:    email,
				Password: pw,
				Phone:    phone,
			})
			if err != nil {
				return fmt.Errorf("registration failed: %s", autherr.MessageOf(err))
			}
			printSignedIn(user)
			return nil
		},
	}
	cmd.Flags().StringVar(&bank, "bank", "", "Register as a borrower of this bank")
	cmd.Flags().StringVar(&name, "name", "", "Full name")
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password (prefer MICROFIN_PASSWORD or the prompt)")
	cmd.Flags().StringVar(&phone, "phone", "", "Phone number")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and clear stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFrom(cmd.Context())
			if err != nil {
				return err
			}
			app.Session.Initialize(cmd.Context())
			st := app.Session.Snapshot()
			next := session.SignInPath(st.User, app.Tenant.Read())
			app.Session.Logout(cmd.Context())
			pterm.Success.Println("Signed out")
			pterm.Info.Printfln("Sign in again at %s", next)
			return nil
		},
	}
}

func newWhoAmICmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in identity and what it may do",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFrom(cmd.Context())
			if err != nil {
				return err
			}
			app.Session.Initialize(cmd.Context())
			if refresh {
				if _, err := app.Session.CurrentUser(cmd.Context()); err != nil {
					return fmt.Errorf("refresh profile: %s", autherr.MessageOf(err))
				}
			}
			st := app.Session.Snapshot()
			if !st.IsAuthenticated || st.User == nil {
				if st.Error != "" {
					pterm.Warning.Println(st.Error)
				}
				return errNotSignedIn
			}
			printIdentity(st.User, app.Tenant.Read())
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Fetch the profile from the server first")
	return cmd
}

func printIdentity(u *auth.User, slug string) {
	pterm.DefaultSection.Println("Identity")
	pterm.Printfln("Name:         %s", fallback(u.Name, "(none)"))
	pterm.Printfln("Email:        %s", fallback(u.Email, "(none)"))
	pterm.Printfln("Role:         %s", u.Role)
	pterm.Printfln("Bank:         %s", fallback(u.BankSlug, fallback(slug, "(none)")))
	if u.Role == auth.RoleAdmin {
		pterm.Printfln("Subscription: %s", fallback(string(u.SubscriptionStatus), "unknown"))
	}

	pterm.DefaultSection.Println("Permissions")
	granted := auth.PermissionsForRole(u.Role)
	table := pterm.TableData{{"PERMISSION", "SOURCE"}}
	for _, p := range granted {
		table = append(table, []string{string(p), "role"})
	}
	for _, p := range u.Permissions {
		if !slices.Contains(granted, p) {
			table = append(table, []string{string(p), "account"})
		}
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(table).Render()
}

func fallback(v, alt string) string {
	if strings.TrimSpace(v) == "" {
		return alt
	}
	return v
}
