package main

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/marcus-qen/microfin/internal/guard"
	"github.com/marcus-qen/microfin/internal/metrics"
	"github.com/marcus-qen/microfin/internal/session"
	"github.com/marcus-qen/microfin/internal/tenant"
)

func newRouteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "route PATH...",
		Short: "Show where navigating to each path leads for the current session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFrom(cmd.Context())
			if err != nil {
				return err
			}
			app.Session.Initialize(cmd.Context())
			st := app.Session.Snapshot()
			if st.User != nil {
				pterm.Info.Printfln("Session: %s (%s)", displayName(st.User), st.User.Role)
			} else {
				pterm.Info.Println("Session: signed out")
			}
			table := pterm.TableData{{"PATH", "STATE", "OUTCOME", "BANK"}}
			table = append(table, routeRows(st, app.Tenant, args)...)
			return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
		},
	}
}

// routeRows navigates to each path in turn, as a tab would.
func routeRows(st session.State, tc *tenant.Context, paths []string) [][]string {
	rows := make([][]string, 0, len(paths))
	for _, path := range paths {
		slug := tc.Resolve(path, st.User)
		d := guard.Decide(st, slug, path, guard.RequirementFor(path))
		metrics.RecordGuardDecision(d.State.String())
		rows = append(rows, []string{path, d.State.String(), outcome(d), fallback(slug, "-")})
	}
	return rows
}

func outcome(d guard.Decision) string {
	switch {
	case d.Render:
		return "render"
	case d.RedirectTo != "":
		return "redirect " + d.RedirectTo
	default:
		return "wait"
	}
}
