package main

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/marcus-qen/microfin/internal/shell"
)

var errNotSignedIn = errors.New("not signed in; run 'microfin login'")

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local web shell with guarded navigation and an API proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFrom(cmd.Context())
			if err != nil {
				return err
			}
			if addr == "" {
				addr = app.Config.ListenAddr
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app.Session.Initialize(ctx)

			client, stop, err := startBackground(ctx, app)
			if err != nil {
				return err
			}
			defer stop()

			opts := shell.Options{
				ListenAddr: addr,
				Session:    app.Session,
				API:        app.API,
				Tenant:     app.Tenant,
				Logger:     app.Logger,
			}
			if client != nil {
				opts.Channel = client
			}
			srv, err := shell.NewServer(opts)
			if err != nil {
				return err
			}
			pterm.Info.Printfln("Shell listening on http://%s", addr)
			return srv.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to listen_addr from config)")
	return cmd
}
