package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marcus-qen/microfin/internal/protocol"
	"github.com/marcus-qen/microfin/internal/realtime"
	"github.com/marcus-qen/microfin/internal/session"
)

var errNoRealtime = errors.New("no realtime_url configured (set MICROFIN_REALTIME_URL)")

// startBackground starts the push channel sync and the profile keepalive.
// The returned stop function undoes both.
func startBackground(ctx context.Context, app *App) (*realtime.Client, func(), error) {
	var (
		client *realtime.Client
		tokens *realtime.Sync
	)
	if app.Config.HasRealtime() {
		client = realtime.NewClient(realtime.Options{
			URL:        app.Config.RealtimeURL,
			MaxRetries: app.Config.Realtime.MaxRetries,
			RetryDelay: app.Config.RetryDelay(),
			Logger:     app.Logger,
		})
		tokens = realtime.NewSync(client, app.Logger)
		tokens.Attach(app.Session, app.Session.Snapshot().AccessToken)
	}

	keepalive := session.NewKeepalive(app.Session, app.Logger)
	if app.Config.KeepaliveSchedule != "" {
		if err := keepalive.Start(ctx, app.Config.KeepaliveSchedule); err != nil {
			if tokens != nil {
				tokens.Detach()
			}
			return nil, nil, err
		}
	}

	stop := func() {
		keepalive.Stop()
		if tokens != nil {
			tokens.Detach()
		}
	}
	return client, stop, nil
}

func newListenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Stream notifications for the signed-in session",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFrom(cmd.Context())
			if err != nil {
				return err
			}
			if !app.Config.HasRealtime() {
				return errNoRealtime
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app.Session.Initialize(ctx)
			if !app.Session.Snapshot().IsAuthenticated {
				return errNotSignedIn
			}

			client, stop, err := startBackground(ctx, app)
			if err != nil {
				return err
			}
			defer stop()

			pterm.Info.Println("Listening for notifications, Ctrl-C to stop")
			for {
				select {
				case <-ctx.Done():
					return nil
				case env := <-client.Events():
					printEvent(app.Logger, env)
				}
			}
		},
	}
}

func printEvent(logger *zap.Logger, env protocol.Envelope) {
	switch env.Type {
	case protocol.MsgNotification:
		var n protocol.NotificationPayload
		if err := protocol.DecodePayload(env, &n); err != nil {
			logger.Warn("bad notification", zap.Error(err))
			return
		}
		label, err := n.Kind.Describe()
		if err != nil {
			logger.Warn("unknown notification kind", zap.String("kind", string(n.Kind)))
			return
		}
		pterm.Info.Printfln("[%s] %s: %s", label, n.Title, n.Message)
	case protocol.MsgStatsUpdate:
		var s protocol.StatsUpdatePayload
		if err := protocol.DecodePayload(env, &s); err != nil {
			logger.Warn("bad stats update", zap.Error(err))
			return
		}
		pterm.Info.Printfln("[stats] pending loans %d, borrowers %d, portfolio %.2f",
			s.PendingLoans, s.TotalBorrowers, s.Portfolio)
	case protocol.MsgError:
		var e protocol.ErrorPayload
		if err := protocol.DecodePayload(env, &e); err == nil {
			pterm.Warning.Printfln("channel error %s: %s", e.Code, e.Message)
		}
	}
}
