// The `microfin` CLI signs in to a microfin back office, keeps the session
// fresh, and checks or serves guarded navigation.
//
// Usage:
//
//	microfin login --email X [--portal customer --bank acme]
//	microfin register --email X --name Y [--bank acme]
//	microfin logout
//	microfin whoami [--refresh]
//	microfin route /loans /acme/my-loans
//	microfin listen
//	microfin serve
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus-qen/microfin/internal/config"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

const shutdownTimeout = 5 * time.Second

type rootOptions struct {
	configPath string
	profile    string
	dataDir    string
	apiURL     string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	var app *App

	root := &cobra.Command{
		Use:           "microfin",
		Short:         "microfin back office client",
		Long:          "microfin signs in to a microfin back office, keeps the session fresh and applies its route guards.",
		Version:       fmt.Sprintf("%s (%s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			app, err = newApp(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			cmd.SetContext(withApp(cmd.Context(), app))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app != nil {
				app.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", os.Getenv("MICROFIN_CONFIG"), "Config file (JSON or YAML)")
	flags.StringVar(&opts.profile, "profile", os.Getenv("MICROFIN_PROFILE"), "Session profile; each profile keeps its own credentials")
	flags.StringVar(&opts.dataDir, "data-dir", "", "Override the credential data directory")
	flags.StringVar(&opts.apiURL, "api-url", "", "Override the REST API base URL")
	flags.StringVar(&opts.logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")

	root.AddCommand(
		newLoginCmd(),
		newRegisterCmd(),
		newLogoutCmd(),
		newWhoAmICmd(),
		newRouteCmd(),
		newListenCmd(),
		newServeCmd(),
	)
	return root
}

// load resolves the effective configuration. Flags win over env and file.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.apiURL != "" {
		cfg.APIURL = o.apiURL
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg.WithProfile(o.profile), nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
