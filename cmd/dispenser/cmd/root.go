package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spiretf/dispenser/internal/bootstrap"
	"github.com/spiretf/dispenser/internal/config"
	"github.com/spiretf/dispenser/internal/dns"
	"github.com/spiretf/dispenser/internal/lifecycle"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dispenser",
	Short: "Manage ephemeral TF2 servers",
	Long: `Dispenser provisions a cloud server on a schedule, boots a TF2 server on
it and tears it down again once it is empty, so you only pay while playing.

Without a subcommand it runs the management daemon.`,
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "dispenser.toml", "Path to the configuration file")
}

// setup loads the configuration and wires the lifecycle controller.
func setup() (*config.Config, *lifecycle.Controller, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	provider, err := cfg.Cloud()
	if err != nil {
		return nil, nil, err
	}

	opts := lifecycle.Options{
		Provider: provider,
		Probe:    &lifecycle.RconProbe{Password: cfg.Server.Rcon},
		Config:   cfg,
	}

	if cfg.DynDns != nil {
		opts.DNS = &lifecycle.DynDnsUpdater{
			Client:   dns.NewClient(cfg.DynDns.UpdateURL, cfg.DynDns.Username, cfg.DynDns.Password),
			Hostname: cfg.DynDns.Hostname,
		}
	}

	if cfg.Server.SetupKey != "" {
		runner, err := bootstrap.NewSSHRunner(cfg.Server.SetupKey)
		if err != nil {
			return nil, nil, fmt.Errorf("setup ssh runner: %w", err)
		}
		opts.Bootstrap = runner
	}

	return cfg, lifecycle.New(opts), nil
}
