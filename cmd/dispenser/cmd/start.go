package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spiretf/dispenser/internal/lifecycle"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new server if none is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, controller, err := setup()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.BootTimeout()+5*time.Minute)
		defer cancel()

		inst, err := controller.Start(ctx)
		if errors.Is(err, lifecycle.ErrAlreadyRunning) {
			fmt.Println("Server already running")
			return nil
		}
		if err != nil {
			return err
		}

		connectHost := inst.PublicIP
		if cfg.DynDns != nil {
			connectHost = cfg.DynDns.Hostname
		}
		fmt.Println("Server is up")
		fmt.Printf("  IP: %s\n", inst.PublicIP)
		fmt.Println("Connect using")
		fmt.Printf("  connect %s; password %s\n", connectHost, cfg.Server.Password)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
