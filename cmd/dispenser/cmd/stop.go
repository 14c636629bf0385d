package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spiretf/dispenser/internal/lifecycle"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the server if one is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, controller, err := setup()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		err = controller.Stop(ctx)
		if errors.Is(err, lifecycle.ErrNotRunning) {
			fmt.Println("No server running")
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Println("Server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
