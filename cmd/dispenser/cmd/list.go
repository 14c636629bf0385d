package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/spiretf/dispenser/internal/cloud"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances and the current ownership resolution",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, controller, err := setup()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		res, inventory, err := controller.Resolve(ctx)
		if err != nil {
			return err
		}

		if len(inventory) == 0 {
			fmt.Println("No running server")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tIP\tCREATED\tSTATUS\tOWNED\tPLAYERS")
		for _, inst := range inventory {
			owned := ""
			if res.Managed != nil && res.Managed.ID == inst.ID {
				owned = "managed"
			} else if inst.Owned() {
				owned = "tagged"
			}

			players := "-"
			if inst.Status == cloud.StatusRunning && inst.PublicIP != "" {
				if count, err := controller.PlayerCount(ctx, inst); err == nil {
					players = fmt.Sprintf("%d", count)
				}
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				inst.ID, inst.PublicIP, inst.CreatedAt.Format(time.RFC3339), inst.Status, owned, players)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
