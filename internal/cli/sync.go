package cli

import (
	"github.com/spf13/cobra"

	"card-deal-alerts/internal/app"
)

var (
	syncTrigger bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch a fresh listing snapshot from the marketplace",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SyncOptions{
			Trigger: syncTrigger,
		}
		return getApp().Sync(cmd.Context(), opts)
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncTrigger, "trigger", false, "Ask the upstream backend for a full re-sync first")
}
