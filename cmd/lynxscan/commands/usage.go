package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewUsageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show today's scan quota usage",
		Args:  cobra.NoArgs,
		RunE:  runUsage,
	}
	cmd.Flags().StringP("user", "u", "", "user id (default: $USER)")
	_ = viper.BindPFlag("usage.user", cmd.Flags().Lookup("user"))
	return cmd
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	app, err := NewApp(ctx, cfg, "cli")
	if err != nil {
		return err
	}
	defer app.Close()

	user := callerID(viper.GetString("usage.user"))
	used, limit, err := app.Orchestrator.Usage(ctx, user)
	if err != nil {
		return err
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "User:      %s\n", user)
	fmt.Fprintf(w, "Used:      %d of %d scans today (UTC)\n", used, limit)
	fmt.Fprintf(w, "Remaining: %d\n", remaining)
	return nil
}
