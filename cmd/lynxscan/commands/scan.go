package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/bl4ck0w1/lynxscan/internal/orchestration"
	"github.com/bl4ck0w1/lynxscan/internal/reporting"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewScanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [target]",
		Short: "Run one scan against a target",
		Long: `Run the headers, ssl, ports, redirect, paths and robots scanners against a
target, summarize the merged report and store the result. The target may be a
bare host name or an http(s) URL; only the scheme and host are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: runScan,
	}

	cmd.Flags().StringP("user", "u", "", "user id the scan is charged to (default: $USER)")
	cmd.Flags().Bool("admin", false, "run as an admin caller (bypasses the daily quota)")
	cmd.Flags().StringP("output", "o", "text", "output format (text, json)")
	cmd.Flags().StringSlice("scanners", nil, "scanners to run (default: scan.enabled_scanners)")

	_ = viper.BindPFlag("scan.user", cmd.Flags().Lookup("user"))
	_ = viper.BindPFlag("scan.admin", cmd.Flags().Lookup("admin"))
	_ = viper.BindPFlag("scan.output", cmd.Flags().Lookup("output"))
	return cmd
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if names, _ := cmd.Flags().GetStringSlice("scanners"); len(names) > 0 {
		cfg.Scan.EnabledScanners = names
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, "cli")
	if err != nil {
		return err
	}
	defer app.Close()

	caller := models.Caller{
		UserID:  callerID(viper.GetString("scan.user")),
		IsAdmin: viper.GetBool("scan.admin"),
	}
	app.Logger.WithFields(logrus.Fields{"target": args[0], "user_id": caller.UserID}).Info("starting scan")

	out, scanErr := app.Orchestrator.Execute(ctx, caller, args[0])
	switch strings.ToLower(viper.GetString("scan.output")) {
	case "json":
		if err := printOutcomeJSON(cmd.OutOrStdout(), out, scanErr); err != nil {
			return err
		}
	default:
		printOutcome(cmd.OutOrStdout(), out, scanErr)
	}
	return scanErr
}

func callerID(flag string) string {
	if flag != "" {
		return flag
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

func printOutcomeJSON(w io.Writer, out *orchestration.Outcome, scanErr error) error {
	doc := map[string]interface{}{
		"run_id":   out.RunID,
		"state":    out.State,
		"duration": out.Duration.String(),
	}
	if out.Target.Host != "" {
		doc["target"] = out.Target.String()
	}
	if out.Report != nil {
		doc["report"] = out.Report
	}
	if out.History != nil {
		doc["history"] = out.History
		doc["risk_score"] = reporting.NewRiskScorer().OverallScore(out.History.Findings)
	}
	if scanErr != nil {
		doc["error"] = scanErr.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func printOutcome(w io.Writer, out *orchestration.Outcome, scanErr error) {
	fmt.Fprintln(w, "Scan Summary:")
	fmt.Fprintln(w, strings.Repeat("═", 63))
	fmt.Fprintf(w, "Run ID:    %s\n", out.RunID)
	if out.Target.Host != "" {
		fmt.Fprintf(w, "Target:    %s\n", out.Target.String())
	}
	fmt.Fprintf(w, "State:     %s\n", out.State)
	fmt.Fprintf(w, "Duration:  %s\n", utils.HumanizeDuration(out.Duration))
	if scanErr != nil {
		fmt.Fprintf(w, "Error:     %v\n", scanErr)
	}
	if out.Report != nil {
		fmt.Fprintf(w, "Sections:  %s\n", strings.Join(out.Report.Namespaces(), ", "))
	}
	for _, r := range out.Results {
		if r.Failed() {
			fmt.Fprintf(w, "  scanner %s failed: %v\n", r.Scanner, r.Err)
		}
	}

	h := out.History
	if h == nil {
		fmt.Fprintln(w, strings.Repeat("═", 63))
		return
	}
	fmt.Fprintf(w, "History:   %s\n", h.ID)
	scorer := reporting.NewRiskScorer()
	if len(h.Findings) > 0 {
		counts := reporting.Counts(h.Findings)
		fmt.Fprintf(w, "Findings:  %d (Critical: %d, High: %d, Medium: %d)\n", len(h.Findings),
			counts[models.SeverityCritical], counts[models.SeverityHigh], counts[models.SeverityMedium])
		fmt.Fprintf(w, "Risk:      %.1f/10.0\n", scorer.OverallScore(h.Findings))
	}
	fmt.Fprintln(w, strings.Repeat("─", 63))
	fmt.Fprintln(w, h.Summary)

	if len(h.Findings) > 0 {
		fmt.Fprintln(w, "\nFindings:")
		tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
		fmt.Fprintln(tw, "  SEVERITY\tTYPE\tDESCRIPTION")
		for _, f := range scorer.SortFindings(h.Findings) {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", f.Severity, f.Type, utils.Truncate(f.Description, 80))
		}
		_ = tw.Flush()
	}
	if len(h.Technologies) > 0 {
		fmt.Fprintln(w, "\nTechnologies:")
		for _, t := range h.Technologies {
			if t.Version != "" {
				fmt.Fprintf(w, "  - %s %s\n", t.Name, t.Version)
			} else {
				fmt.Fprintf(w, "  - %s\n", t.Name)
			}
		}
	}
	fmt.Fprintln(w, strings.Repeat("═", 63))
}
