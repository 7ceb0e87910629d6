package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func NewConfigureCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Manage LynxScan configuration",
		Long:  `Initialize a configuration file or show the effective settings.`,
	}
	cmd.AddCommand(newConfigureInitCommand())
	cmd.AddCommand(newConfigureShowCommand())
	return cmd
}

func newConfigureInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with default values",
		Long:  `Write a configuration file (YAML, or JSON for a .json path) with default values. The default path is $HOME/.lynxscan/config.yaml.`,
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigureInit,
	}
	cmd.Flags().BoolP("force", "f", false, "overwrite an existing file without asking")
	return cmd
}

func newConfigureShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long:  `Show the configuration after defaults, the config file and LYNXSCAN_* variables are merged. Secrets are redacted.`,
		Args:  cobra.NoArgs,
		RunE:  runConfigureShow,
	}
	cmd.Flags().Bool("yaml", false, "print the full configuration as YAML")
	return cmd
}

func runConfigureInit(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		path = strings.TrimSpace(args[0])
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, ".lynxscan", "config.yaml")
	}

	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		logrus.Warnf("Configuration file already exists: %s", path)
		ok, err := confirmOverwrite(cmd.InOrStdin(), cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if !ok {
			logrus.Info("Configuration initialization cancelled")
			return nil
		}
	}

	if err := models.DefaultConfig().Save(path); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration initialized: %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "Set ai.endpoint and ai.api_key (or LYNXSCAN_AI_ENDPOINT / LYNXSCAN_AI_API_KEY) before scanning.")
	return nil
}

func runConfigureShow(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()

	if full, _ := cmd.Flags().GetBool("yaml"); full {
		redacted, err := redactedConfig(cfg)
		if err != nil {
			return err
		}
		return printYAML(w, redacted)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GENERAL:\t")
	fmt.Fprintf(tw, "  Log Level:\t%s\n", cfg.Global.LogLevel)
	fmt.Fprintf(tw, "  Log Format:\t%s\n", cfg.Global.LogFormat)
	fmt.Fprintf(tw, "  Log File:\t%s\n", emptyIf(cfg.Global.LogFile, "(stderr only)"))
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "SCAN:\t")
	fmt.Fprintf(tw, "  Global Timeout:\t%s\n", cfg.Scan.GlobalTimeout)
	fmt.Fprintf(tw, "  Scanners:\t%s\n", strings.Join(cfg.Scan.EnabledScanners, ", "))
	fmt.Fprintf(tw, "  Ports:\t%d configured\n", len(cfg.Scanners.Ports.Ports))
	fmt.Fprintf(tw, "  Daily Quota:\t%d\n", cfg.Quota.MaxDailyRequests)
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "SUMMARIZER:\t")
	fmt.Fprintf(tw, "  Endpoint:\t%s\n", emptyIf(cfg.AI.Endpoint, "(not configured)"))
	fmt.Fprintf(tw, "  Model:\t%s\n", emptyIf(cfg.AI.Model, "(endpoint default)"))
	fmt.Fprintf(tw, "  API Key:\t%s\n", secretState(cfg.AI.APIKey))
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "BACKENDS:\t")
	fmt.Fprintf(tw, "  Storage:\t%s\n", cfg.Storage.Type)
	fmt.Fprintf(tw, "  Scan Lock:\t%s\n", emptyIf(cfg.Lock.ValkeyAddress, "in-process"))
	fmt.Fprintf(tw, "  Events:\t%s\n", map[bool]string{true: "amqp (" + cfg.Events.Exchange + ")", false: "disabled"}[cfg.Events.AMQPURL != ""])
	fmt.Fprintf(tw, "  API Listen:\t%s\n", cfg.API.ListenAddr)
	fmt.Fprintf(tw, "  JWT Secret:\t%s\n", secretState(cfg.API.JWTSecret))
	return tw.Flush()
}

func redactedConfig(cfg *models.Config) (interface{}, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return utils.RedactSecrets(tree), nil
}

func printYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func secretState(s string) string {
	if s == "" {
		return "(not set)"
	}
	return "(set)"
}

func emptyIf(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func confirmOverwrite(in io.Reader, out io.Writer) (bool, error) {
	fmt.Fprint(out, "Configuration file already exists. Overwrite? (y/N): ")
	resp, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	resp = strings.TrimSpace(resp)
	return resp == "y" || resp == "Y", nil
}
