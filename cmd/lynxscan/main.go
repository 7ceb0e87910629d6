package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/bl4ck0w1/lynxscan/cmd/lynxscan/commands"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version   = "1.0.0"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "lynxscan",
	Short:         "LynxScan - external reconnaissance scanner",
	Long:          "LynxScan probes a single web target (headers, TLS, ports, redirects, sensitive paths, robots) and turns the merged report into an AI-written summary with findings and technologies.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := commands.InitConfig(); err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if !viper.GetBool("quiet") && cmd.Name() != "completion" {
			printBanner()
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.lynxscan/config.yaml)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "quiet mode (no banner output)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
	rootCmd.PersistentFlags().String("log-file", "", "log file path")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	_ = viper.BindPFlag("global.log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("global.log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("global.log_file", rootCmd.PersistentFlags().Lookup("log-file"))

	rootCmd.AddCommand(commands.NewScanCommand())
	rootCmd.AddCommand(commands.NewServeCommand(version))
	rootCmd.AddCommand(commands.NewConfigureCommand())
	rootCmd.AddCommand(commands.NewUsageCommand())
	rootCmd.AddCommand(commands.NewTokenCommand())
	rootCmd.AddCommand(commands.NewVersionCommand(version, commit, buildDate))
	rootCmd.AddCommand(commands.NewCompletionCommand())

	rootCmd.SetVersionTemplate(fmt.Sprintf("LynxScan %s (commit %s, built %s)\n", version, commit, buildDate))
}

func printBanner() {
	const banner = `
  _                      ____
 | |   _   _ _ __ __  __/ ___|  ___ __ _ _ __
 | |  | | | | '_ \\ \/ /\___ \ / __/ _' | '_ \
 | |__| |_| | | | |>  <  ___) | (_| (_| | | | |
 |_____\__, |_| |_/_/\_\|____/ \___\__,_|_| |_|
       |___/          external recon scanner  v%s
`
	fmt.Fprintf(os.Stderr, banner, version)
	fmt.Fprintf(os.Stderr, "Build: %s (%s) | %s/%s\n\n", commit, buildDate, runtime.GOOS, runtime.GOARCH)
}

func main() {
	startTime := time.Now()
	Execute()
	if strings.EqualFold(viper.GetString("global.log_level"), "debug") {
		logrus.Debugf("Execution completed in %v", time.Since(startTime))
	}
}
