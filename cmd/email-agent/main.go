package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nv-mldev/email-agent/internal/config"
)

var version = "dev"

var (
	configPath string
	noColor    bool
	v          = viper.New()
)

var rootCmd = &cobra.Command{
	Use:           "email-agent",
	Short:         "Ingest, parse and analyse inbound business email",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./email-agent.yaml or $XDG_CONFIG_HOME/email-agent/)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(
		serveCmd, pollCmd, workerCmd, allCmd,
		recordsCmd, redriveCmd, confirmCmd, fetchCmd,
		mcpCmd, configCmd, versionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration once per process and installs the default
// logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg.Log.Level)
	return cfg, nil
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "email-agent %s\n", version)
	},
}
