package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/billm/baaaht/ipcserver/internal/config"
	"github.com/billm/baaaht/ipcserver/internal/logger"
)

// Version is the ipcserver release
const Version = "0.1.0"

var (
	// CLI flags
	cfgFile     string
	logLevel    string
	logFormat   string
	logOutput   string
	serviceName string

	// Global variables
	rootCfg *config.Config
	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ipcserver",
	Short: "IPC server core running on an in-process kernel",
	Long: `ipcserver hosts named services on a message-passing kernel. Each accepted
session gets its own handler object; requests are dispatched one at a time
from a single pumping loop, and a failing handler closes only its session.

This binary runs the server on the in-process loopback kernel with the echo
service registered.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if rootLog != nil {
			return rootLog.Close()
		}
		return nil
	},
}

// setup loads the configuration and initializes the root logger
func setup() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	rootCfg = cfg
	rootLog = log
	return nil
}

// loadConfig loads the configuration file, environment and CLI overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	cfg.ApplyOverrides(config.OverrideOptions{
		LogLevel:    logLevel,
		LogFormat:   logFormat,
		LogOutput:   logOutput,
		ServiceName: serviceName,
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func init() {
	// Config file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: use environment variables)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	// Service flags
	rootCmd.PersistentFlags().StringVar(&serviceName, "service", "",
		"Name to register the echo service under (default: from config or env)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pingCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
