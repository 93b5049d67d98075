package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/harun/ranya-runtime/internal/config"
	"github.com/harun/ranya-runtime/internal/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ranya-runtime",
	Short: "Ranya runtime - conversational agent runtime",
	Long: `Ranya runtime drives a reasoning model through a bounded tool loop.
Requests arrive as JSON-RPC over WebSocket, HTTP or stdio, are queued,
and are answered with streamed events and a final result.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ranya/runtime.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error), overrides the config file")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig loads and validates the config selected by --config.
func loadConfig() (*config.Config, string, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, loader.Path(), nil
}

// newLogger builds the process logger. Console output goes to console,
// which must not be the stream a transport writes frames to.
func newLogger(cfg config.LoggingConfig, console io.Writer) (*logger.Logger, error) {
	if console == nil {
		console = os.Stdout
	}
	return logger.New(logger.Config{
		Level:      cfg.Level,
		File:       cfg.File,
		Console:    cfg.Console,
		Pretty:     cfg.Pretty,
		Output:     console,
		Redaction:  cfg.Redaction,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
}
