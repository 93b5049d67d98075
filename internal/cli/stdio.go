package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/harun/ranya-runtime/internal/daemon"
	"github.com/harun/ranya-runtime/pkg/gateway"
	"github.com/spf13/cobra"
)

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve JSON-RPC over stdin and stdout",
	Long: `Serve newline-delimited JSON-RPC over stdin and stdout.
Logs go to stderr. The process exits once stdin closes and every
pending request has been answered.`,
	Args: cobra.NoArgs,
	RunE: runStdio,
}

func init() {
	rootCmd.AddCommand(stdioCmd)
}

func runStdio(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.Options{ConfigPath: path, Version: version})
	if err != nil {
		return err
	}

	transport, err := gateway.NewStdioTransport(gateway.StdioConfig{
		Submitter: d,
		In:        cmd.InOrStdin(),
		Out:       cmd.OutOrStdout(),
		Logger:    log.GetZerolog(),
	})
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := transport.Serve(ctx)
	stopErr := d.Stop()
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return errors.Join(serveErr, stopErr)
	}
	return stopErr
}
