package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/harun/ranya-runtime/internal/config"
	"github.com/harun/ranya-runtime/pkg/agent"
	"github.com/spf13/cobra"
)

var (
	initProvider string
	initModel    string
	initAPIKey   string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Write a config file with defaults and one reasoner profile.
The API key falls back to OPENAI_API_KEY or ANTHROPIC_API_KEY.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initProvider, "provider", "anthropic", "reasoner provider (anthropic, openai)")
	initCmd.Flags().StringVar(&initModel, "model", "", "model name (provider default when empty)")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "provider API key")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.Path()

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file %s already exists, use --force to overwrite", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := starterConfig(initProvider, initModel, initAPIKey)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "You can now start the runtime with: ranya-runtime serve")
	return nil
}

func starterConfig(provider, model, apiKey string) *config.Config {
	if apiKey == "" {
		switch provider {
		case "openai":
			apiKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}

	cfg := config.DefaultConfig()
	cfg.Reasoner.Profiles = []agent.AuthProfile{{
		ID:       "default",
		Provider: provider,
		APIKey:   apiKey,
		Model:    model,
		Priority: 1,
	}}
	return cfg
}
