package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/ranya-runtime/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitCommand(t *testing.T) {
	t.Cleanup(func() {
		initForce = false
		initAPIKey = ""
		initProvider = "anthropic"
		initModel = ""
	})
	path := filepath.Join(t.TempDir(), "conf", "runtime.json")

	out, err := execute(t, "init", "--config", path, "--provider", "openai", "--model", "gpt-4o", "--api-key", "sk-test")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Reasoner.Profiles, 1)
	assert.Equal(t, "openai", cfg.Reasoner.Profiles[0].Provider)
	assert.Equal(t, "gpt-4o", cfg.Reasoner.Profiles[0].Model)
	assert.Equal(t, "sk-test", cfg.Reasoner.Profiles[0].APIKey)
	require.NoError(t, cfg.Validate())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = execute(t, "init", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "init", "--config", path, "--force", "--provider", "anthropic")
	require.NoError(t, err)
	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Reasoner.Profiles[0].Provider)
}

func TestInitCommand_MissingKey(t *testing.T) {
	t.Cleanup(func() {
		initAPIKey = ""
		initProvider = "anthropic"
	})
	t.Setenv("OPENAI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "runtime.json")

	_, err := execute(t, "init", "--config", path, "--provider", "openai", "--api-key", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key is required")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStarterConfig_EnvKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	cfg := starterConfig("anthropic", "", "")
	require.Len(t, cfg.Reasoner.Profiles, 1)
	assert.Equal(t, "sk-ant", cfg.Reasoner.Profiles[0].APIKey)
	assert.Equal(t, "default", cfg.Reasoner.Profiles[0].ID)
}
