package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleManager_StartStop(t *testing.T) {
	dir := t.TempDir()
	lm := NewLifecycleManager(dir, zerolog.Nop())
	assert.Equal(t, filepath.Join(dir, PIDFileName), lm.PIDFile())

	require.NoError(t, lm.Start())

	pid, err := ReadPID(lm.PIDFile())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.PIDFile())
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, lm.Stop())
}

func TestLifecycleManager_RefusesLiveOwner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, PIDFileName)
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o644))

	err := NewLifecycleManager(dir, zerolog.Nop()).Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestLifecycleManager_ReplacesStalePID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, PIDFileName)
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))

	lm := NewLifecycleManager(dir, zerolog.Nop())
	require.NoError(t, lm.Start())
	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestLifecycleManager_Disabled(t *testing.T) {
	lm := NewLifecycleManager("", zerolog.Nop())
	assert.Empty(t, lm.PIDFile())
	assert.NoError(t, lm.Start())
	assert.NoError(t, lm.Stop())
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-5))
}
