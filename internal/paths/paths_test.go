package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandTilde("~/.wabridge/whatsapp.db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".wabridge/whatsapp.db"), got)

	got, err = ExpandTilde("/var/lib/wabridge.db")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/wabridge.db", got)
}

func TestConfigPathPrefersWorkingDir(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())

	got, err := ConfigPath()
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "wabridge.yaml"), []byte("{}"), 0600))
	got, err = ConfigPath()
	require.NoError(t, err)
	assert.Equal(t, "wabridge.yaml", filepath.Base(got))
}
