package settings

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	f, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, f.BackupFolder())
	assert.Empty(t, f.SyncFolder())
}

func TestSetFoldersPersists(t *testing.T) {
	dir := t.TempDir()

	f, err := Load(dir)
	require.NoError(t, err)
	require.NoError(t, f.SetBackupFolder("/mnt/usb/rolodex"))
	require.NoError(t, f.SetSyncFolder("/home/me/Dropbox/rolodex"))

	reloaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/usb/rolodex", reloaded.BackupFolder())
	assert.Equal(t, "/home/me/Dropbox/rolodex", reloaded.SyncFolder())
}

func TestDataDirEnvOverride(t *testing.T) {
	want := filepath.Join(t.TempDir(), "custom-data")
	t.Setenv("ROLODEX_DATA_DIR", want)

	got, err := DataDir()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDataDirDefault(t *testing.T) {
	t.Setenv("ROLODEX_DATA_DIR", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	got, err := DataDir()
	require.NoError(t, err)
	assert.Equal(t, "rolodex", filepath.Base(got))
}
