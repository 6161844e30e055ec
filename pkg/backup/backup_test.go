package backup

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmarchand/rolodex/internal/logger"
	"github.com/tmarchand/rolodex/pkg/crypto"
	"github.com/tmarchand/rolodex/pkg/keymgr"
)

type staticFolders struct {
	backupDir string
	syncDir   string
}

func (f *staticFolders) BackupFolder() string { return f.backupDir }
func (f *staticFolders) SyncFolder() string   { return f.syncDir }

type fixture struct {
	artifactPath string
	saltPath     string
	retentionDir string
	folders      *staticFolders
	keys         *keymgr.Manager
	mgr          *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	artifactPath := filepath.Join(dir, "vault.enc")
	saltPath := filepath.Join(dir, "vault.salt")
	require.NoError(t, os.WriteFile(artifactPath, []byte("artifact bytes"), 0600))
	require.NoError(t, os.WriteFile(saltPath, []byte("0123456789abcdef"), 0600))

	folders := &staticFolders{}
	keys := keymgr.New(keymgr.NewMemStore(), logger.Nop())
	retentionDir := filepath.Join(dir, "backups")
	return &fixture{
		artifactPath: artifactPath,
		saltPath:     saltPath,
		retentionDir: retentionDir,
		folders:      folders,
		keys:         keys,
		mgr:          New(retentionDir, saltPath, folders, keys, logger.Nop()),
	}
}

func retentionNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), RetentionPrefix) && strings.HasSuffix(e.Name(), RetentionSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func TestAfterFlushRetainsAtMostSeven(t *testing.T) {
	f := newFixture(t)

	var all []string
	for i := 0; i < 10; i++ {
		require.NoError(t, f.mgr.AfterFlush(f.artifactPath))
		names := retentionNames(t, f.retentionDir)
		all = append(all, names[len(names)-1])
	}

	kept := retentionNames(t, f.retentionDir)
	require.Len(t, kept, RetentionCount)

	// The survivors are exactly the seven most recently created copies.
	sort.Strings(all)
	assert.Equal(t, all[len(all)-RetentionCount:], kept)
}

func TestAfterFlushCopiesArtifactContent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.AfterFlush(f.artifactPath))

	names := retentionNames(t, f.retentionDir)
	require.Len(t, names, 1)
	copied, err := os.ReadFile(filepath.Join(f.retentionDir, names[0]))
	require.NoError(t, err)
	assert.Equal(t, []byte("artifact bytes"), copied)
}

func TestAfterFlushReplicatesToBackupFolder(t *testing.T) {
	f := newFixture(t)
	f.folders.backupDir = filepath.Join(t.TempDir(), "user-backups")

	require.NoError(t, f.mgr.AfterFlush(f.artifactPath))
	assert.Len(t, retentionNames(t, f.folders.backupDir), 1)
}

func TestAfterFlushSurfacesRetentionFailure(t *testing.T) {
	f := newFixture(t)
	// A regular file occupying the retention directory path blocks the
	// primary copy, which is the durability guarantee and must be reported.
	require.NoError(t, os.WriteFile(f.retentionDir, []byte("x"), 0600))

	assert.Error(t, f.mgr.AfterFlush(f.artifactPath))
}

func TestAfterFlushSwallowsReplicationFailure(t *testing.T) {
	f := newFixture(t)
	// A regular file where a directory is expected makes replication fail.
	blocked := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0600))
	f.folders.backupDir = blocked
	f.folders.syncDir = blocked

	assert.NoError(t, f.mgr.AfterFlush(f.artifactPath),
		"replication failures must not fail the flush")
	assert.Len(t, retentionNames(t, f.retentionDir), 1)
}

func TestAfterFlushWritesFixedSyncNames(t *testing.T) {
	f := newFixture(t)
	f.folders.syncDir = filepath.Join(t.TempDir(), "sync")

	require.NoError(t, f.mgr.AfterFlush(f.artifactPath))
	require.NoError(t, f.mgr.AfterFlush(f.artifactPath))

	entries, err := os.ReadDir(f.folders.syncDir)
	require.NoError(t, err)
	require.Len(t, entries, 2, "sync copies overwrite, never accumulate")

	blob, err := os.ReadFile(filepath.Join(f.folders.syncDir, SyncArtifactName))
	require.NoError(t, err)
	assert.Equal(t, []byte("artifact bytes"), blob)

	salt, err := os.ReadFile(filepath.Join(f.folders.syncDir, SyncSaltName))
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdef"), salt)
}

func TestPruneLeavesForeignFilesAlone(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep me"), 0600))
	for _, name := range []string{"vault-1.enc", "vault-2.enc", "vault-3.enc"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("b"), 0600))
	}

	require.NoError(t, Prune(dir, 2))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	assert.Equal(t, []string{"notes.txt", "vault-2.enc", "vault-3.enc"}, names)
}

func TestRestoreFromSyncFolder(t *testing.T) {
	f := newFixture(t)
	sync := t.TempDir()

	salt, err := crypto.GenerateSalt()
	require.NoError(t, err)
	key := crypto.DeriveKey([]byte("the right passphrase"), salt)
	blob, err := crypto.Seal(key, []byte("vault payload"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sync, SyncArtifactName), blob, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(sync, SyncSaltName), salt, 0600))

	restoredArtifact := filepath.Join(t.TempDir(), "vault.enc")
	require.NoError(t, f.mgr.RestoreFromSyncFolder(sync, "the right passphrase", restoredArtifact))

	// Artifact and salt are installed and the stored key decrypts them.
	storedKey, err := f.keys.GetKey()
	require.NoError(t, err)
	require.NotNil(t, storedKey)
	installed, err := os.ReadFile(restoredArtifact)
	require.NoError(t, err)
	plain, err := crypto.Open(storedKey, installed)
	require.NoError(t, err)
	assert.Equal(t, []byte("vault payload"), plain)

	installedSalt, err := os.ReadFile(f.saltPath)
	require.NoError(t, err)
	assert.Equal(t, salt, installedSalt)
}

func TestRestoreFromSyncFolderWrongPassphrase(t *testing.T) {
	f := newFixture(t)
	sync := t.TempDir()

	salt, err := crypto.GenerateSalt()
	require.NoError(t, err)
	key := crypto.DeriveKey([]byte("the right passphrase"), salt)
	blob, err := crypto.Seal(key, []byte("vault payload"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sync, SyncArtifactName), blob, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(sync, SyncSaltName), salt, 0600))

	target := filepath.Join(t.TempDir(), "vault.enc")
	err = f.mgr.RestoreFromSyncFolder(sync, "the wrong passphrase", target)
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)

	// Nothing may be installed and no key stored on a failed restore.
	assert.NoFileExists(t, target)
	storedKey, err := f.keys.GetKey()
	require.NoError(t, err)
	assert.Nil(t, storedKey)
}

func TestRestoreFromSyncFolderMissingArtifact(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.RestoreFromSyncFolder(t.TempDir(), "whatever", filepath.Join(t.TempDir(), "vault.enc"))
	assert.ErrorIs(t, err, ErrSyncArtifactNotFound)
}
