// Package backup provides versioned retention copies of the canonical
// encrypted artifact, best-effort replication to user-chosen folders, and
// restore from a sync folder.
//
// The pipeline after each flush is strict: the retention copy into the
// application's own backup directory is the durability guarantee and its
// failure is surfaced; replication to the optional backup and sync folders is
// a convenience layered on top, so failures there are logged and swallowed.
// Later stages never undo or block earlier ones.
package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tmarchand/rolodex/internal/logger"
	"github.com/tmarchand/rolodex/pkg/crypto"
	"github.com/tmarchand/rolodex/pkg/keymgr"
)

// Naming convention of retention copies and sync artifacts.
const (
	// RetentionPrefix and RetentionSuffix frame the timestamp in retention
	// copy names: vault-<timestamp>.enc.
	RetentionPrefix = "vault-"
	RetentionSuffix = ".enc"

	// RetentionCount is the number of most-recent retention copies kept.
	RetentionCount = 7

	// SyncArtifactName is the fixed artifact name inside a sync folder, so a
	// second device can locate it deterministically.
	SyncArtifactName = "rolodex-sync.enc"

	// SyncSaltName is the fixed name of the KDF salt replicated next to the
	// sync artifact. Without it a second device cannot re-derive the key
	// from the passphrase.
	SyncSaltName = "rolodex-sync.salt"

	// timestampLayout is nanosecond-precision so copies created in quick
	// succession still get unique, lexically ordered names.
	timestampLayout = "20060102-150405.000000000"

	fileMode = 0600
	dirMode  = 0700
)

// Sentinel errors returned by the backup manager.
var (
	// ErrSyncArtifactNotFound indicates the fixed-name artifact is absent
	// from the sync folder.
	ErrSyncArtifactNotFound = errors.New("backup: no sync artifact found in folder")

	// ErrSyncSaltNotFound indicates the fixed-name salt file is absent from
	// the sync folder.
	ErrSyncSaltNotFound = errors.New("backup: no sync salt found in folder")
)

// FolderProvider exposes the user-configured replication targets. Empty
// strings mean "not configured".
type FolderProvider interface {
	BackupFolder() string
	SyncFolder() string
}

// Manager copies the canonical artifact after each flush and restores it from
// a sync folder.
type Manager struct {
	retentionDir string
	saltPath     string
	folders      FolderProvider
	keys         *keymgr.Manager
	log          *logger.Logger
}

// New returns a Manager.
//
// retentionDir is the application's own backup directory (the durable
// retention target). saltPath is the per-vault KDF salt file replicated into
// the sync folder alongside the artifact.
func New(retentionDir, saltPath string, folders FolderProvider, keys *keymgr.Manager, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		retentionDir: retentionDir,
		saltPath:     saltPath,
		folders:      folders,
		keys:         keys,
		log:          log,
	}
}

// AfterFlush runs the backup pipeline for the just-published artifact:
// retention copy + prune (errors surfaced), then best-effort replication to
// the configured backup and sync folders (errors swallowed).
func (m *Manager) AfterFlush(artifactPath string) error {
	if err := m.retainVersion(m.retentionDir, artifactPath); err != nil {
		return err
	}

	if dir := m.folders.BackupFolder(); dir != "" {
		if err := m.retainVersion(dir, artifactPath); err != nil {
			m.log.Warn().Err(err).Str("dir", dir).Msg("replication to backup folder failed")
		}
	}

	if dir := m.folders.SyncFolder(); dir != "" {
		if err := m.copyToSyncFolder(dir, artifactPath); err != nil {
			m.log.Warn().Err(err).Str("dir", dir).Msg("replication to sync folder failed")
		}
	}

	return nil
}

// retainVersion copies the artifact into dir under a timestamped name and
// prunes the directory down to RetentionCount entries.
func (m *Manager) retainVersion(dir, artifactPath string) error {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("backup: failed to create retention directory: %w", err)
	}

	name := RetentionPrefix + time.Now().UTC().Format(timestampLayout) + RetentionSuffix
	if err := copyFile(artifactPath, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("backup: failed to write retention copy: %w", err)
	}

	if err := Prune(dir, RetentionCount); err != nil {
		return err
	}

	m.log.Debug().Str("dir", dir).Str("name", name).Msg("retention copy written")
	return nil
}

// copyToSyncFolder places the artifact and the KDF salt under their fixed
// names in the sync folder, overwriting previous copies.
func (m *Manager) copyToSyncFolder(dir, artifactPath string) error {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("backup: failed to create sync folder: %w", err)
	}
	if err := copyFile(artifactPath, filepath.Join(dir, SyncArtifactName)); err != nil {
		return fmt.Errorf("backup: failed to copy sync artifact: %w", err)
	}
	if err := copyFile(m.saltPath, filepath.Join(dir, SyncSaltName)); err != nil {
		return fmt.Errorf("backup: failed to copy sync salt: %w", err)
	}
	return nil
}

// Prune deletes all but the keep most recent retention copies in dir,
// ordered by modification time descending with name as tie-breaker. Files
// not matching the retention naming convention are left alone.
func Prune(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("backup: failed to list retention directory: %w", err)
	}

	type candidate struct {
		name    string
		modTime time.Time
	}
	var candidates []candidate
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() ||
			len(name) <= len(RetentionPrefix)+len(RetentionSuffix) ||
			name[:len(RetentionPrefix)] != RetentionPrefix ||
			name[len(name)-len(RetentionSuffix):] != RetentionSuffix {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("backup: failed to stat retention copy: %w", err)
		}
		candidates = append(candidates, candidate{name: name, modTime: info.ModTime()})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].modTime.Equal(candidates[j].modTime) {
			return candidates[i].modTime.After(candidates[j].modTime)
		}
		// Names embed a nanosecond timestamp, so this keeps creation order
		// even when the filesystem's mtime resolution is too coarse.
		return candidates[i].name > candidates[j].name
	})

	for _, old := range candidates[min(keep, len(candidates)):] {
		if err := os.Remove(filepath.Join(dir, old.name)); err != nil {
			return fmt.Errorf("backup: failed to prune retention copy: %w", err)
		}
	}
	return nil
}

// RestoreFromSyncFolder copies the fixed-name artifact and salt from folder
// into the application's own locations, derives the vault key from the
// passphrase, verifies it decrypts the artifact, and persists the key to the
// credential store. The caller then proceeds through the normal Ready
// decrypt path.
//
// artifactPath and saltPath are the application's canonical locations.
func (m *Manager) RestoreFromSyncFolder(folder, passphrase, artifactPath string) error {
	blob, err := os.ReadFile(filepath.Join(folder, SyncArtifactName))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrSyncArtifactNotFound
		}
		return fmt.Errorf("backup: failed to read sync artifact: %w", err)
	}

	salt, err := os.ReadFile(filepath.Join(folder, SyncSaltName))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrSyncSaltNotFound
		}
		return fmt.Errorf("backup: failed to read sync salt: %w", err)
	}

	key, err := m.keys.DeriveFromPassphrase(passphrase, salt)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(key)

	// Reject a wrong passphrase before touching the local artifact or the
	// credential store.
	if _, err := crypto.Open(key, blob); err != nil {
		return err
	}

	if err := writeFileAtomic(m.saltPath, salt); err != nil {
		return fmt.Errorf("backup: failed to install sync salt: %w", err)
	}
	if err := writeFileAtomic(artifactPath, blob); err != nil {
		return fmt.Errorf("backup: failed to install sync artifact: %w", err)
	}

	if err := m.keys.SetKey(key); err != nil {
		return err
	}

	m.log.Info().Str("folder", folder).Msg("vault restored from sync folder")
	return nil
}

// copyFile copies src to dst with restrictive permissions. The copy goes
// through a temporary file and rename so a reader never observes a partial
// target.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return writeFileAtomic(dst, data)
}

// writeFileAtomic writes data to a temporary sibling of path and renames it
// into place.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
