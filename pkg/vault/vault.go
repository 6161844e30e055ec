// Package vault is the lifecycle controller of the encrypted store: it
// decides on startup whether the vault is ready, needs first-run setup, or
// needs migration of a plaintext database, and it owns the flush path that
// turns the plaintext working copy back into the canonical encrypted
// artifact.
//
// Canonical persistent state is always the encrypted artifact. The working
// copy is a transient decryption that exists only while the vault is open.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tmarchand/rolodex/internal/logger"
	"github.com/tmarchand/rolodex/pkg/backup"
	"github.com/tmarchand/rolodex/pkg/crypto"
	"github.com/tmarchand/rolodex/pkg/keymgr"
	"github.com/tmarchand/rolodex/pkg/store"
)

// File names inside the vault data directory.
const (
	// ArtifactName is the canonical encrypted artifact.
	ArtifactName = "vault.enc"

	// WorkingName is the plaintext working copy. It doubles as the legacy
	// plaintext database name: a pre-encryption installation left its data
	// under exactly this name, which is what migration detection keys on.
	WorkingName = "vault.db"

	// SaltName is the per-vault KDF salt.
	SaltName = "vault.salt"

	// MetaName is the small JSON descriptor written at provisioning time.
	MetaName = "vault.meta"

	// LegacySuffix is appended to the plaintext database when migration
	// moves it aside. The file is renamed, never deleted.
	LegacySuffix = ".pre-vault"

	// BackupDirName is the retention directory under the data directory.
	BackupDirName = "backups"

	fileMode = 0600
	dirMode  = 0700
)

// MetaVersion is the current artifact format version recorded in vault.meta.
const MetaVersion = 1

// Sentinel errors returned by the lifecycle controller.
var (
	// ErrArtifactWithoutKey indicates an encrypted artifact exists but the
	// credential store holds no key for it. Proceeding would either lose the
	// artifact or wedge the application, so startup must halt.
	ErrArtifactWithoutKey = errors.New("vault: encrypted artifact exists but no key is stored")

	// ErrMissingLegacyStore indicates migration was requested but no
	// plaintext database exists.
	ErrMissingLegacyStore = errors.New("vault: no plaintext database to migrate")

	// ErrAlreadyProvisioned indicates a setup action was invoked while the
	// vault already has a key.
	ErrAlreadyProvisioned = errors.New("vault: vault is already provisioned")

	// ErrLegacyStorePresent indicates CreateKey was invoked while a plaintext
	// database exists. Migrating it is the only safe way forward; a fresh
	// vault on top of it would shadow the user's data.
	ErrLegacyStorePresent = errors.New("vault: plaintext database exists, migrate it instead")

	// ErrNotOpen indicates a handle operation after Close.
	ErrNotOpen = errors.New("vault: vault is not open")
)

// State is the startup state of the vault.
type State int

const (
	// StateUnknown is the zero value, before evaluation.
	StateUnknown State = iota

	// StateReady means a key exists and the vault can be opened (decrypting
	// the artifact, or creating a fresh store when no artifact exists yet).
	StateReady

	// StateNeedsSetupFirstRun means no key, no artifact, no plaintext
	// database: a fresh installation awaiting CreateKey.
	StateNeedsSetupFirstRun

	// StateNeedsSetupMigratePlain means no key but a plaintext database
	// exists: a pre-encryption installation awaiting MigratePlain.
	StateNeedsSetupMigratePlain
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateNeedsSetupFirstRun:
		return "needs-setup (first run)"
	case StateNeedsSetupMigratePlain:
		return "needs-setup (migrate plaintext database)"
	default:
		return "unknown"
	}
}

// NeedsSetup reports whether the state requires a setup action before the
// vault can open.
func (s State) NeedsSetup() bool {
	return s == StateNeedsSetupFirstRun || s == StateNeedsSetupMigratePlain
}

// Meta is the vault descriptor persisted as vault.meta.
type Meta struct {
	Version   int    `json:"version"`
	VaultID   string `json:"vault_id"`
	CreatedAt string `json:"created_at"`
}

// Controller evaluates vault state and performs the open, setup, migration
// and flush transitions. All methods serialize on an internal mutex; the
// vault is single-writer by design.
type Controller struct {
	mu      sync.Mutex
	dataDir string
	keys    *keymgr.Manager
	backups *backup.Manager
	log     *logger.Logger
}

// New returns a Controller rooted at dataDir.
func New(dataDir string, keys *keymgr.Manager, backups *backup.Manager, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.Nop()
	}
	return &Controller{
		dataDir: dataDir,
		keys:    keys,
		backups: backups,
		log:     log,
	}
}

// ArtifactPath returns the canonical encrypted artifact location.
func (c *Controller) ArtifactPath() string { return filepath.Join(c.dataDir, ArtifactName) }

// WorkingPath returns the plaintext working copy location.
func (c *Controller) WorkingPath() string { return filepath.Join(c.dataDir, WorkingName) }

// SaltPath returns the per-vault KDF salt location.
func (c *Controller) SaltPath() string { return filepath.Join(c.dataDir, SaltName) }

// MetaPath returns the vault descriptor location.
func (c *Controller) MetaPath() string { return filepath.Join(c.dataDir, MetaName) }

// BackupDir returns the retention directory location.
func (c *Controller) BackupDir() string { return filepath.Join(c.dataDir, BackupDirName) }

// Evaluate inspects the credential store and the data directory and returns
// the startup state without performing any transition.
//
// Decision table, in order: a stored key means Ready regardless of what is
// on disk (a database file next to an artifact is a stale working copy, not
// a legacy store). Without a key, a plaintext database means migration is
// needed; an artifact alone is the fatal configuration ErrArtifactWithoutKey;
// nothing at all is a first run.
func (c *Controller) Evaluate() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evaluateLocked()
}

func (c *Controller) evaluateLocked() (State, error) {
	if err := os.MkdirAll(c.dataDir, dirMode); err != nil {
		return StateUnknown, fmt.Errorf("vault: failed to create data directory: %w", err)
	}

	key, err := c.keys.GetKey()
	if err != nil {
		return StateUnknown, err
	}
	if key != nil {
		crypto.SecureWipe(key)
		return StateReady, nil
	}

	if exists(c.WorkingPath()) {
		return StateNeedsSetupMigratePlain, nil
	}
	if exists(c.ArtifactPath()) {
		return StateUnknown, ErrArtifactWithoutKey
	}
	return StateNeedsSetupFirstRun, nil
}

// Open runs the startup sequence. When the state is Ready it returns an open
// Handle: the artifact is decrypted into the working copy, or a fresh
// database is created and published when no artifact exists yet. When setup
// is needed it returns a nil Handle and the NeedsSetup state, so the caller
// can drive CreateKey or MigratePlain.
func (c *Controller) Open(ctx context.Context) (*Handle, State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.evaluateLocked()
	if err != nil {
		return nil, state, err
	}
	if state != StateReady {
		return nil, state, nil
	}

	key, err := c.keys.GetKey()
	if err != nil {
		return nil, StateUnknown, err
	}

	h, err := c.openLocked(ctx, key)
	if err != nil {
		crypto.SecureWipe(key)
		return nil, StateUnknown, err
	}
	return h, StateReady, nil
}

// openLocked opens the vault with the given key, taking ownership of it.
func (c *Controller) openLocked(ctx context.Context, key []byte) (*Handle, error) {
	artifact := c.ArtifactPath()
	working := c.WorkingPath()

	// A crashed previous session can leave SQLite sidecar files (rollback
	// journal, WAL, shared memory) next to the working copy. A hot journal
	// has no binding to the freshly decrypted file and would roll the old
	// session's pages into it on open, so the sidecars must go before the
	// database is touched.
	if err := removeSidecars(working); err != nil {
		return nil, err
	}

	if exists(artifact) {
		blob, err := os.ReadFile(artifact)
		if err != nil {
			return nil, fmt.Errorf("vault: failed to read artifact: %w", err)
		}
		plain, err := crypto.Open(key, blob)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(working, plain, fileMode); err != nil {
			return nil, fmt.Errorf("vault: failed to write working copy: %w", err)
		}
		c.log.Debug().Str("path", working).Msg("artifact decrypted into working copy")
	} else {
		// Key but no artifact: a fresh store. A leftover database file here
		// is stale (it cannot be a legacy store once a key exists) and is
		// replaced rather than trusted.
		if err := os.Remove(working); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("vault: failed to remove stale working copy: %w", err)
		}
		c.log.Info().Msg("no artifact found, creating fresh vault")
	}

	s, err := store.Open(working)
	if err != nil {
		return nil, err
	}
	if err := s.InitSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}

	h := &Handle{c: c, store: s, key: key}

	if !exists(artifact) {
		// Publish the first artifact immediately so canonical state exists
		// from the moment the vault is considered open.
		if err := h.flushLocked(ctx, false); err != nil {
			s.Close()
			return nil, err
		}
	}
	return h, nil
}

// CreateKey provisions a fresh vault. With a non-empty passphrase the key is
// derived from it and a newly generated per-vault salt; otherwise a random
// key is generated. The key is persisted to the credential store, an empty
// database is initialized and published as the first encrypted artifact.
//
// Valid only from a NeedsSetup state; afterwards the caller transitions to
// Ready through Open.
func (c *Controller) CreateKey(ctx context.Context, passphrase string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.evaluateLocked()
	if err != nil {
		return err
	}
	if !state.NeedsSetup() {
		return ErrAlreadyProvisioned
	}
	if state == StateNeedsSetupMigratePlain {
		return ErrLegacyStorePresent
	}

	key, err := c.provisionKeyLocked(passphrase)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(key)

	// Initialize the first database and publish it. The working copy stays
	// on disk; the subsequent Open decrypts the artifact over it.
	s, err := store.Open(c.WorkingPath())
	if err != nil {
		return err
	}
	if err := s.InitSchema(ctx); err != nil {
		s.Close()
		return err
	}
	if err := s.Checkpoint(ctx); err != nil {
		s.Close()
		return err
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("vault: failed to close store: %w", err)
	}

	plain, err := os.ReadFile(c.WorkingPath())
	if err != nil {
		return fmt.Errorf("vault: failed to read working copy: %w", err)
	}
	if err := c.publishLocked(key, plain); err != nil {
		return err
	}
	if err := c.writeMetaLocked(); err != nil {
		return err
	}

	c.log.Info().Msg("vault provisioned")
	return nil
}

// MigratePlain encrypts an existing plaintext database into the canonical
// artifact and moves the plaintext aside under the .pre-vault suffix. The
// original bytes are preserved, never deleted. Key provisioning is the same
// as CreateKey.
func (c *Controller) MigratePlain(ctx context.Context, passphrase string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.evaluateLocked()
	if err != nil {
		return err
	}
	if !state.NeedsSetup() {
		return ErrAlreadyProvisioned
	}
	if state != StateNeedsSetupMigratePlain {
		return ErrMissingLegacyStore
	}

	legacy := c.WorkingPath()
	plain, err := os.ReadFile(legacy)
	if err != nil {
		return fmt.Errorf("vault: failed to read plaintext database: %w", err)
	}

	key, err := c.provisionKeyLocked(passphrase)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(key)

	if err := c.publishLocked(key, plain); err != nil {
		return err
	}

	// Only move the plaintext aside once the encrypted artifact is safely
	// in place.
	if err := os.Rename(legacy, legacy+LegacySuffix); err != nil {
		return fmt.Errorf("vault: failed to move plaintext database aside: %w", err)
	}
	if err := c.writeMetaLocked(); err != nil {
		return err
	}

	c.log.Info().Str("moved_to", legacy+LegacySuffix).Msg("plaintext database migrated into vault")
	return nil
}

// provisionKeyLocked generates the salt, derives or generates the key, and
// persists the key to the credential store. The returned key is owned by the
// caller.
func (c *Controller) provisionKeyLocked(passphrase string) ([]byte, error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(c.SaltPath(), salt, fileMode); err != nil {
		return nil, fmt.Errorf("vault: failed to write salt: %w", err)
	}

	var key []byte
	if passphrase != "" {
		key, err = c.keys.DeriveFromPassphrase(passphrase, salt)
	} else {
		key, err = c.keys.GenerateRandomKey()
	}
	if err != nil {
		return nil, err
	}

	if err := c.keys.SetKey(key); err != nil {
		crypto.SecureWipe(key)
		return nil, err
	}
	return key, nil
}

// publishLocked encrypts plain and replaces the canonical artifact through a
// temporary file and rename. The artifact is never written in place.
func (c *Controller) publishLocked(key, plain []byte) error {
	blob, err := crypto.Seal(key, plain)
	if err != nil {
		return err
	}

	artifact := c.ArtifactPath()
	tmp := artifact + ".tmp"
	if err := os.WriteFile(tmp, blob, fileMode); err != nil {
		return fmt.Errorf("vault: failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, artifact); err != nil {
		return fmt.Errorf("vault: failed to publish artifact: %w", err)
	}
	return nil
}

// writeMetaLocked records the vault descriptor. An existing descriptor is
// left untouched so the vault ID is stable across re-provisioning.
func (c *Controller) writeMetaLocked() error {
	if exists(c.MetaPath()) {
		return nil
	}
	meta := Meta{
		Version:   MetaVersion,
		VaultID:   uuid.NewString(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(c.MetaPath(), data, fileMode); err != nil {
		return fmt.Errorf("vault: failed to write metadata: %w", err)
	}
	return nil
}

// ReadMeta loads the vault descriptor, or (nil, nil) when none exists.
func (c *Controller) ReadMeta() (*Meta, error) {
	data, err := os.ReadFile(c.MetaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("vault: failed to read metadata: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("vault: failed to decode metadata: %w", err)
	}
	return &meta, nil
}

// RestoreFromSyncFolder installs the artifact and salt replicated to a sync
// folder and provisions the key from the passphrase. After it succeeds the
// vault is in the Ready state.
func (c *Controller) RestoreFromSyncFolder(folder, passphrase string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.dataDir, dirMode); err != nil {
		return fmt.Errorf("vault: failed to create data directory: %w", err)
	}
	return c.backups.RestoreFromSyncFolder(folder, passphrase, c.ArtifactPath())
}

// Handle is an open vault: a live store on the working copy plus the key
// needed to flush it back into the artifact.
type Handle struct {
	c     *Controller
	store *store.Store
	key   []byte
}

// Store returns the relational store bound to the working copy.
func (h *Handle) Store() *store.Store {
	return h.store
}

// Flush checkpoints the store, encrypts the working copy and atomically
// replaces the canonical artifact, then hands the new artifact to the backup
// pipeline. On any error the previous artifact remains intact.
func (h *Handle) Flush(ctx context.Context) error {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.flushLocked(ctx, true)
}

func (h *Handle) flushLocked(ctx context.Context, withBackup bool) error {
	if h.store == nil {
		return ErrNotOpen
	}

	if err := h.store.Checkpoint(ctx); err != nil {
		return err
	}
	plain, err := os.ReadFile(h.c.WorkingPath())
	if err != nil {
		return fmt.Errorf("vault: failed to read working copy: %w", err)
	}
	if err := h.c.publishLocked(h.key, plain); err != nil {
		return err
	}
	h.c.log.Debug().Int("bytes", len(plain)).Msg("artifact published")

	if withBackup {
		return h.c.backups.AfterFlush(h.c.ArtifactPath())
	}
	return nil
}

// Close flushes a final time, closes the store and removes the plaintext
// working copy. The key is wiped from memory. Close is idempotent.
func (h *Handle) Close(ctx context.Context) error {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()

	if h.store == nil {
		return nil
	}

	flushErr := h.flushLocked(ctx, true)
	closeErr := h.store.Close()
	h.store = nil

	crypto.SecureWipe(h.key)
	h.key = nil

	// The working copy is removed only after a successful flush; on a flush
	// failure it stays so the data is not lost with it.
	var removeErr error
	if flushErr == nil {
		if err := os.Remove(h.c.WorkingPath()); err != nil && !os.IsNotExist(err) {
			removeErr = fmt.Errorf("vault: failed to remove working copy: %w", err)
		} else if err := removeSidecars(h.c.WorkingPath()); err != nil {
			removeErr = err
		}
	}

	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("vault: failed to close store: %w", closeErr)
	}
	return removeErr
}

// exists reports whether path exists as a regular file.
func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// removeSidecars deletes the SQLite sidecar files of the database at path.
func removeSidecars(path string) error {
	for _, suffix := range []string{"-journal", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("vault: failed to remove stale sidecar file: %w", err)
		}
	}
	return nil
}
