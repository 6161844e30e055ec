// Package settings persists the small amount of user configuration the vault
// engine needs outside the encrypted store: the optional backup and sync
// folder paths. They must be readable before the vault is open, so they live
// in a plain YAML file next to it.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FileName is the settings file inside the data directory.
const FileName = "settings.yaml"

type envConfig struct {
	DataDir string `env:"ROLODEX_DATA_DIR"`
}

// DataDir returns the application data directory: the ROLODEX_DATA_DIR
// environment variable when set, otherwise a "rolodex" directory under the
// platform user config directory.
func DataDir() (string, error) {
	cfg, err := env.ParseAs[envConfig]()
	if err != nil {
		return "", fmt.Errorf("settings: failed to parse environment: %w", err)
	}
	if cfg.DataDir != "" {
		return cfg.DataDir, nil
	}

	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("settings: failed to resolve user config directory: %w", err)
	}
	return filepath.Join(base, "rolodex"), nil
}

// Settings is the persisted shape. Empty paths mean "not configured".
type Settings struct {
	BackupDir string `yaml:"backup_folder,omitempty"`
	SyncDir   string `yaml:"sync_folder,omitempty"`
}

// File is a settings file bound to a path. It satisfies the backup package's
// FolderProvider.
type File struct {
	mu   sync.Mutex
	path string
	s    Settings
}

// Load reads the settings file from dataDir. A missing file yields defaults.
func Load(dataDir string) (*File, error) {
	f := &File{path: filepath.Join(dataDir, FileName)}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("settings: failed to read %s: %w", f.path, err)
	}
	if err := yaml.Unmarshal(data, &f.s); err != nil {
		return nil, fmt.Errorf("settings: failed to parse %s: %w", f.path, err)
	}
	return f, nil
}

// BackupFolder returns the configured backup folder, or "".
func (f *File) BackupFolder() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s.BackupDir
}

// SyncFolder returns the configured sync folder, or "".
func (f *File) SyncFolder() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s.SyncDir
}

// SetBackupFolder updates the backup folder and persists the file.
func (f *File) SetBackupFolder(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.s.BackupDir = dir
	return f.save()
}

// SetSyncFolder updates the sync folder and persists the file.
func (f *File) SetSyncFolder(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.s.SyncDir = dir
	return f.save()
}

func (f *File) save() error {
	data, err := yaml.Marshal(f.s)
	if err != nil {
		return fmt.Errorf("settings: failed to encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("settings: failed to create data directory: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0600); err != nil {
		return fmt.Errorf("settings: failed to write %s: %w", f.path, err)
	}
	return nil
}
