package main

import (
	"fmt"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tmarchand/rolodex/internal/logger"
	"github.com/tmarchand/rolodex/internal/settings"
	"github.com/tmarchand/rolodex/pkg/backup"
	"github.com/tmarchand/rolodex/pkg/keymgr"
	"github.com/tmarchand/rolodex/pkg/vault"
)

var (
	dataDir string
	cfg     *settings.File
	ctl     *vault.Controller
	log     *logger.Logger
)

var restoreFrom string

var rootCmd = &cobra.Command{
	Use:   "rolodex",
	Short: "rolodex manages the encrypted vault of a local personal CRM",
	Long: `rolodex keeps the contact database encrypted at rest. The database only
exists in plaintext as a working copy while the vault is open; the canonical
state is always the encrypted artifact.`,
	// PersistentPreRunE wires the engine for every subcommand: the data
	// directory, settings, OS credential store, backup pipeline and the
	// lifecycle controller.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		dataDir, err = settings.DataDir()
		if err != nil {
			return err
		}
		cfg, err = settings.Load(dataDir)
		if err != nil {
			return err
		}

		log = logger.New("rolodex")
		keys := keymgr.New(keymgr.NewSystemStore(), log)
		ctl = vault.New(dataDir, keys, backup.New(
			filepath.Join(dataDir, vault.BackupDirName),
			filepath.Join(dataDir, vault.SaltName),
			cfg, keys, log,
		), log)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(foldersCmd)

	foldersCmd.AddCommand(foldersBackupCmd)
	foldersCmd.AddCommand(foldersSyncCmd)

	restoreCmd.Flags().StringVar(&restoreFrom, "from", "", "Sync folder to restore the vault from")
	restoreCmd.MarkFlagRequired("from")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows the vault state and file locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := ctl.Evaluate()
		if err != nil {
			return err
		}
		fmt.Printf("State:     %s\n", state)
		fmt.Printf("Data dir:  %s\n", dataDir)

		meta, err := ctl.ReadMeta()
		if err != nil {
			return err
		}
		if meta != nil {
			fmt.Printf("Vault ID:  %s\n", meta.VaultID)
			fmt.Printf("Created:   %s\n", meta.CreatedAt)
		}
		if dir := cfg.BackupFolder(); dir != "" {
			fmt.Printf("Backup to: %s\n", dir)
		}
		if dir := cfg.SyncFolder(); dir != "" {
			fmt.Printf("Sync to:   %s\n", dir)
		}
		return nil
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Provisions a fresh vault",
	Long: `Provisions a fresh vault: creates the key, stores it in the OS credential
store, and publishes the first encrypted artifact. An empty passphrase means
a random key, recoverable only through the credential store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := promptPassphrase("Enter passphrase (empty for a random key): ", true)
		if err != nil {
			return err
		}
		if err := ctl.CreateKey(cmd.Context(), passphrase); err != nil {
			return err
		}
		fmt.Printf("Vault provisioned at %s\n", dataDir)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Encrypts an existing plaintext contact database",
	Long: `Encrypts the plaintext contact database of a pre-encryption installation
into the vault. The original file is moved aside with a ` + vault.LegacySuffix + `
suffix, never deleted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := promptPassphrase("Enter passphrase (empty for a random key): ", true)
		if err != nil {
			return err
		}
		if err := ctl.MigratePlain(cmd.Context(), passphrase); err != nil {
			return err
		}
		fmt.Println("Plaintext database migrated into the vault.")
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Opens the vault, reports its contents and closes it again",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, state, err := ctl.Open(ctx)
		if err != nil {
			return err
		}
		if h == nil {
			return fmt.Errorf("vault is not ready: %s (run 'rolodex setup' or 'rolodex migrate')", state)
		}
		defer h.Close(ctx)

		n, err := h.Store().CountContacts(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Vault open: %d contact(s).\n", n)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restores the vault from a sync folder",
	Long: `Restores the vault from the fixed-name artifact a sync folder holds. The
passphrase must match the one the artifact was provisioned with; it is
verified against the artifact before anything is installed locally.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := promptPassphrase("Enter passphrase: ", false)
		if err != nil {
			return err
		}
		if err := ctl.RestoreFromSyncFolder(restoreFrom, passphrase); err != nil {
			return err
		}
		fmt.Println("Vault restored. Run 'rolodex open' to verify.")
		return nil
	},
}

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "Shows the configured backup and sync folders",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Backup folder: %s\n", orUnset(cfg.BackupFolder()))
		fmt.Printf("Sync folder:   %s\n", orUnset(cfg.SyncFolder()))
		return nil
	},
}

var foldersBackupCmd = &cobra.Command{
	Use:   "backup [path]",
	Short: "Sets the backup folder (empty path to unset)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		if len(args) == 1 {
			path = args[0]
		}
		return cfg.SetBackupFolder(path)
	},
}

var foldersSyncCmd = &cobra.Command{
	Use:   "sync [path]",
	Short: "Sets the sync folder (empty path to unset)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		if len(args) == 1 {
			path = args[0]
		}
		return cfg.SetSyncFolder(path)
	},
}

// promptPassphrase reads a passphrase without echo. When confirm is true and
// the passphrase is non-empty it must be typed twice.
func promptPassphrase(prompt string, confirm bool) (string, error) {
	fmt.Print(prompt)
	first, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	fmt.Println()

	if !confirm || len(first) == 0 {
		return string(first), nil
	}

	fmt.Print("Confirm passphrase: ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	fmt.Println()

	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	return string(first), nil
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
