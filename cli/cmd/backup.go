package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	backupPassphrase string
	backupRestoreYes bool
	backupJSON       bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Backup and restore operations",
	Long: `Manage passphrase-protected backups of the vault document. Backups are kept
in the store next to the vault, are independent of the PIN and survive a wipe.`,
}

var createBackupCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a backup",
	Args:  cobra.ExactArgs(1),
	RunE:  createBackup,
}

var restoreBackupCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Restore the vault document from a backup",
	Long:  "Replace the entries of the unlocked vault with the content of a backup. The PIN and settings are unchanged.",
	Args:  cobra.ExactArgs(1),
	RunE:  restoreBackup,
}

var listBackupsCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups",
	RunE:  listBackups,
}

var deleteBackupCmd = &cobra.Command{
	Use:   "delete <backup-id>",
	Short: "Delete a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		started := auditCmdStart(cmd, args)
		defer func() { err = auditCmdComplete(cmd, err, started) }()

		if err = vaultSvc.DeleteBackup(args[0]); err != nil {
			return fmt.Errorf("failed to delete backup: %w", err)
		}
		printSuccess("Deleted backup %s", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(createBackupCmd)
	backupCmd.AddCommand(restoreBackupCmd)
	backupCmd.AddCommand(listBackupsCmd)
	backupCmd.AddCommand(deleteBackupCmd)

	backupCmd.PersistentFlags().StringVar(&backupPassphrase, "backup-passphrase", "", "backup passphrase (or use PROVISIONKEY_BACKUP_PASSPHRASE env var)")
	restoreBackupCmd.Flags().BoolVar(&backupRestoreYes, "yes", false, "overwrite the vault entries without asking")
	listBackupsCmd.Flags().BoolVar(&backupJSON, "json", false, "output in JSON format")
}

// getBackupPassphrase returns the flag, then the environment, then prompts
func getBackupPassphrase(confirmIt bool) (string, error) {
	if backupPassphrase != "" {
		return backupPassphrase, nil
	}
	if p := os.Getenv("PROVISIONKEY_BACKUP_PASSPHRASE"); p != "" {
		return p, nil
	}

	p, err := readSecret("Backup passphrase: ")
	if err != nil {
		return "", err
	}
	if confirmIt {
		again, err := readSecret("Confirm backup passphrase: ")
		if err != nil {
			return "", err
		}
		if again != p {
			return "", fmt.Errorf("passphrases do not match")
		}
	}
	return p, nil
}

func createBackup(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, started) }()

	if err = unlockVault(); err != nil {
		return err
	}
	passphrase, err := getBackupPassphrase(true)
	if err != nil {
		return err
	}

	s, cleanup := startSpinner("Encrypting backup...")
	info, err := vaultSvc.Backup(args[0], passphrase)
	if err != nil {
		s.FinalMSG = color.RedString("✗") + " Backup failed\n"
	}
	cleanup()
	if err != nil {
		return err
	}

	printSuccess("Backup %s created with %d entries", color.YellowString(args[0]), info.EntryCount)
	printHint("Backup ID: %s", info.BackupID)
	return nil
}

func restoreBackup(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, started) }()

	if err = unlockVault(); err != nil {
		return err
	}
	passphrase, err := getBackupPassphrase(false)
	if err != nil {
		return err
	}

	if !backupRestoreYes && !confirm("This overwrites the current vault entries. Continue?") {
		fmt.Println("Restore cancelled")
		return nil
	}

	s, cleanup := startSpinner("Restoring backup...")
	err = vaultSvc.Restore(args[0], passphrase)
	if err != nil {
		s.FinalMSG = color.RedString("✗") + " Restore failed\n"
	}
	cleanup()
	if err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}

	printSuccess("Backup %s restored", color.YellowString(args[0]))
	return nil
}

func listBackups(cmd *cobra.Command, args []string) error {
	backups, err := vaultSvc.ListBackups()
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}

	if backupJSON {
		return printJSON(backups)
	}
	if len(backups) == 0 {
		fmt.Println("No backups")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "NAME\tBACKUP ID\tCREATED\tENTRIES\tSIZE")
	for _, b := range backups {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
			b.StorePath, b.BackupID, b.BackupTimestamp.Local().Format(time.DateTime), b.EntryCount, b.FileSize)
	}
	return nil
}
