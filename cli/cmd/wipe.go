package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var wipeYes bool

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Irreversibly delete the vault",
	Long: `Delete the settings, the encrypted vault document and any biometric escrow.
Backups are kept unless --wipe-backups is set. No PIN is required, so a
forgotten PIN can be recovered from only by wiping and restoring a backup.
A kept backup still holds the vault contents under its passphrase.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		started := auditCmdStart(cmd, args)
		defer func() { err = auditCmdComplete(cmd, err, started) }()

		if !wipeYes && !confirm("Permanently delete the vault?") {
			return fmt.Errorf("wipe cancelled")
		}

		if err = vaultSvc.Wipe(); err != nil {
			return err
		}
		printSuccess("Vault wiped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(wipeCmd)
	wipeCmd.Flags().BoolVar(&wipeYes, "yes", false, "skip the confirmation prompt")
}
