package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tyler-james-bridges/provisionkey"
)

var importYes bool

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write the vault to a portable export file",
	Long: `Write the encrypted vault, together with its salt and PIN verifier, to a file.
The file can be imported on another machine with the same PIN. It never
contains plaintext.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		started := auditCmdStart(cmd, args)
		defer func() { err = auditCmdComplete(cmd, err, started) }()

		if err = unlockVault(); err != nil {
			return err
		}
		data, err := vaultSvc.ExportVault()
		if err != nil {
			return err
		}
		if err = os.WriteFile(args[0], data, 0600); err != nil {
			return fmt.Errorf("failed to write export file: %w", err)
		}
		printSuccess("Exported vault to %s", args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the vault with an export file",
	Long: `Replace the local vault with the content of an export file. The PIN must be
the PIN the export was made with. The current vault is overwritten.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		started := auditCmdStart(cmd, args)
		defer func() { err = auditCmdComplete(cmd, err, started) }()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read export file: %w", err)
		}

		if vaultSvc.State() != provisionkey.StateUninitialized && !importYes &&
			!confirm("This replaces the existing vault. Continue?") {
			return fmt.Errorf("import cancelled")
		}

		pin, err := getPIN("PIN of the exported vault: ")
		if err != nil {
			return err
		}

		s, cleanup := startSpinner("Importing vault...")
		err = vaultSvc.ImportVault(data, pin)
		if err != nil {
			s.FinalMSG = color.RedString("✗") + " Import failed\n"
		}
		cleanup()
		if err != nil {
			return err
		}
		printSuccess("Imported vault from %s", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().BoolVar(&importYes, "yes", false, "overwrite an existing vault without asking")
}
