package cmd

import (
	"errors"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyler-james-bridges/provisionkey"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the vault with a new PIN",
	Long: `Create a new, empty vault protected by a PIN of 4 to 8 digits.

The PIN is read from --pin, PROVISIONKEY_PIN, or prompted twice.
A PIN cannot be recovered: without it the vault can only be wiped.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		started := auditCmdStart(cmd, args)
		defer func() { err = auditCmdComplete(cmd, err, started) }()

		if vaultSvc.State() != provisionkey.StateUninitialized {
			return provisionkey.ErrAlreadySetup
		}

		pin := viper.GetString("vault.pin")
		if pin == "" {
			if pin, err = readNewPIN("New PIN"); err != nil {
				return err
			}
		}
		if err = provisionkey.ValidatePIN(pin, provisionkey.DefaultPINPolicy()); err != nil {
			return err
		}

		s, cleanup := startSpinner("Deriving vault key...")
		err = vaultSvc.Setup(pin)
		if err != nil {
			s.FinalMSG = color.RedString("✗") + " Setup failed\n"
		}
		cleanup()
		if errors.Is(err, provisionkey.ErrAlreadySetup) {
			printHint("Use %s to start over", color.YellowString("provisionkey wipe --yes"))
		}
		if err != nil {
			return err
		}

		printSuccess("Vault created")
		printHint("Add an entry with %s", color.YellowString("provisionkey entries add"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
