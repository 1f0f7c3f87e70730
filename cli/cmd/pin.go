package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tyler-james-bridges/provisionkey"
)

var newPinFlag string

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Manage the vault PIN",
}

var pinChangeCmd = &cobra.Command{
	Use:   "change",
	Short: "Change the vault PIN",
	Long: `Change the PIN. The vault document is re-encrypted under a key derived from
the new PIN. The current PIN opens the session first, so a wrong current PIN
counts as a failed unlock.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		started := auditCmdStart(cmd, args)
		defer func() { err = auditCmdComplete(cmd, err, started) }()

		current, err := getPIN("Current PIN: ")
		if err != nil {
			return err
		}
		if err = unlockWithPIN(current); err != nil {
			return err
		}

		newPin := newPinFlag
		if newPin == "" {
			if newPin, err = readNewPIN("New PIN"); err != nil {
				return err
			}
		}
		if err = provisionkey.ValidatePIN(newPin, provisionkey.DefaultPINPolicy()); err != nil {
			return err
		}

		s, cleanup := startSpinner("Re-encrypting vault...")
		err = vaultSvc.ChangePIN(current, newPin)
		if err != nil {
			s.FinalMSG = color.RedString("✗") + " PIN not changed\n"
		}
		cleanup()
		if err != nil {
			return err
		}

		printSuccess("PIN changed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pinCmd)
	pinCmd.AddCommand(pinChangeCmd)
	pinChangeCmd.Flags().StringVar(&newPinFlag, "new-pin", "", "new PIN (prompted when empty)")
}
