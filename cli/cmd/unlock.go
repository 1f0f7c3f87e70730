package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tyler-james-bridges/provisionkey"
)

var unlockBiometric bool

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Check that the vault can be unlocked",
	Long: `Unlock the vault and report the result. Every command opens its own session,
so this is mainly useful to verify a PIN or the biometric escrow.

With --biometric the key is read from the OS keyring instead of deriving it
from the PIN. A cancelled prompt, a missing key and a stale key are reported
separately. The PIN always works.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		started := auditCmdStart(cmd, args)
		defer func() { err = auditCmdComplete(cmd, err, started) }()

		if !unlockBiometric {
			if err = unlockVault(); err != nil {
				return err
			}
			printSuccess("PIN accepted")
			return nil
		}

		result, err := vaultSvc.UnlockBiometric(cmd.Context())
		if err != nil {
			return err
		}
		if result != provisionkey.BiometricUnlocked {
			fmt.Println(biometricFailureMessage(result))
			return fmt.Errorf("biometric unlock failed: %s", result)
		}
		printSuccess("Unlocked with the stored key")
		return nil
	},
}

func biometricFailureMessage(result provisionkey.BiometricResult) string {
	switch result {
	case provisionkey.BiometricDenied:
		return color.RedString("✗") + " Authentication was cancelled or failed\n" +
			color.CyanString("→") + " Try again, or unlock with the PIN"
	case provisionkey.BiometricStale:
		return color.RedString("✗") + " The stored key no longer matches the vault and was removed\n" +
			color.CyanString("→") + " Unlock with the PIN to store a fresh key"
	default:
		return color.RedString("✗") + " No key is stored for biometric unlock\n" +
			color.CyanString("→") + " Unlock with the PIN, or enable it with " + color.YellowString("provisionkey settings biometric on")
	}
}

func init() {
	rootCmd.AddCommand(unlockCmd)
	unlockCmd.Flags().BoolVar(&unlockBiometric, "biometric", false, "unlock with the key escrowed in the OS keyring")
}
