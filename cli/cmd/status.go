package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tyler-james-bridges/provisionkey"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	Long:  "Display the vault state, failed PIN attempts, the self-destruct threshold and biometric settings. No PIN is required.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output in JSON format")
}

func showStatus(cmd *cobra.Command, args []string) error {
	st, err := vaultSvc.Status(cmd.Context())
	if err != nil {
		return err
	}

	if statusJSON {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Println("Vault Status")
	fmt.Println("============")

	fmt.Printf("Vault ID: %s\n", st.VaultID)
	fmt.Printf("State: %s\n", stateString(st.State))
	fmt.Printf("Store: %s (%s)\n", st.StoreType, vaultPath)
	fmt.Printf("Memory Protection: %s\n", st.MemoryProtection)

	if !st.IsSetup {
		printHint("Create the vault with %s", color.YellowString("provisionkey setup"))
		return nil
	}

	attempts := fmt.Sprintf("%d of %d", st.FailedAttempts, st.MaxFailedAttempts)
	switch {
	case st.FailedAttempts == 0:
		attempts = color.GreenString(attempts)
	case st.RemainingAttempts <= 2:
		attempts = color.RedString(attempts)
	default:
		attempts = color.YellowString(attempts)
	}
	fmt.Printf("Failed Attempts: %s\n", attempts)
	fmt.Printf("Self-destruct After: %d wrong PINs\n", st.MaxFailedAttempts)

	biometric := "disabled"
	if st.BiometricEnabled {
		biometric = "enabled"
		if !st.EscrowPresent {
			biometric += " (no stored key, unlock with PIN once)"
		}
	}
	fmt.Printf("Biometric Unlock: %s\n", biometric)

	return nil
}

func stateString(s provisionkey.State) string {
	switch s {
	case provisionkey.StateUnlocked:
		return color.GreenString(s.String())
	case provisionkey.StateLocked:
		return color.YellowString(s.String())
	default:
		return color.RedString(s.String())
	}
}
