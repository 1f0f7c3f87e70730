package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tyler-james-bridges/provisionkey"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Change vault security settings",
}

var settingsMaxAttemptsCmd = &cobra.Command{
	Use:   "max-attempts <n>",
	Short: "Set the number of wrong PINs that wipe the vault",
	Args:  cobra.ExactArgs(1),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		var opts []string
		for _, n := range provisionkey.MaxFailedAttemptsOptions() {
			opts = append(opts, strconv.Itoa(n))
		}
		return opts, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		started := auditCmdStart(cmd, args)
		defer func() { err = auditCmdComplete(cmd, err, started) }()

		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("%w: %q is not a number", provisionkey.ErrInvalidThreshold, args[0])
		}
		if err = unlockVault(); err != nil {
			return err
		}
		if err = vaultSvc.SetMaxFailedAttempts(n); err != nil {
			return err
		}
		printSuccess("The vault is now wiped after %d wrong PINs", n)
		return nil
	},
}

var settingsBiometricCmd = &cobra.Command{
	Use:       "biometric <on|off>",
	Short:     "Enable or disable biometric unlock",
	Long:      "Enable or disable unlocking through the OS keyring escrow. Requires --escrow-backend.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		started := auditCmdStart(cmd, args)
		defer func() { err = auditCmdComplete(cmd, err, started) }()

		var enabled bool
		switch strings.ToLower(args[0]) {
		case "on", "true", "enable":
			enabled = true
		case "off", "false", "disable":
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}

		if err = unlockVault(); err != nil {
			return err
		}
		if err = vaultSvc.SetBiometricEnabled(cmd.Context(), enabled); err != nil {
			return err
		}
		if enabled {
			printSuccess("Biometric unlock enabled")
		} else {
			printSuccess("Biometric unlock disabled")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsMaxAttemptsCmd)
	settingsCmd.AddCommand(settingsBiometricCmd)
}
