package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/viper"
	"github.com/tyler-james-bridges/provisionkey"
	"github.com/tyler-james-bridges/provisionkey/escrow"
	"golang.org/x/term"
)

var (
	// replaced in tests
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
	stdin        io.Reader = os.Stdin
)

// readSecret prints prompt to stderr and reads a line without echo
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !isTerminal(fd) {
		return "", fmt.Errorf("cannot read secret: stdin is not a terminal")
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := readPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}

// getPIN returns --pin, then PROVISIONKEY_PIN, then prompts
func getPIN(prompt string) (string, error) {
	if pin := viper.GetString("vault.pin"); pin != "" {
		return pin, nil
	}
	return readSecret(prompt)
}

// readNewPIN prompts twice and requires both entries to match
func readNewPIN(label string) (string, error) {
	first, err := readSecret(label + ": ")
	if err != nil {
		return "", err
	}
	second, err := readSecret("Confirm " + strings.ToLower(label) + ": ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("PINs do not match")
	}
	return first, nil
}

// confirm asks a yes/no question on stdin; anything but y/yes is a no
func confirm(question string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", question)
	answer, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// confirmPresence gates escrow reads behind an explicit user confirmation
func confirmPresence(ctx context.Context, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !confirm(reason + "?") {
		return escrow.ErrDenied
	}
	return nil
}

func startSpinner(message string) (*spinner.Spinner, func()) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = os.Stderr
	_ = s.Color("cyan")

	if isTerminal(int(os.Stderr.Fd())) {
		s.Start()
	}

	cleanup := func() {
		s.Stop()
	}
	return s, cleanup
}

// unlockVault opens the session with the PIN. It reports remaining attempts and self-destruct.
func unlockVault() error {
	if vaultSvc.State() == provisionkey.StateUninitialized {
		return fmt.Errorf("%w: run %s first", provisionkey.ErrSetupRequired, color.YellowString("provisionkey setup"))
	}

	pin, err := getPIN("Enter PIN: ")
	if err != nil {
		return err
	}
	return unlockWithPIN(pin)
}

func unlockWithPIN(pin string) error {
	s, cleanup := startSpinner("Unlocking vault...")
	_, err := vaultSvc.UnlockWithPIN(pin)
	if err != nil {
		s.FinalMSG = unlockFailureMessage(err) + "\n"
	}
	cleanup()
	return err
}

func unlockFailureMessage(err error) string {
	var attempts *provisionkey.AttemptsError
	switch {
	case errors.Is(err, provisionkey.ErrWiped):
		return color.RedString("✗") + " Too many wrong PINs. The vault has been wiped."
	case errors.As(err, &attempts):
		msg := color.RedString("✗") + fmt.Sprintf(" Wrong PIN. %d of %d attempts remaining.", attempts.Remaining, attempts.Max)
		if attempts.Remaining <= 2 {
			msg += "\n" + color.YellowString("!") + " The vault is wiped when no attempts remain."
		}
		return msg
	default:
		return color.RedString("✗") + " Unlock failed"
	}
}

func printSuccess(format string, args ...interface{}) {
	fmt.Println(color.GreenString("✓") + " " + fmt.Sprintf(format, args...))
}

func printHint(format string, args ...interface{}) {
	fmt.Println(color.CyanString("→") + " " + fmt.Sprintf(format, args...))
}

func parseEntryType(s string) (provisionkey.EntryType, error) {
	t := provisionkey.EntryType(strings.ToLower(strings.TrimSpace(s)))
	if !provisionkey.IsValidEntryType(t) {
		names := make([]string, len(provisionkey.EntryTypes))
		for i, et := range provisionkey.EntryTypes {
			names[i] = string(et)
		}
		return "", fmt.Errorf("invalid entry type %q (must be one of: %s)", s, strings.Join(names, ", "))
	}
	return t, nil
}

// parseFields reads label=value pairs; a "!" suffix on the label marks the field sensitive
func parseFields(raw []string) ([]provisionkey.Field, error) {
	fields := make([]provisionkey.Field, 0, len(raw))
	for _, item := range raw {
		label, value, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid field %q (expected label=value)", item)
		}
		label = strings.TrimSpace(label)
		sensitive := strings.HasSuffix(label, "!")
		label = strings.TrimSuffix(label, "!")
		fields = append(fields, provisionkey.Field{
			Label:     label,
			Value:     value,
			Sensitive: sensitive,
		})
	}
	return fields, nil
}

func maskValue(f provisionkey.Field, reveal bool) string {
	if f.Sensitive && !reveal {
		return "********"
	}
	return f.Value
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

func isSensitiveConfigKey(key string) bool {
	sensitiveKeys := []string{"pin", "passphrase", "password", "secret", "access_key", "token"}
	lowerKey := strings.ToLower(key)

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		} else if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		}
	}
}
