package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tyler-james-bridges/provisionkey"
)

var (
	entryName   string
	entryType   string
	entryFields []string
	entryNotes  string
	entryReveal bool
	entryJSON   bool
)

var entriesCmd = &cobra.Command{
	Use:     "entries",
	Aliases: []string{"entry"},
	Short:   "Manage vault entries",
	Long: `Manage the recovery entries stored in the vault. Every subcommand unlocks
the vault with the PIN first.

Fields are given as label=value. Append ! to the label to mark the field as
sensitive, e.g. --field "seed location!=safe deposit box 12".`,
}

var entriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entries",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		started := auditCmdStart(cmd, args)
		defer func() { err = auditCmdComplete(cmd, err, started) }()

		if err = unlockVault(); err != nil {
			return err
		}
		doc, err := vaultSvc.GetVaultData()
		if err != nil {
			return err
		}

		if entryJSON {
			return printJSON(doc.Entries)
		}
		if len(doc.Entries) == 0 {
			fmt.Println("No entries")
			printHint("Add one with %s", color.YellowString("provisionkey entries add"))
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tFIELDS\tUPDATED")
		for _, e := range doc.Entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				e.ID, e.Name, e.Type, len(e.Fields), e.UpdatedAt.Local().Format(time.DateTime))
		}
		return nil
	},
}

var entriesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		started := auditCmdStart(cmd, args)
		defer func() { err = auditCmdComplete(cmd, err, started) }()

		if err = unlockVault(); err != nil {
			return err
		}
		entry, err := vaultSvc.GetEntry(args[0])
		if err != nil {
			return err
		}

		if entryJSON {
			if !entryReveal {
				for i := range entry.Fields {
					entry.Fields[i].Value = maskValue(entry.Fields[i], false)
				}
			}
			return printJSON(entry)
		}
		printEntry(entry, entryReveal)
		return nil
	},
}

var entriesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an entry",
	Long: `Add an entry to the vault.

Example:
  provisionkey entries add --name "Ledger Nano X" --type hardware-wallet \
    --field "device location=desk drawer" --field "seed location!=safe deposit box"`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		started := auditCmdStart(cmd, args)
		defer func() { err = auditCmdComplete(cmd, err, started) }()

		in, err := entryInputFromFlags()
		if err != nil {
			return err
		}
		if err = unlockVault(); err != nil {
			return err
		}

		entry, err := vaultSvc.AddEntry(in)
		if err != nil {
			return err
		}
		printSuccess("Added entry %s (%s)", color.YellowString(entry.Name), entry.ID)
		return nil
	},
}

var entriesUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update an entry",
	Long:  "Update an entry. Flags that are not given keep their current value; --field replaces all fields.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		started := auditCmdStart(cmd, args)
		defer func() { err = auditCmdComplete(cmd, err, started) }()

		if err = unlockVault(); err != nil {
			return err
		}
		current, err := vaultSvc.GetEntry(args[0])
		if err != nil {
			return err
		}

		in := provisionkey.EntryInput{
			Name:   current.Name,
			Type:   current.Type,
			Fields: current.Fields,
			Notes:  current.Notes,
		}
		if cmd.Flags().Changed("name") {
			in.Name = entryName
		}
		if cmd.Flags().Changed("type") {
			if in.Type, err = parseEntryType(entryType); err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("field") {
			if in.Fields, err = parseFields(entryFields); err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("notes") {
			in.Notes = entryNotes
		}

		entry, err := vaultSvc.UpdateEntry(args[0], in)
		if err != nil {
			return err
		}
		printSuccess("Updated entry %s", color.YellowString(entry.Name))
		return nil
	},
}

var entriesDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete an entry",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		started := auditCmdStart(cmd, args)
		defer func() { err = auditCmdComplete(cmd, err, started) }()

		if err = unlockVault(); err != nil {
			return err
		}
		if err = vaultSvc.DeleteEntry(args[0]); err != nil {
			return err
		}
		printSuccess("Deleted entry %s", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(entriesCmd)
	entriesCmd.AddCommand(entriesListCmd)
	entriesCmd.AddCommand(entriesShowCmd)
	entriesCmd.AddCommand(entriesAddCmd)
	entriesCmd.AddCommand(entriesUpdateCmd)
	entriesCmd.AddCommand(entriesDeleteCmd)

	entriesListCmd.Flags().BoolVar(&entryJSON, "json", false, "output in JSON format")
	entriesShowCmd.Flags().BoolVar(&entryJSON, "json", false, "output in JSON format")
	entriesShowCmd.Flags().BoolVar(&entryReveal, "reveal", false, "print sensitive field values")

	for _, c := range []*cobra.Command{entriesAddCmd, entriesUpdateCmd} {
		c.Flags().StringVarP(&entryName, "name", "n", "", "entry name")
		c.Flags().StringVarP(&entryType, "type", "t", string(provisionkey.EntryTypeOther), "entry type (hardware-wallet, software-wallet, exchange, seed-backup, other)")
		c.Flags().StringArrayVarP(&entryFields, "field", "f", nil, "field as label=value, label! marks it sensitive (repeatable)")
		c.Flags().StringVar(&entryNotes, "notes", "", "free-form notes")
	}
	_ = entriesAddCmd.MarkFlagRequired("name")
}

func entryInputFromFlags() (provisionkey.EntryInput, error) {
	t, err := parseEntryType(entryType)
	if err != nil {
		return provisionkey.EntryInput{}, err
	}
	fields, err := parseFields(entryFields)
	if err != nil {
		return provisionkey.EntryInput{}, err
	}
	return provisionkey.EntryInput{
		Name:   entryName,
		Type:   t,
		Fields: fields,
		Notes:  entryNotes,
	}, nil
}

func printEntry(e *provisionkey.Entry, reveal bool) {
	fmt.Printf("%s %s\n", color.YellowString(e.Name), color.HiBlackString("(%s)", e.ID))
	fmt.Printf("Type: %s\n", e.Type)
	fmt.Printf("Created: %s\n", e.CreatedAt.Local().Format(time.DateTime))
	fmt.Printf("Updated: %s\n", e.UpdatedAt.Local().Format(time.DateTime))

	if len(e.Fields) > 0 {
		fmt.Println("Fields:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, f := range e.Fields {
			fmt.Fprintf(w, "  %s\t%s\n", f.Label, maskValue(f, reveal))
		}
		_ = w.Flush()
	}
	if e.Notes != "" {
		fmt.Printf("Notes:\n  %s\n", e.Notes)
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
