package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	configForce  bool
	configFormat string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long:  `View and initialize the provisionkey configuration file.`,
}

var configShowCmd = &cobra.Command{
	Use:     "show",
	Aliases: []string{"view"},
	Short:   "Show the effective configuration",
	Long:    `Display the configuration merged from the config file, PROVISIONKEY_* environment variables, flags and defaults. Secrets are redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch strings.ToLower(configFormat) {
		case "yaml", "":
			return printConfigYAML()
		case "json":
			return printConfigJSON()
		case "table":
			return printConfigTable()
		default:
			return fmt.Errorf("unsupported format: %s (use yaml, json or table)", configFormat)
		}
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := getConfigFilePath()
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
		}

		data, err := yaml.Marshal(defaultConfigTemplate())
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		if err = os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		if err = os.WriteFile(path, data, 0600); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		printSuccess("Wrote %s", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)

	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json, table)")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite existing config file")
}

func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".provisionkey.yaml")
}

func defaultConfigTemplate() map[string]interface{} {
	return map[string]interface{}{
		"vault": map[string]interface{}{
			"path":       defaultVaultPath(),
			"id":         "default",
			"store_type": "file",
			"sqlite": map[string]interface{}{
				"dsn": "",
			},
			"s3": map[string]interface{}{
				"endpoint": "",
				"bucket":   "",
				"region":   "us-east-1",
				"prefix":   "provisionkey/",
				"use_ssl":  true,
			},
		},
		"audit": map[string]interface{}{
			"enabled": false,
			"type":    "file",
			"options": map[string]interface{}{
				"file_path": "audit.log",
			},
		},
		"escrow": map[string]interface{}{
			"backend": "none",
		},
		"log": map[string]interface{}{
			"level":  "warn",
			"format": "console",
		},
	}
}

func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" && viper.InConfig(key) {
			source = filepath.Base(viper.ConfigFileUsed())
		}
		envKey := "PROVISIONKEY_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv(envKey) != "" {
			source = "environment"
		}

		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}
	return nil
}

func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}
