package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyler-james-bridges/provisionkey"
	"github.com/tyler-james-bridges/provisionkey/audit"
	"github.com/tyler-james-bridges/provisionkey/escrow"
	"github.com/tyler-james-bridges/provisionkey/internal/logging"
	"github.com/tyler-james-bridges/provisionkey/persist"
)

var (
	cfgFile    string
	vaultPath  string
	vaultID    string
	pinFlag    string
	vaultSvc   provisionkey.VaultService
	logger     zerolog.Logger
	cliContext *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "provisionkey",
	Short: "A PIN-protected local vault for crypto recovery information",
	Long: `provisionkey keeps wallet recovery material (seed phrase locations, hardware
wallet notes, exchange recovery codes) in a locally encrypted vault.

The vault key is derived from a short PIN with PBKDF2-SHA256 and the vault
document is sealed with ChaCha20-Poly1305. Too many wrong PINs in a row wipe
the vault. An optional OS keyring escrow allows unlocking without the PIN.`,
	SilenceUsage:      true,
	PersistentPreRunE: initializeVault,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if vaultSvc != nil {
			err := vaultSvc.Close()
			vaultSvc = nil
			return err
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		os.Exit(1)
	}
}

// execute runs the command tree and closes the vault even when a command failed
func execute() error {
	err := rootCmd.Execute()
	if vaultSvc != nil {
		_ = vaultSvc.Close()
		vaultSvc = nil
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.provisionkey.yaml)")
	rootCmd.PersistentFlags().StringVarP(&vaultPath, "vault-path", "p", "", "path to vault storage")
	rootCmd.PersistentFlags().StringVar(&vaultID, "vault-id", "", "vault identifier inside the store")
	rootCmd.PersistentFlags().StringVar(&pinFlag, "pin", "", "vault PIN (or use PROVISIONKEY_PIN env var; prompted when empty)")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (file, sqlite, s3)")
	rootCmd.PersistentFlags().String("sqlite-dsn", "", "SQLite data source (default <vault-path>/vault.db)")
	rootCmd.PersistentFlags().Bool("memory-lock", false, "lock process memory to keep secrets out of swap")
	rootCmd.PersistentFlags().Bool("wipe-backups", false, "also delete backups when the vault is wiped or self-destructs")

	bindFlagOrPanic("vault.path", "vault-path")
	bindFlagOrPanic("vault.id", "vault-id")
	bindFlagOrPanic("vault.pin", "pin")
	bindFlagOrPanic("vault.store_type", "store-type")
	bindFlagOrPanic("vault.sqlite.dsn", "sqlite-dsn")
	bindFlagOrPanic("vault.memory_lock", "memory-lock")
	bindFlagOrPanic("vault.wipe_backups", "wipe-backups")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog, zerolog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("vault.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("vault.s3.region", "s3-region")
	bindFlagOrPanic("vault.s3.bucket", "s3-bucket")
	bindFlagOrPanic("vault.s3.prefix", "s3-prefix")
	bindFlagOrPanic("vault.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("vault.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("vault.s3.use_ssl", "s3-use-ssl")

	// Escrow and logging
	rootCmd.PersistentFlags().String("escrow-backend", "", "keyring backend for biometric escrow (none, auto, keychain, secret-service, kwallet, wincred, pass, keyctl, file)")
	rootCmd.PersistentFlags().String("log-level", "", "operational log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "operational log format (console, json)")

	bindFlagOrPanic("escrow.backend", "escrow-backend")
	bindFlagOrPanic("log.level", "log-level")
	bindFlagOrPanic("log.format", "log-format")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".provisionkey")
	}

	viper.SetEnvPrefix("PROVISIONKEY")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	} else if os.Getenv("DEBUG") == "true" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func setDefaults() {
	viper.SetDefault("vault.path", defaultVaultPath())
	viper.SetDefault("vault.id", "default")
	viper.SetDefault("vault.store_type", "file")
	viper.SetDefault("vault.memory_lock", false)

	viper.SetDefault("vault.s3.region", "us-east-1")
	viper.SetDefault("vault.s3.prefix", "provisionkey/")
	viper.SetDefault("vault.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.log_level", "info")
	// resolved against vault.path in initializeVault
	viper.SetDefault("audit.options.file_path", "audit.log")

	viper.SetDefault("escrow.backend", "none")

	viper.SetDefault("log.level", "warn")
	viper.SetDefault("log.format", "console")
}

func defaultVaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".provisionkey"
	}
	return filepath.Join(home, ".provisionkey")
}

// commands that never touch the vault
func skipsVault(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "config":
			return true
		}
	}
	return false
}

func initializeVault(cmd *cobra.Command, args []string) error {
	if skipsVault(cmd) {
		return nil
	}

	var err error
	logger, err = logging.New(logging.Config{
		Level:  viper.GetString("log.level"),
		Format: viper.GetString("log.format"),
	})
	if err != nil {
		return err
	}

	vaultPath = viper.GetString("vault.path")
	vaultID = viper.GetString("vault.id")

	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(vaultPath, "audit.log"))
	}

	if err = os.MkdirAll(vaultPath, 0700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: uuid.NewString(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	storeConfig, err := createStoreConfig(viper.GetString("vault.store_type"))
	if err != nil {
		return err
	}

	esc, err := createEscrow()
	if err != nil {
		return fmt.Errorf("failed to open escrow: %w", err)
	}

	options := provisionkey.Options{
		VaultID:          vaultID,
		EnableMemoryLock: viper.GetBool("vault.memory_lock"),
		WipeBackups:      viper.GetBool("vault.wipe_backups"),
		Logger:           &logger,
	}

	vs, err := provisionkey.New(options, storeConfig, createAuditConfig(), esc)
	if err != nil {
		return fmt.Errorf("failed to open vault %s: %w", vaultID, err)
	}
	vaultSvc = vs

	logger.Debug().
		Str("store", getStoreConfigSummary(viper.GetString("vault.store_type"))).
		Str("session_id", cliContext.SessionID).
		Msg("vault opened")
	return nil
}

func createAuditConfig() *audit.Config {
	options := map[string]interface{}{
		"file_path": viper.GetString("audit.options.file_path"),
	}
	if format := viper.GetString("audit.options.format"); format != "" {
		options["format"] = format
	}
	if addr := viper.GetString("audit.options.address"); addr != "" {
		options["network"] = viper.GetString("audit.options.network")
		options["address"] = addr
	}

	return &audit.Config{
		Enabled:  viper.GetBool("audit.enabled"),
		VaultID:  viper.GetString("vault.id"),
		Type:     audit.ConfigType(viper.GetString("audit.type")),
		Options:  options,
		LogLevel: viper.GetString("audit.log_level"),
	}
}

func createStoreConfig(storeType string) (persist.StoreConfig, error) {
	switch strings.ToLower(storeType) {
	case "file":
		return persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": viper.GetString("vault.path")},
		}, nil

	case "sqlite":
		dsn := viper.GetString("vault.sqlite.dsn")
		if dsn == "" {
			dsn = filepath.Join(viper.GetString("vault.path"), "vault.db")
		}
		return persist.StoreConfig{
			Type:   persist.StoreTypeSQLite,
			Config: map[string]interface{}{"dsn": dsn},
		}, nil

	case "s3":
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("vault.s3.endpoint"),
			AccessKeyID:     viper.GetString("vault.s3.access_key_id"),
			SecretAccessKey: viper.GetString("vault.s3.secret_access_key"),
			Bucket:          viper.GetString("vault.s3.bucket"),
			KeyPrefix:       viper.GetString("vault.s3.prefix"),
			UseSSL:          viper.GetBool("vault.s3.use_ssl"),
			Region:          viper.GetString("vault.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return persist.StoreConfig{}, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.StoreConfig{
			Type: persist.StoreTypeS3,
			Config: map[string]interface{}{
				"endpoint":          s3Config.Endpoint,
				"access_key_id":     s3Config.AccessKeyID,
				"secret_access_key": s3Config.SecretAccessKey,
				"bucket":            s3Config.Bucket,
				"key_prefix":        s3Config.KeyPrefix,
				"use_ssl":           s3Config.UseSSL,
				"region":            s3Config.Region,
			},
		}, nil

	default:
		return persist.StoreConfig{}, fmt.Errorf("unsupported store type: %s. Supported types: file, sqlite, s3", storeType)
	}
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Endpoint == "" {
		missing = append(missing, "vault.s3.endpoint")
	}
	if config.Bucket == "" {
		missing = append(missing, "vault.s3.bucket")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""
	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "vault.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "vault.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// createEscrow opens the keyring named by escrow.backend. "none" disables biometric unlock.
func createEscrow() (escrow.Escrow, error) {
	backend := strings.ToLower(viper.GetString("escrow.backend"))
	if backend == "" || backend == "none" {
		return nil, nil
	}

	cfg := escrow.KeyringConfig{
		ServiceName: "provisionkey",
		VaultID:     viper.GetString("vault.id"),
		FileDir:     filepath.Join(viper.GetString("vault.path"), "keyring"),
		FilePassword: func(prompt string) (string, error) {
			return readSecret(prompt + ": ")
		},
	}
	if backend != "auto" {
		cfg.Backends = []keyring.BackendType{keyring.BackendType(backend)}
	}

	ke, err := escrow.OpenKeyringEscrow(cfg, escrow.AuthenticatorFunc(confirmPresence))
	if err != nil {
		return nil, err
	}
	return ke, nil
}

func getStoreConfigSummary(storeType string) string {
	switch strings.ToLower(storeType) {
	case "file":
		return fmt.Sprintf("file store: path=%s", viper.GetString("vault.path"))
	case "sqlite":
		return fmt.Sprintf("sqlite store: dsn=%s", viper.GetString("vault.sqlite.dsn"))
	case "s3":
		return fmt.Sprintf("s3 store: bucket=%s, region=%s, prefix=%s",
			viper.GetString("vault.s3.bucket"),
			viper.GetString("vault.s3.region"),
			viper.GetString("vault.s3.prefix"))
	default:
		return fmt.Sprintf("unknown store type: %s", storeType)
	}
}

func isSensitiveFlag(name string) bool {
	sensitive := []string{"pin", "passphrase", "password", "secret", "key", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser falls back to $USER and then "unknown_user"
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		logger.Warn().Err(err).Msg("could not get current user")
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		logger.Warn().Err(err).Msg("could not get hostname")
		return "unknown_host"
	}
	return hostname
}

// auditCmdStart records a CLI invocation in the vault's audit trail
func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	if vaultSvc == nil {
		return now
	}
	err := vaultSvc.GetAudit().Log("COMMAND_START", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       sanitizeArgs(args),
		"flags":      sanitizeFlags(cmd),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to write audit event")
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if vaultSvc != nil {
		_ = vaultSvc.GetAudit().Log("COMMAND_COMPLETE", err == nil, map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"error":       formatError(err),
			"user_id":     cliContext.UserID,
			"session_id":  cliContext.SessionID,
			"source":      cliContext.Source,
		})
	}
	return err
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		messages = append(messages, e.Error())
	}

	message := messages[0]
	if len(message) > 0 {
		first := string(message[0])
		if first != strings.ToUpper(first) {
			message = strings.ToUpper(first) + message[1:]
		}
	}
	return fmt.Sprintf("Error: %s", message)
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

// sanitizeArgs keeps entry ids and file names; values typed on the command line are not recorded
func sanitizeArgs(args []string) []string {
	sanitized := make([]string, len(args))
	for i, arg := range args {
		if len(arg) > 64 {
			sanitized[i] = "[REDACTED]"
			continue
		}
		sanitized[i] = arg
	}
	return sanitized
}
