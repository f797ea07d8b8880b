package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"southwinds.dev/coffer"
	"southwinds.dev/coffer/audit"
	"southwinds.dev/coffer/catalog"
	"southwinds.dev/coffer/persist"
)

const passwordEnv = "COFFER_PASSWORD"

var (
	cfgFile  string
	password string
	ownerID  int64

	vaultSvc    *coffer.Vault
	auditLogger audit.Logger
	logger      zerolog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "coffer",
	Short: "An encrypted file vault",
	Long: `coffer stores files encrypted at rest under a single master key sealed by a password.

Each file is encrypted with ChaCha20-Poly1305 under its own key derived from the master key.
The master key is only held in guarded memory while a command runs, and deleted files are
overwritten before they are unlinked.`,
	SilenceUsage:       true,
	PersistentPreRunE:  initializeVault,
	PersistentPostRunE: closeVault,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.coffer.yaml)")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "vault password (or use "+passwordEnv+", otherwise prompted)")
	rootCmd.PersistentFlags().Int64Var(&ownerID, "owner", 1, "owner id the command acts for")
	rootCmd.PersistentFlags().String("vault-dir", "", "directory holding encrypted blobs")
	rootCmd.PersistentFlags().String("master-key-file", "", "location of the sealed master key")
	rootCmd.PersistentFlags().String("catalog", "", "catalog database (SQLite file or :memory:)")
	rootCmd.PersistentFlags().String("store-type", "", "sealed key backend (file, s3)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	bindFlagOrPanic("vault.dir", "vault-dir")
	bindFlagOrPanic("vault.master_key_file", "master-key-file")
	bindFlagOrPanic("catalog.dsn", "catalog")
	bindFlagOrPanic("vault.store_type", "store-type")
	bindFlagOrPanic("log.level", "log-level")

	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "use TLS for S3 connections")

	bindFlagOrPanic("vault.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("vault.s3.region", "s3-region")
	bindFlagOrPanic("vault.s3.bucket", "s3-bucket")
	bindFlagOrPanic("vault.s3.prefix", "s3-prefix")
	bindFlagOrPanic("vault.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("vault.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("vault.s3.use_ssl", "s3-use-ssl")
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
		viper.AddConfigPath("/etc/coffer")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".coffer")
	}

	viper.SetEnvPrefix("COFFER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}

	logger = newLogger(viper.GetString("log.level"))
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Debug().Str("file", used).Msg("using config file")
	}
}

func setDefaults() {
	defaults := coffer.DefaultOptions()

	viper.SetDefault("vault.dir", ".coffer/blobs")
	viper.SetDefault("vault.master_key_file", ".coffer/master.key")
	viper.SetDefault("vault.store_type", "file")
	viper.SetDefault("catalog.dsn", ".coffer/catalog.db")

	viper.SetDefault("vault.s3.region", "us-east-1")
	viper.SetDefault("vault.s3.prefix", "coffer")
	viper.SetDefault("vault.s3.use_ssl", true)

	viper.SetDefault("security.argon2_time_cost", defaults.ArgonTime)
	viper.SetDefault("security.argon2_memory_cost", defaults.ArgonMemory)
	viper.SetDefault("security.argon2_parallelism", defaults.ArgonThreads)
	viper.SetDefault("security.key_length", defaults.KeyLength)
	viper.SetDefault("security.erase_passes", defaults.ErasePasses)
	viper.SetDefault("security.idle_timeout", defaults.IdleTimeout)
	viper.SetDefault("security.memory_lock", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.file_path", ".coffer/audit.log")
	viper.SetDefault("audit.log_level", "info")

	viper.SetDefault("log.level", "warn")
}

// newLogger writes human readable logs to stderr so stdout stays clean for file contents
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(lvl).
		With().Timestamp().Logger()
}

// under reports whether cmd is one of names or nested below one
func under(cmd *cobra.Command, names ...string) bool {
	for c := cmd; c != nil; c = c.Parent() {
		for _, name := range names {
			if c.Name() == name {
				return true
			}
		}
	}
	return false
}

func initializeVault(cmd *cobra.Command, args []string) error {
	if under(cmd, "help", "completion", "__complete", "config") {
		return nil
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}
	auditCommand(cmd)
	if under(cmd, "audit") {
		return nil
	}

	options, err := loadOptions()
	if err != nil {
		_ = auditLogger.Close()
		return err
	}

	vaultSvc, err = createVault(cmd.Context(), options, auditLogger)
	if err != nil {
		_ = auditLogger.Close()
		return err
	}
	return nil
}

// closeVault also closes the audit logger, which the vault owns once opened
func closeVault(cmd *cobra.Command, args []string) error {
	if vaultSvc != nil {
		return vaultSvc.Close()
	}
	if auditLogger != nil {
		return auditLogger.Close()
	}
	return nil
}

func loadOptions() (coffer.Options, error) {
	options := coffer.DefaultOptions()
	options.MasterKeyFile = viper.GetString("vault.master_key_file")
	options.VaultDir = viper.GetString("vault.dir")
	options.CatalogDSN = viper.GetString("catalog.dsn")
	options.ArgonTime = viper.GetUint32("security.argon2_time_cost")
	options.ArgonMemory = viper.GetUint32("security.argon2_memory_cost")
	options.ArgonThreads = uint8(viper.GetUint("security.argon2_parallelism"))
	options.KeyLength = viper.GetUint32("security.key_length")
	options.ErasePasses = viper.GetInt("security.erase_passes")
	options.IdleTimeout = viper.GetDuration("security.idle_timeout")
	options.EnableMemoryLock = viper.GetBool("security.memory_lock")
	options.Logger = logger

	if err := options.Validate(); err != nil {
		return options, fmt.Errorf("invalid configuration: %w", err)
	}
	return options, nil
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

// createVault opens the sealed key backend selected by vault.store_type together
// with the local blob directory and catalog
func createVault(ctx context.Context, options coffer.Options, auditLogger audit.Logger) (*coffer.Vault, error) {
	storeType := strings.ToLower(viper.GetString("vault.store_type"))
	if storeType == "file" || storeType == string(persist.StoreTypeFileSystem) {
		return coffer.New(options, auditLogger)
	}

	store, err := createStore(storeType, options)
	if err != nil {
		return nil, err
	}
	blobs, err := persist.NewBlobStore(options.VaultDir)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	cat, err := catalog.OpenSQLCatalog(ctx, options.CatalogDSN)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	v, err := coffer.NewWithStore(options, store, blobs, cat, auditLogger)
	if err != nil {
		_ = cat.Close()
		_ = store.Close()
		return nil, err
	}
	return v, nil
}

func createStore(storeType string, options coffer.Options) (persist.Store, error) {
	switch storeType {
	case string(persist.StoreTypeS3):
		s3Config := loadS3Config()
		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.NewS3Store(s3Config)

	default:
		return persist.NewStore(persist.StoreConfig{
			Type:   persist.StoreType(storeType),
			Config: map[string]interface{}{"path": options.MasterKeyFile},
		})
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
	if (config.AccessKeyID == "") != (config.SecretAccessKey == "") {
		missing = append(missing, "vault.s3.access_key_id and vault.s3.secret_access_key")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// readPassword resolves the password from the flag, the environment or a
// no-echo prompt, in that order
func readPassword(prompt string) ([]byte, error) {
	if password != "" {
		return []byte(password), nil
	}
	if env := os.Getenv(passwordEnv); env != "" {
		return []byte(env), nil
	}
	return promptPassword(prompt)
}

func promptPassword(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("no password given: use --password, %s or run interactively", passwordEnv)
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	if len(pw) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	return pw, nil
}

// promptNewPassword asks twice so a typo cannot lock the vault
func promptNewPassword(prompt string) ([]byte, error) {
	pw, err := promptPassword(prompt)
	if err != nil {
		return nil, err
	}
	confirm, err := promptPassword("Confirm password: ")
	if err != nil {
		return nil, err
	}
	if string(pw) != string(confirm) {
		return nil, errors.New("passwords do not match")
	}
	return pw, nil
}

// unlock opens the vault for commands that touch file contents
func unlock() error {
	pw, err := readPassword("Vault password: ")
	if err != nil {
		return err
	}
	defer wipe(pw)
	if err = vaultSvc.Unlock(pw); err != nil {
		return userError(err)
	}
	return nil
}

// auditCommand records who ran which command, with secret flag values redacted
func auditCommand(cmd *cobra.Command) {
	err := auditLogger.Log("CLI_COMMAND", true, map[string]interface{}{
		audit.KeyRequestID: uuid.NewString(),
		audit.KeySource:    hostname(),
		"command":          cmd.CommandPath(),
		"flags":            sanitizeFlags(cmd),
		"user":             currentUser(),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to audit command")
	}
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		if isSensitiveConfigKey(flag.Name) || flag.Name == "s3-access-key" {
			flags[flag.Name] = "[REDACTED]"
			return
		}
		flags[flag.Name] = flag.Value.String()
	})
	return flags
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	if env := os.Getenv("USER"); env != "" {
		return env
	}
	return "unknown_user"
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown_host"
	}
	return name
}
