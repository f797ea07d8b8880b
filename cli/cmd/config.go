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
	"southwinds.dev/coffer/internal/misc"
)

var (
	configFormat string
	configForce  bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect vault configuration",
	Long:  `Show, create and validate the configuration read from the config file, COFFER_* environment variables and flags.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Display the effective configuration from all sources. Secrets are redacted.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file with default values",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys",
	Args:  cobra.NoArgs,
	RunE:  runConfigKeys,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configInitCmd, configValidateCmd, configKeysCmd)

	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json, table)")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	settings := viper.AllSettings()
	maskSensitiveValues(settings)

	switch strings.ToLower(configFormat) {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))
	case "table":
		return printConfigTable()
	default:
		data, err := yaml.Marshal(settings)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Print(string(data))
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to locate home directory: %w", err)
		}
		path = filepath.Join(home, ".coffer.yaml")
	}

	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}

	data, err := yaml.Marshal(configTemplate())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(path), misc.DirPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err = os.WriteFile(path, data, misc.FilePermissions); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Configuration written to %s\n", path)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	problems := validateConfiguration()
	if len(problems) == 0 {
		fmt.Println("Configuration is valid")
		return nil
	}
	for _, p := range problems {
		fmt.Printf("  - %s\n", p)
	}
	return fmt.Errorf("configuration has %d problem(s)", len(problems))
}

func runConfigKeys(cmd *cobra.Command, args []string) error {
	keys := configKeyDescriptions()
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	for _, k := range sorted {
		fmt.Fprintf(w, "%s\t%s\n", k, keys[k])
	}
	return nil
}

func configTemplate() map[string]interface{} {
	return map[string]interface{}{
		"vault": map[string]interface{}{
			"dir":             viper.GetString("vault.dir"),
			"master_key_file": viper.GetString("vault.master_key_file"),
			"store_type":      "file",
		},
		"catalog": map[string]interface{}{
			"dsn": viper.GetString("catalog.dsn"),
		},
		"security": map[string]interface{}{
			"argon2_time_cost":   viper.GetUint32("security.argon2_time_cost"),
			"argon2_memory_cost": viper.GetUint32("security.argon2_memory_cost"),
			"argon2_parallelism": viper.GetUint("security.argon2_parallelism"),
			"key_length":         viper.GetUint32("security.key_length"),
			"erase_passes":       viper.GetInt("security.erase_passes"),
			"idle_timeout":       viper.GetDuration("security.idle_timeout").String(),
			"memory_lock":        viper.GetBool("security.memory_lock"),
		},
		"audit": map[string]interface{}{
			"enabled": false,
			"type":    "file",
			"options": map[string]interface{}{
				"file_path": viper.GetString("audit.options.file_path"),
			},
		},
		"log": map[string]interface{}{
			"level": "warn",
		},
	}
}

func validateConfiguration() []string {
	var problems []string

	switch strings.ToLower(viper.GetString("vault.store_type")) {
	case "file", "filesystem":
	case "s3":
		s3Config := loadS3Config()
		if err := validateS3Config(s3Config); err != nil {
			problems = append(problems, err.Error())
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid store type: %s (must be file or s3)", viper.GetString("vault.store_type")))
	}

	if _, err := loadOptions(); err != nil {
		problems = append(problems, err.Error())
	}

	if viper.GetBool("audit.enabled") {
		switch viper.GetString("audit.type") {
		case "file":
			if viper.GetString("audit.options.file_path") == "" {
				problems = append(problems, "audit file path is required when using file audit")
			}
		case "syslog":
		default:
			problems = append(problems, fmt.Sprintf("invalid audit type: %s (must be file or syslog)", viper.GetString("audit.type")))
		}
	}
	return problems
}

func configKeyDescriptions() map[string]string {
	return map[string]string{
		"vault.dir":                   "Directory holding encrypted blobs",
		"vault.master_key_file":       "Location of the sealed master key (file store)",
		"vault.store_type":            "Sealed key backend (file, s3)",
		"vault.s3.endpoint":           "S3 endpoint",
		"vault.s3.bucket":             "S3 bucket name",
		"vault.s3.region":             "S3 region",
		"vault.s3.prefix":             "S3 key prefix",
		"vault.s3.access_key_id":      "S3 access key ID",
		"vault.s3.secret_access_key":  "S3 secret access key",
		"vault.s3.use_ssl":            "Use TLS for S3",
		"catalog.dsn":                 "SQLite catalog database",
		"security.argon2_time_cost":   "Argon2id iterations",
		"security.argon2_memory_cost": "Argon2id memory in KiB",
		"security.argon2_parallelism": "Argon2id threads",
		"security.key_length":         "Argon2id output length in bytes",
		"security.erase_passes":       "Random overwrite passes before a blob is unlinked (min 3)",
		"security.idle_timeout":       "Lock after this long without key use, 0 disables",
		"security.memory_lock":        "Lock process memory to keep keys out of swap",
		"audit.enabled":               "Enable audit logging",
		"audit.type":                  "Audit logger type (file, syslog)",
		"audit.options.file_path":     "Audit log file path",
		"audit.log_level":             "Minimum audit level for syslog",
		"log.level":                   "Operational log level",
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
		if viper.InConfig(key) {
			source = filepath.Base(viper.ConfigFileUsed())
		}
		if os.Getenv("COFFER_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))) != "" {
			source = "environment"
		}
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}
	return nil
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
	lower := strings.ToLower(key)
	for _, s := range []string{"password", "secret", "access_key", "token"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}
