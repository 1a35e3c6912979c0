// Package config loads pipeline settings from defaults, an optional YAML
// file, .env files, ATTACHSYNC_* environment variables and command flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const (
	EnvPrefix      = "ATTACHSYNC"
	configBaseName = "attachsync"

	InventoryFileName       = "attachments_inventory.csv"
	MappingFileName         = "mapping_export.csv"
	VerificationLogFileName = "mapping_verification_log.csv"
	SkipsLogFileName        = "mapping_verification_skips.csv"
	RunLogFileName          = "qbo_attach_runlog.csv"
	ErrorsLogFileName       = "qbo_attach_errors.csv"
	DupsLogFileName         = "qbo_attach_dups.csv"
	ReportFileName          = "qbo_attach_report.xlsx"
)

type Config struct {
	DataDir   string `mapstructure:"data_dir" validate:"required"`
	FilesDir  string `mapstructure:"files_dir" validate:"required"`
	LogDir    string `mapstructure:"log_dir" validate:"required"`
	LedgerDSN string `mapstructure:"ledger_dsn"`
	LockDSN   string `mapstructure:"lock_dsn"`

	Inventory InventoryConfig `mapstructure:"inventory"`
	Mapping   MappingConfig   `mapstructure:"mapping"`
	Uploader  UploaderConfig  `mapstructure:"uploader"`
	QBO       QBOConfig       `mapstructure:"qbo"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Log       LogConfig       `mapstructure:"log"`

	// ConfigFile is the YAML file that was read, if any.
	ConfigFile string `mapstructure:"-"`
}

type InventoryConfig struct {
	// Source is a local directory or gs://bucket/prefix. Empty means FilesDir.
	Source     string `mapstructure:"source"`
	StageDir   string `mapstructure:"stage_dir"`
	SampleTree bool   `mapstructure:"sample_tree"`
}

type MappingConfig struct {
	// Path of the export; .json files are validated against the schema.
	Path   string `mapstructure:"path"`
	Sample bool   `mapstructure:"sample"`
}

type UploaderConfig struct {
	Mode     string  `mapstructure:"mode" validate:"oneof=fake http"`
	FailRate float64 `mapstructure:"fail_rate" validate:"gte=0,lte=1"`
	Seed     int64   `mapstructure:"seed"`
}

type QBOConfig struct {
	BaseURL     string        `mapstructure:"base_url" validate:"omitempty,url"`
	RealmID     string        `mapstructure:"realm_id"`
	AccessToken string        `mapstructure:"access_token"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type WatchConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	Jitter   float64       `mapstructure:"jitter" validate:"gte=0,lte=1"`
	Debounce time.Duration `mapstructure:"debounce" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=auto json console pretty"`
	Output string `mapstructure:"output"`
}

type LoadOptions struct {
	// ConfigFile overrides the search for ./attachsync.yaml.
	ConfigFile string
	// EnvFiles are loaded in order; earlier files win because existing
	// variables are never overwritten.
	EnvFiles []string
	// Flags bound by FlagKeys take precedence over everything else once set.
	Flags *pflag.FlagSet
}

// FlagKeys maps command flag names to configuration keys.
var FlagKeys = map[string]string{
	"data-dir":   "data_dir",
	"files-dir":  "files_dir",
	"log-dir":    "log_dir",
	"ledger":     "ledger_dsn",
	"lock":       "lock_dsn",
	"source":     "inventory.source",
	"mapping":    "mapping.path",
	"uploader":   "uploader.mode",
	"fail-rate":  "uploader.fail_rate",
	"seed":       "uploader.seed",
	"log-level":  "log.level",
	"log-format": "log.format",
	"log-output": "log.output",
	"interval":   "watch.interval",
	"jitter":     "watch.jitter",
	"debounce":   "watch.debounce",
}

var defaults = map[string]any{
	"data_dir":              "data",
	"files_dir":             "files",
	"log_dir":               "logs",
	"ledger_dsn":            "",
	"lock_dsn":              "",
	"inventory.source":      "",
	"inventory.stage_dir":   "",
	"inventory.sample_tree": true,
	"mapping.path":          "",
	"mapping.sample":        true,
	"uploader.mode":         "fake",
	"uploader.fail_rate":    0.1,
	"uploader.seed":         int64(0),
	"qbo.base_url":          "",
	"qbo.realm_id":          "",
	"qbo.access_token":      "",
	"qbo.timeout":           20 * time.Second,
	"watch.interval":        time.Minute,
	"watch.jitter":          0.2,
	"watch.debounce":        2 * time.Second,
	"log.level":             "info",
	"log.format":            "auto",
	"log.output":            "stderr",
}

func DefaultEnvFiles() []string {
	return []string{".env.local", ".env"}
}

func Load(opts LoadOptions) (Config, error) {
	var cfg Config
	for _, envFile := range opts.EnvFiles {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range FlagKeys {
			flag := opts.Flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return cfg, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if strings.TrimSpace(opts.ConfigFile) != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName(configBaseName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			problems := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				problems = append(problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Uploader.Mode == "http" {
		if strings.TrimSpace(c.QBO.RealmID) == "" || strings.TrimSpace(c.QBO.AccessToken) == "" {
			return fmt.Errorf("%w: qbo.realm_id and qbo.access_token are required for the http uploader", ErrInvalidConfig)
		}
	}
	return nil
}

func (c Config) InventoryPath() string {
	return filepath.Join(c.DataDir, InventoryFileName)
}

func (c Config) MappingPath() string {
	if p := strings.TrimSpace(c.Mapping.Path); p != "" {
		return p
	}
	return filepath.Join(c.DataDir, MappingFileName)
}

func (c Config) VerificationLogPath() string {
	return filepath.Join(c.LogDir, VerificationLogFileName)
}

func (c Config) SkipsLogPath() string {
	return filepath.Join(c.LogDir, SkipsLogFileName)
}

func (c Config) RunLogPath() string {
	return filepath.Join(c.LogDir, RunLogFileName)
}

func (c Config) ErrorsLogPath() string {
	return filepath.Join(c.LogDir, ErrorsLogFileName)
}

func (c Config) DupsLogPath() string {
	return filepath.Join(c.LogDir, DupsLogFileName)
}

func (c Config) ReportPath() string {
	return filepath.Join(c.LogDir, ReportFileName)
}

// Ledger returns the ledger DSN, defaulting to the run log CSV.
func (c Config) Ledger() string {
	if dsn := strings.TrimSpace(c.LedgerDSN); dsn != "" {
		return dsn
	}
	return c.RunLogPath()
}

// InventorySource returns the configured source or the local files tree.
func (c Config) InventorySource() string {
	if src := strings.TrimSpace(c.Inventory.Source); src != "" {
		return src
	}
	return c.FilesDir
}

func (c Config) StageDir() string {
	if dir := strings.TrimSpace(c.Inventory.StageDir); dir != "" {
		return dir
	}
	return filepath.Join(c.DataDir, "staged")
}
