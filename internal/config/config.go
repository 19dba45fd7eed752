package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Places PlacesConfig `yaml:"places" mapstructure:"places"`
	Input  InputConfig  `yaml:"input" mapstructure:"input"`
	Output OutputConfig `yaml:"output" mapstructure:"output"`
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// PlacesConfig holds Google Places API settings.
type PlacesConfig struct {
	Key           string        `yaml:"key" mapstructure:"key"`
	BaseURL       string        `yaml:"base_url" mapstructure:"base_url"`
	QueryTemplate string        `yaml:"query_template" mapstructure:"query_template"`
	PageDelay     time.Duration `yaml:"page_delay" mapstructure:"page_delay"`
	RateLimit     float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
	MaxPages      int           `yaml:"max_pages" mapstructure:"max_pages"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// InputConfig locates the postal codes in the input spreadsheet.
type InputConfig struct {
	Path   string `yaml:"path" mapstructure:"path"`
	Sheet  string `yaml:"sheet" mapstructure:"sheet"`
	Column string `yaml:"column" mapstructure:"column"`
}

// OutputConfig configures the output spreadsheet.
type OutputConfig struct {
	Path  string `yaml:"path" mapstructure:"path"`
	Sheet string `yaml:"sheet" mapstructure:"sheet"`
}

// StoreConfig configures the optional run checkpoint store.
// An empty driver disables checkpointing.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PINCODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("places.key", "")
	v.SetDefault("places.base_url", "https://maps.googleapis.com/maps/api/place")
	v.SetDefault("places.query_template", "Engineering Colleges in %s")
	v.SetDefault("places.page_delay", "2s")
	v.SetDefault("places.rate_limit", 10)
	v.SetDefault("places.max_pages", 0)
	v.SetDefault("places.timeout", "10s")
	v.SetDefault("input.path", "")
	v.SetDefault("input.sheet", "")
	v.SetDefault("input.column", "Pincode")
	v.SetDefault("output.path", "output.xlsx")
	v.SetDefault("output.sheet", "Sheet1")
	v.SetDefault("store.driver", "")
	v.SetDefault("store.database_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

// Validate checks the fields required by the given command mode
// ("fetch" or "runs") and reports every problem at once.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be one of sqlite, postgres (got "+c.Store.Driver+")")
	}

	switch mode {
	case "fetch":
		if c.Places.Key == "" {
			errs = append(errs, "places.key is required (PINCODE_PLACES_KEY)")
		}
		if strings.Count(c.Places.QueryTemplate, "%s") != 1 {
			errs = append(errs, "places.query_template must contain exactly one %s")
		}
		if c.Places.PageDelay < 0 {
			errs = append(errs, "places.page_delay must not be negative")
		}
		if c.Places.RateLimit < 0 {
			errs = append(errs, "places.rate_limit must not be negative")
		}
		if c.Places.MaxPages < 0 {
			errs = append(errs, "places.max_pages must not be negative")
		}
		if c.Input.Column == "" {
			errs = append(errs, "input.column is required")
		}
	case "runs":
		if c.Store.Driver == "" {
			errs = append(errs, "store.driver is required to inspect runs (PINCODE_STORE_DRIVER)")
		}
	default:
		errs = append(errs, "unknown validation mode "+mode)
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}
