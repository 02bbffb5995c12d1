package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Services []ServiceConfig `yaml:"services" mapstructure:"services"`
	Cache    CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Fetch    FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Import   ImportConfig    `yaml:"import" mapstructure:"import"`
	Mesh     MeshConfig      `yaml:"mesh" mapstructure:"mesh"`
	Server   ServerConfig    `yaml:"server" mapstructure:"server"`
	Log      LogConfig       `yaml:"log" mapstructure:"log"`
}

// ServiceConfig describes one remote tile service.
type ServiceConfig struct {
	ID          string  `yaml:"id" mapstructure:"id"`
	URLTemplate string  `yaml:"url_template" mapstructure:"url_template"`
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	MinZoom     int     `yaml:"min_zoom" mapstructure:"min_zoom"`
	MaxZoom     int     `yaml:"max_zoom" mapstructure:"max_zoom"`
	TileSize    int     `yaml:"tile_size" mapstructure:"tile_size"`
	Encoding    string  `yaml:"encoding" mapstructure:"encoding"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// CacheConfig configures the in-memory and on-disk tile caches.
type CacheConfig struct {
	MemoryBudgetMB int    `yaml:"memory_budget_mb" mapstructure:"memory_budget_mb"`
	DiskBudgetMB   int    `yaml:"disk_budget_mb" mapstructure:"disk_budget_mb"`
	DiskPath       string `yaml:"disk_path" mapstructure:"disk_path"`
}

// FetchConfig tunes region fetching.
type FetchConfig struct {
	MaxTiles       int `yaml:"max_tiles" mapstructure:"max_tiles"`
	Parallelism    int `yaml:"parallelism" mapstructure:"parallelism"`
	TimeoutSecs    int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RetryAttempts  int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMS int `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
}

// ImportConfig tunes vector imports.
type ImportConfig struct {
	DefaultCRS string `yaml:"default_crs" mapstructure:"default_crs"`
}

// MeshConfig tunes terrain mesh building.
type MeshConfig struct {
	SnapTolerance float64 `yaml:"snap_tolerance" mapstructure:"snap_tolerance"`
	MergeStrategy string  `yaml:"merge_strategy" mapstructure:"merge_strategy"`
	OutsidePolicy string  `yaml:"outside_policy" mapstructure:"outside_policy"`
}

// ServerConfig configures the HTTP tile server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging output.
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
	v.SetEnvPrefix("GEOFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("cache.memory_budget_mb", 256)
	v.SetDefault("cache.disk_budget_mb", 2048)
	v.SetDefault("cache.disk_path", "geoforge-tiles.db")
	v.SetDefault("fetch.max_tiles", 256)
	v.SetDefault("fetch.parallelism", 4)
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.retry_attempts", 3)
	v.SetDefault("fetch.retry_backoff_ms", 250)
	v.SetDefault("mesh.snap_tolerance", 1e-6)
	v.SetDefault("mesh.merge_strategy", "keep_first")
	v.SetDefault("mesh.outside_policy", "clamp")

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

// Validate checks the fields required for the given run mode.
func (cfg *Config) Validate(mode string) error {
	var missing []string

	check := func(ok bool, msg string) {
		if !ok {
			missing = append(missing, msg)
		}
	}

	check(cfg.Fetch.MaxTiles > 0, "fetch.max_tiles must be > 0")
	check(cfg.Fetch.Parallelism >= 1 && cfg.Fetch.Parallelism <= 64,
		"fetch.parallelism must be between 1 and 64")
	check(cfg.Mesh.SnapTolerance > 0, "mesh.snap_tolerance must be > 0")

	switch cfg.Mesh.MergeStrategy {
	case "", "keep_first", "average_z", "max_z":
	default:
		missing = append(missing, "mesh.merge_strategy must be keep_first, average_z or max_z")
	}
	switch cfg.Mesh.OutsidePolicy {
	case "", "zero", "clamp", "error":
	default:
		missing = append(missing, "mesh.outside_policy must be zero, clamp or error")
	}

	switch mode {
	case "fetch":
		check(len(cfg.Services) > 0, "at least one tile service is required")
		for _, svc := range cfg.Services {
			check(svc.ID != "", "services[].id is required")
			check(svc.URLTemplate != "", "services[].url_template is required")
			check(svc.MaxZoom >= svc.MinZoom, "services[].max_zoom must be >= min_zoom")
		}
	case "serve":
		check(cfg.Server.Port > 0, "server.port must be > 0")
	case "import", "mesh", "cache":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(missing) > 0 {
		return eris.Errorf("config: %s", strings.Join(missing, "; "))
	}
	return nil
}
