// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PLUGINCRAWLER_RUN_CONTINUOUS.
const EnvPrefix = "PLUGINCRAWLER"

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	GitHub  GitHubConfig  `mapstructure:"github"`
	Search  SearchConfig  `mapstructure:"search"`
	Extract ExtractConfig `mapstructure:"extract"`
	Paths   PathsConfig   `mapstructure:"paths"`
	Authors AuthorsConfig `mapstructure:"authors"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Run     RunConfig     `mapstructure:"run"`
	Publish PublishConfig `mapstructure:"publish"`
	DB      DBConfig      `mapstructure:"db"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// GitHubConfig controls the code host client and its request budgets.
type GitHubConfig struct {
	Token         string        `mapstructure:"token"`
	APIURL        string        `mapstructure:"api_url"`
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetryAfter time.Duration `mapstructure:"max_retry_after"`
	SearchRPS     float64       `mapstructure:"search_rps"`
	SearchBurst   int           `mapstructure:"search_burst"`
	CoreRPS       float64       `mapstructure:"core_rps"`
	CoreBurst     int           `mapstructure:"core_burst"`
	BlobCacheSize int           `mapstructure:"blob_cache_size"`
}

// SearchConfig describes the marker query and the shard domain.
type SearchConfig struct {
	Query     string `mapstructure:"query"`
	Language  string `mapstructure:"language"`
	Extension string `mapstructure:"extension"`
	MaxSize   int64  `mapstructure:"max_size"`
	BaseWidth int64  `mapstructure:"base_width"`
	PerPage   int    `mapstructure:"per_page"`
}

// ExtractConfig lists the framework base types a plugin class derives from.
type ExtractConfig struct {
	BaseTypes []string `mapstructure:"base_types"`
}

// PathsConfig locates the on-disk artifacts.
type PathsConfig struct {
	State       string `mapstructure:"state"`
	AuthorState string `mapstructure:"author_state"`
	Index       string `mapstructure:"index"`
	ScratchDir  string `mapstructure:"scratch_dir"`
}

// AuthorsConfig tunes the author expansion pass.
type AuthorsConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Freshness        time.Duration `mapstructure:"freshness"`
	MaxRepositories  int           `mapstructure:"max_repositories"`
	MaxRepoSizeKB    int64         `mapstructure:"max_repo_size_kb"`
	CloneTimeout     time.Duration `mapstructure:"clone_timeout"`
	CloneRPS         float64       `mapstructure:"clone_rps"`
	Extensions       []string      `mapstructure:"extensions"`
	Marker           string        `mapstructure:"marker"`
	SkipForks        bool          `mapstructure:"skip_forks"`
	IndexDiscoveries bool          `mapstructure:"index_discoveries"`
	GitBinary        string        `mapstructure:"git_binary"`
}

// RetryConfig bounds backoff on retryable host failures.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// RunConfig selects the execution mode and cycle scheduling.
type RunConfig struct {
	Continuous     bool          `mapstructure:"continuous"`
	CycleDelay     time.Duration `mapstructure:"cycle_delay"`
	ErrorDelay     time.Duration `mapstructure:"error_delay"`
	RescanInterval time.Duration `mapstructure:"rescan_interval"`
	RepoCacheTTL   time.Duration `mapstructure:"repo_cache_ttl"`
}

// PublishConfig controls where the artifact is uploaded and announced.
type PublishConfig struct {
	LocalDir      string        `mapstructure:"local_dir"`
	GCSBucket     string        `mapstructure:"gcs_bucket"`
	GCSPrefix     string        `mapstructure:"gcs_prefix"`
	Object        string        `mapstructure:"object"`
	CacheMaxAge   time.Duration `mapstructure:"cache_max_age"`
	PubSubProject string        `mapstructure:"pubsub_project"`
	PubSubTopic   string        `mapstructure:"pubsub_topic"`
}

// Enabled reports whether any publishing target is configured.
func (p PublishConfig) Enabled() bool {
	return p.LocalDir != "" || p.GCSBucket != ""
}

// DBConfig controls the optional Postgres run ledger.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// MetricsConfig controls the health and metrics listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// flagKeys maps CLI flags onto configuration keys.
var flagKeys = map[string]string{
	"continuous":  "run.continuous",
	"cycle-delay": "run.cycle_delay",
	"query":       "search.query",
	"dev-log":     "logging.development",
}

// Load builds a Config from .env, the optional config file, the environment,
// and flags, in increasing precedence.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("github.token", EnvPrefix+"_GITHUB_TOKEN", "GITHUB_TOKEN"); err != nil {
		return Config{}, fmt.Errorf("bind token env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("github.api_url", "https://api.github.com")
	v.SetDefault("github.user_agent", "plugin-crawler/1.0")
	v.SetDefault("github.timeout", "30s")
	v.SetDefault("github.max_retry_after", "15m")
	v.SetDefault("github.search_rps", 0.15)
	v.SetDefault("github.search_burst", 1)
	v.SetDefault("github.core_rps", 1.2)
	v.SetDefault("github.core_burst", 5)
	v.SetDefault("github.blob_cache_size", 2048)
	v.SetDefault("search.query", `"namespace Oxide.Plugins"`)
	v.SetDefault("search.language", "C#")
	v.SetDefault("search.extension", "cs")
	v.SetDefault("search.max_size", 384*1024)
	v.SetDefault("search.base_width", 8*1024)
	v.SetDefault("search.per_page", 100)
	v.SetDefault("extract.base_types", []string{"RustPlugin", "CovalencePlugin"})
	v.SetDefault("paths.state", "data/crawl_state.json")
	v.SetDefault("paths.author_state", "data/author_state.json")
	v.SetDefault("paths.index", "data/plugins.json")
	v.SetDefault("paths.scratch_dir", "")
	v.SetDefault("authors.enabled", true)
	v.SetDefault("authors.freshness", "168h")
	v.SetDefault("authors.max_repositories", 100)
	v.SetDefault("authors.max_repo_size_kb", 512*1024)
	v.SetDefault("authors.clone_timeout", "2m")
	v.SetDefault("authors.clone_rps", 0.5)
	v.SetDefault("authors.extensions", []string{".cs"})
	v.SetDefault("authors.marker", "namespace Oxide.Plugins")
	v.SetDefault("authors.skip_forks", true)
	v.SetDefault("authors.index_discoveries", true)
	v.SetDefault("authors.git_binary", "git")
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", "2s")
	v.SetDefault("retry.max_delay", "1m")
	v.SetDefault("run.continuous", false)
	v.SetDefault("run.cycle_delay", "1h")
	v.SetDefault("run.error_delay", "5m")
	v.SetDefault("run.rescan_interval", "24h")
	v.SetDefault("run.repo_cache_ttl", "24h")
	v.SetDefault("publish.object", "plugins.json")
	v.SetDefault("publish.cache_max_age", "5m")
	v.SetDefault("db.table", "crawl_runs")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits. The token is
// checked separately by ValidateCrawl so offline commands work without one.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Search.Query) == "" {
		return fmt.Errorf("search.query must be set")
	}
	if c.Search.MaxSize <= 0 {
		return fmt.Errorf("search.max_size must be > 0")
	}
	if c.Search.BaseWidth <= 0 {
		return fmt.Errorf("search.base_width must be > 0")
	}
	if c.Search.PerPage <= 0 || c.Search.PerPage > 100 {
		return fmt.Errorf("search.per_page must be between 1 and 100")
	}
	if c.Paths.State == "" || c.Paths.AuthorState == "" || c.Paths.Index == "" {
		return fmt.Errorf("paths.state, paths.author_state, and paths.index must be set")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Authors.Enabled {
		if c.Authors.MaxRepositories <= 0 {
			return fmt.Errorf("authors.max_repositories must be > 0")
		}
		if c.Authors.CloneTimeout <= 0 {
			return fmt.Errorf("authors.clone_timeout must be > 0")
		}
		if strings.TrimSpace(c.Authors.Marker) == "" {
			return fmt.Errorf("authors.marker must be set when authors are enabled")
		}
	}
	if c.Run.Continuous && c.Run.CycleDelay <= 0 {
		return fmt.Errorf("run.cycle_delay must be > 0 in continuous mode")
	}
	if c.Publish.LocalDir != "" && c.Publish.GCSBucket != "" {
		return fmt.Errorf("publish.local_dir and publish.gcs_bucket are mutually exclusive")
	}
	if c.Publish.PubSubTopic != "" && c.Publish.PubSubProject == "" {
		return fmt.Errorf("publish.pubsub_project must be set when publish.pubsub_topic is")
	}
	return nil
}

// ValidateCrawl adds the checks only a crawl needs.
func (c Config) ValidateCrawl() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.GitHub.Token) == "" {
		return fmt.Errorf("github.token must be set (or GITHUB_TOKEN)")
	}
	return nil
}
