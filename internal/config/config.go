package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all MailLogSentinel configuration.
type Config struct {
	Source   SourceConfig   `toml:"source"`
	State    StateConfig    `toml:"state"`
	Sink     SinkConfig     `toml:"sink"`
	DNSCache DNSCacheConfig `toml:"dns_cache"`
	Geo      GeoConfig      `toml:"geo"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Report   ReportConfig   `toml:"report"`
	Logging  LoggingConfig  `toml:"logging"`
	Watch    WatchConfig    `toml:"watch"`
}

type SourceConfig struct {
	// Path is the current mail log file; rotated predecessors are
	// discovered next to it (path.1, path.2.gz, ...).
	Path string `toml:"path"`
	// ID names the logical source in the offset store. Defaults to the
	// file's base name.
	ID string `toml:"id"`
}

type StateConfig struct {
	Dir string `toml:"dir"`
}

type SinkConfig struct {
	Path string `toml:"path"`
}

type DNSCacheConfig struct {
	Enabled        bool `toml:"enabled"`
	Size           int  `toml:"size"`
	TTLSeconds     int  `toml:"ttl_seconds"`
	TimeoutSeconds int  `toml:"lookup_timeout_seconds"`
}

type GeoConfig struct {
	// Range-keyed numeric CSV datasets (start,end,country / start,end,asn,aso).
	CountryCSV string `toml:"country_csv_path"`
	ASNCSV     string `toml:"asn_csv_path"`
	// Optional MaxMind databases, used when the CSV datasets are not configured.
	CountryMMDB string `toml:"country_mmdb_path"`
	ASNMMDB     string `toml:"asn_mmdb_path"`
}

type PipelineConfig struct {
	// EnrichWorkers bounds concurrent DNS/geo enrichment within one run.
	EnrichWorkers int `toml:"enrich_workers"`
}

type ReportConfig struct {
	TopN int `toml:"top_n"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// File enables rotating file logging when set; empty logs to stderr.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

type WatchConfig struct {
	IntervalSeconds  int    `toml:"interval_seconds"`
	ManagementListen string `toml:"management_listen_address"`
}

// Load reads config from path (TOML) and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if _, err := toml.Decode(string(data), &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.setDefaults()
	c.applyEnv()
	return &c, c.validate()
}

// Default returns a config with all defaults applied and no file read.
func Default() *Config {
	var c Config
	c.setDefaults()
	return &c
}

func (c *Config) setDefaults() {
	if c.Source.Path == "" {
		c.Source.Path = "/var/log/mail.log"
	}
	if c.State.Dir == "" {
		c.State.Dir = "/var/lib/maillogsentinel"
	}
	if c.Sink.Path == "" {
		c.Sink.Path = filepath.Join(c.State.Dir, "maillogsentinel.csv")
	}
	if c.DNSCache.Size == 0 {
		c.DNSCache.Size = 128
	}
	if c.DNSCache.TTLSeconds == 0 {
		c.DNSCache.TTLSeconds = 3600
	}
	if c.DNSCache.TimeoutSeconds == 0 {
		c.DNSCache.TimeoutSeconds = 5
	}
	if c.Pipeline.EnrichWorkers == 0 {
		c.Pipeline.EnrichWorkers = 8
	}
	if c.Report.TopN == 0 {
		c.Report.TopN = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Watch.IntervalSeconds == 0 {
		c.Watch.IntervalSeconds = 300
	}
}

// applyEnv lets deployment tooling override paths without editing the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("MAILLOGSENTINEL_SOURCE_PATH"); v != "" {
		c.Source.Path = v
	}
	if v := os.Getenv("MAILLOGSENTINEL_STATE_DIR"); v != "" {
		c.State.Dir = v
	}
	if v := os.Getenv("MAILLOGSENTINEL_SINK_PATH"); v != "" {
		c.Sink.Path = v
	}
}

func (c *Config) validate() error {
	if c.Source.Path == "" {
		return fmt.Errorf("source: path required")
	}
	if c.State.Dir == "" {
		return fmt.Errorf("state: dir required")
	}
	if c.DNSCache.Enabled && c.DNSCache.Size <= 0 {
		return fmt.Errorf("dns_cache: size must be positive when enabled")
	}
	if c.DNSCache.TTLSeconds < 0 {
		return fmt.Errorf("dns_cache: ttl_seconds must not be negative")
	}
	if c.Pipeline.EnrichWorkers <= 0 {
		return fmt.Errorf("pipeline: enrich_workers must be positive")
	}
	if c.Report.TopN <= 0 {
		return fmt.Errorf("report: top_n must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging: unknown format %q", c.Logging.Format)
	}
	return nil
}

// SourceID returns the configured source id, or one derived from the path.
func (c *Config) SourceID() string {
	if c.Source.ID != "" {
		return c.Source.ID
	}
	return filepath.Base(c.Source.Path)
}

// DNSCacheTTL returns the cache TTL as a duration.
func (c *Config) DNSCacheTTL() time.Duration {
	return time.Duration(c.DNSCache.TTLSeconds) * time.Second
}

// DNSLookupTimeout returns the per-lookup resolver timeout.
func (c *Config) DNSLookupTimeout() time.Duration {
	return time.Duration(c.DNSCache.TimeoutSeconds) * time.Second
}

// WatchInterval returns the delay between watch-mode runs.
func (c *Config) WatchInterval() time.Duration {
	return time.Duration(c.Watch.IntervalSeconds) * time.Second
}
