package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to initialise the crawler.
type Config struct {
	Frontier FrontierConfig `yaml:"frontier"`
	Crawl    CrawlConfig    `yaml:"crawl"`
	Worker   WorkerConfig   `yaml:"worker"`
	Robots   RobotsConfig   `yaml:"robots"`
	DB       SQLConfig      `yaml:"db"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// FrontierConfig controls the work-queue engine: politeness, durability, and
// the location of the embedded stores.
type FrontierConfig struct {
	// PolitenessDelay is the minimum gap between successive fetches to the
	// same host.
	PolitenessDelay Duration `yaml:"politeness_delay"`
	// Resumable enables transactional persistence; the crawl picks up its
	// queue after a restart.
	Resumable bool `yaml:"resumable"`
	// StorageFolder is the root directory for the embedded stores.
	StorageFolder string `yaml:"storage_folder"`
	// MaxPages caps the number of URLs ever scheduled. Zero is unlimited.
	MaxPages int64 `yaml:"max_pages"`
}

// CrawlConfig controls seeds, limits, and the fetch client.
type CrawlConfig struct {
	Seeds            []SeedConfig    `yaml:"seeds"`
	MaxDepth         int             `yaml:"max_depth"`
	UserAgent        string          `yaml:"user_agent"`
	RequestTimeout   Duration        `yaml:"request_timeout"`
	MaxBodyBytes     int64           `yaml:"max_body_bytes"`
	RateLimitPerHost RateLimitConfig `yaml:"rate_limit_per_host"`
	FollowExternal   bool            `yaml:"follow_external"`
	MaxLinksPerPage  int             `yaml:"max_links_per_page"`
}

// SeedConfig declares an initial URL with an optional priority override.
type SeedConfig struct {
	URL      string `yaml:"url"`
	Priority int    `yaml:"priority"`
}

// RateLimitConfig applies a token bucket per host on top of the politeness
// delay.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// Enabled reports whether per-host rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}

// WorkerConfig controls crawl concurrency.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
	Overrides []string `yaml:"overrides"`
}

// SQLConfig describes an optional relational sink for fetched pages.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Frontier: FrontierConfig{
			PolitenessDelay: DurationFrom(200 * time.Millisecond),
			Resumable:       false,
			StorageFolder:   "crawl-data",
		},
		Crawl: CrawlConfig{
			MaxDepth:        3,
			UserAgent:       "crawlfrontier-bot/1.0",
			RequestTimeout:  DurationFrom(10 * time.Second),
			MaxBodyBytes:    6 * 1024 * 1024,
			FollowExternal:  true,
			MaxLinksPerPage: 200,
		},
		Worker: WorkerConfig{
			Concurrency: 8,
		},
		Robots: RobotsConfig{
			Respect:   true,
			UserAgent: "crawlfrontier-bot/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		DB: SQLConfig{
			AutoMigrate: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces required invariants for the crawler configuration.
func (c Config) Validate() error {
	if c.Frontier.PolitenessDelay.Duration < 0 {
		return fmt.Errorf("frontier.politeness_delay must be >= 0 (got %v)", c.Frontier.PolitenessDelay.Duration)
	}
	if strings.TrimSpace(c.Frontier.StorageFolder) == "" {
		return errors.New("frontier.storage_folder must be set")
	}
	if c.Frontier.MaxPages < 0 {
		return fmt.Errorf("frontier.max_pages must be >= 0 (got %d)", c.Frontier.MaxPages)
	}
	if len(c.Crawl.Seeds) == 0 {
		return errors.New("at least one crawl seed must be configured")
	}
	for i, seed := range c.Crawl.Seeds {
		if seed.URL == "" {
			return fmt.Errorf("seed %d has empty url", i)
		}
		if seed.Priority < -128 || seed.Priority > 127 {
			return fmt.Errorf("seed %s has priority %d outside [-128, 127]", seed.URL, seed.Priority)
		}
	}
	if c.Crawl.MaxDepth <= 0 {
		return fmt.Errorf("crawl.max_depth must be > 0 (got %d)", c.Crawl.MaxDepth)
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawl.max_body_bytes must be > 0 (got %d)", c.Crawl.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return errors.New("crawl.user_agent must be set")
	}
	if rl := c.Crawl.RateLimitPerHost; rl.Requests < 0 {
		return fmt.Errorf("crawl.rate_limit_per_host.requests must be >= 0 (got %d)", rl.Requests)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0 (got %d)", c.Worker.Concurrency)
	}
	if c.Robots.Respect && strings.TrimSpace(c.Robots.UserAgent) == "" {
		return errors.New("robots.user_agent must be set")
	}
	return nil
}

func (c *Config) normalise() {
	for i := range c.Crawl.Seeds {
		c.Crawl.Seeds[i].URL = strings.TrimSpace(c.Crawl.Seeds[i].URL)
	}
	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.Frontier.StorageFolder = strings.TrimSpace(c.Frontier.StorageFolder)

	// Overrides are de-duplicated and normalised to lower case.
	if len(c.Robots.Overrides) > 0 {
		unique := make(map[string]struct{}, len(c.Robots.Overrides))
		cleaned := make([]string, 0, len(c.Robots.Overrides))
		for _, raw := range c.Robots.Overrides {
			host := strings.ToLower(strings.TrimSpace(raw))
			if host == "" {
				continue
			}
			if _, exists := unique[host]; exists {
				continue
			}
			unique[host] = struct{}{}
			cleaned = append(cleaned, host)
		}
		sort.Strings(cleaned)
		c.Robots.Overrides = cleaned
	}
}
