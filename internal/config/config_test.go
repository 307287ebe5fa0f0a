package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFromReader(t *testing.T) {
	yaml := `
frontier:
  politeness_delay: 2s
  resumable: true
  storage_folder: /tmp/crawl
  max_pages: 500
crawl:
  seeds:
    - url: " https://example.com "
      priority: -2
  max_depth: 4
  user_agent: test-bot/1.0
robots:
  respect: true
  user_agent: test-bot/1.0
  overrides: ["B.example.com", "a.example.com", "b.example.com", ""]
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Frontier.PolitenessDelay.Duration != 2*time.Second {
		t.Fatalf("politeness delay %v, want 2s", cfg.Frontier.PolitenessDelay.Duration)
	}
	if !cfg.Frontier.Resumable {
		t.Fatal("resumable should be true")
	}
	if cfg.Frontier.MaxPages != 500 {
		t.Fatalf("max pages %d, want 500", cfg.Frontier.MaxPages)
	}
	if got := cfg.Crawl.Seeds[0].URL; got != "https://example.com" {
		t.Fatalf("seed url %q not trimmed", got)
	}
	if len(cfg.Robots.Overrides) != 2 {
		t.Fatalf("overrides %v: want deduplicated, lowercased pair", cfg.Robots.Overrides)
	}
	if cfg.Robots.Overrides[0] != "a.example.com" || cfg.Robots.Overrides[1] != "b.example.com" {
		t.Fatalf("overrides %v not sorted/normalised", cfg.Robots.Overrides)
	}

	// Defaults survive a partial file.
	if cfg.Worker.Concurrency != 8 {
		t.Fatalf("concurrency %d, want default 8", cfg.Worker.Concurrency)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	yaml := `
crawl:
  seeds:
    - url: https://example.com
  maximum_depth: 4
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.Crawl.Seeds = []SeedConfig{{URL: "https://example.com"}}
		return cfg
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no seeds", func(c *Config) { c.Crawl.Seeds = nil }},
		{"negative politeness", func(c *Config) { c.Frontier.PolitenessDelay = DurationFrom(-time.Second) }},
		{"empty storage folder", func(c *Config) { c.Frontier.StorageFolder = " " }},
		{"priority out of range", func(c *Config) { c.Crawl.Seeds[0].Priority = 200 }},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }},
		{"empty user agent", func(c *Config) { c.Crawl.UserAgent = "" }},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestDurationYAMLForms(t *testing.T) {
	yaml := `
frontier:
  politeness_delay: 3
crawl:
  seeds:
    - url: https://example.com
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Frontier.PolitenessDelay.Duration != 3*time.Second {
		t.Fatalf("numeric duration parsed as %v, want 3s", cfg.Frontier.PolitenessDelay.Duration)
	}
}
