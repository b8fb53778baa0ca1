package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Harvest.TargetCount != 20 || cfg.Harvest.BatchSize != 10 {
		t.Fatalf("unexpected harvest defaults: %+v", cfg.Harvest)
	}
	if cfg.Session.Driver != DriverBrowser || !cfg.Session.Headless {
		t.Fatalf("unexpected session defaults: %+v", cfg.Session)
	}
	if cfg.Download.Workers != 10 || cfg.Download.MinBytes != 1024 {
		t.Fatalf("unexpected download defaults: %+v", cfg.Download)
	}
	if got := cfg.Download.BackoffMax(); got != 8*time.Second {
		t.Fatalf("expected 8s backoff cap, got %v", got)
	}
	if cfg.DB.Driver != StoreMemory || cfg.DB.Table != "articles" {
		t.Fatalf("unexpected db defaults: %+v", cfg.DB)
	}
	if cfg.MirrorEnabled() || cfg.NotifyEnabled() {
		t.Fatalf("mirror and notifications must be off by default")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
harvest:
  target_count: 5
  resume_only: true
  page_delay_ms: 250
session:
  driver: static
  navigation_timeout_seconds: 12
download:
  dir: /tmp/pdfs
  workers: 3
  rate_per_second: 0.5
db:
  driver: postgres
  dsn: postgres://harvester@localhost/papers
  max_conns: 8
storage:
  gcs_bucket: papers
pubsub:
  project_id: proj
  topic_name: artifacts
server:
  enabled: true
  port: 9090
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Harvest.TargetCount != 5 || !cfg.Harvest.ResumeOnly {
		t.Fatalf("expected harvest overrides: %+v", cfg.Harvest)
	}
	if got := cfg.Harvest.PageDelay(); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms page delay, got %v", got)
	}
	if cfg.Session.Driver != DriverStatic || cfg.Session.NavigationTimeout() != 12*time.Second {
		t.Fatalf("expected session overrides: %+v", cfg.Session)
	}
	if cfg.Download.Dir != "/tmp/pdfs" || cfg.Download.Workers != 3 || cfg.Download.RatePerSecond != 0.5 {
		t.Fatalf("expected download overrides: %+v", cfg.Download)
	}
	if cfg.DB.MaxConns != 8 || cfg.DB.Table != "articles" {
		t.Fatalf("expected db overrides with default table: %+v", cfg.DB)
	}
	if !cfg.MirrorEnabled() || !cfg.NotifyEnabled() {
		t.Fatalf("expected mirror and notifications enabled")
	}
	if !cfg.Server.Enabled || cfg.Server.Port != 9090 || cfg.Logging.Development {
		t.Fatalf("expected server and logging overrides: %+v %+v", cfg.Server, cfg.Logging)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "invalid batch size",
			mutate: func(c *Config) { c.Harvest.BatchSize = 0 },
			want:   "harvest.batch_size",
		},
		{
			name:   "missing listing url",
			mutate: func(c *Config) { c.Harvest.ListingURL = "" },
			want:   "harvest.listing_url",
		},
		{
			name:   "unknown session driver",
			mutate: func(c *Config) { c.Session.Driver = "netscape" },
			want:   "session.driver",
		},
		{
			name:   "invalid workers",
			mutate: func(c *Config) { c.Download.Workers = 0 },
			want:   "download.workers",
		},
		{
			name:   "invalid rate",
			mutate: func(c *Config) { c.Download.RatePerSecond = 0 },
			want:   "download.rate_per_second",
		},
		{
			name: "postgres without dsn",
			mutate: func(c *Config) {
				c.DB.Driver = StorePostgres
				c.DB.DSN = ""
			},
			want: "db.dsn",
		},
		{
			name:   "half pubsub",
			mutate: func(c *Config) { c.PubSub.ProjectID = "proj" },
			want:   "pubsub.project_id",
		},
		{
			name: "server port",
			mutate: func(c *Config) {
				c.Server.Enabled = true
				c.Server.Port = 0
			},
			want: "server.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestResumeOnlyNeedsNoListing(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	cfg.Harvest.ListingURL = ""
	cfg.Harvest.ResumeOnly = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}
