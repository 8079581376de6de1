package app

import (
	"testing"
	"time"

	"taskping/internal/config"
)

func validConfig() *config.Config {
	return &config.Config{
		Logging: config.LoggingConfig{Level: "info", Console: true},
		Storage: config.StorageConfig{Driver: "sqlite", Path: "/tmp/t.db"},
		Push:    config.PushConfig{CredentialsFile: "/etc/fcm.json", RatePerSec: 10},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{"defaults", func(*config.Config) {}, false},
		{"missing credentials", func(c *config.Config) { c.Push.CredentialsFile = "" }, true},
		{"negative rate", func(c *config.Config) { c.Push.RatePerSec = -1 }, true},
		{"bad duration", func(c *config.Config) { c.Scheduler.MisfireGrace = "soon" }, true},
		{"bad timezone", func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }, true},
		{"negative workers", func(c *config.Config) { c.Scheduler.Workers = -1 }, true},
		{"bad sweep time", func(c *config.Config) {
			c.Retention = &config.RetentionConfig{SweepAt: "25:99"}
		}, true},
		{"good sweep time", func(c *config.Config) {
			c.Retention = &config.RetentionConfig{SweepAt: "04:15", JobDays: 14}
		}, false},
		{"bad summary time", func(c *config.Config) {
			c.Summary = &config.SummaryConfig{Enabled: true, At: "8am"}
		}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			err := validate(cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("validate() err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestMapSchedulerConfigDefaults(t *testing.T) {
	t.Parallel()
	got, err := mapSchedulerConfig(validConfig())
	if err != nil {
		t.Fatalf("mapSchedulerConfig: %v", err)
	}
	if got.DefaultTimeout != 30*time.Second {
		t.Fatalf("DefaultTimeout = %v, want 30s", got.DefaultTimeout)
	}
	if got.MisfireGrace != 0 {
		t.Fatalf("MisfireGrace = %v, want 0 (service default applies)", got.MisfireGrace)
	}
}

func TestMaintenanceSchedule(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	sweep, enabled, at := maintenanceSchedule(cfg)
	if sweep != "03:30" || enabled || at != "08:00" {
		t.Fatalf("defaults = %q/%v/%q", sweep, enabled, at)
	}

	cfg.Retention = &config.RetentionConfig{SweepAt: "02:00"}
	cfg.Summary = &config.SummaryConfig{Enabled: true, At: "07:30"}
	sweep, enabled, at = maintenanceSchedule(cfg)
	if sweep != "02:00" || !enabled || at != "07:30" {
		t.Fatalf("configured = %q/%v/%q", sweep, enabled, at)
	}
}
