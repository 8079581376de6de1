package app

import (
	"fmt"
	"strings"
	"time"

	"taskping/internal/config"
	"taskping/internal/services/dispatch"
	"taskping/internal/services/manager"
	"taskping/internal/services/scheduler"
	"taskping/internal/storage"
	logx "taskping/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	grace, err := config.ParseDurationOrDefault("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Workers:        cfg.Scheduler.Workers,
		QueueSize:      cfg.Scheduler.QueueSize,
		MisfireGrace:   grace,
		DefaultTimeout: timeout,
		Timezone:       cfg.Scheduler.Timezone,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	timeout, err := config.ParseDurationOrDefault("push.send_timeout", cfg.Push.SendTimeout, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	if cfg.Push.RatePerSec < 0 {
		return dispatch.Config{}, fmt.Errorf("push.rate_per_sec must be >= 0")
	}
	return dispatch.Config{
		RatePerSec:  cfg.Push.RatePerSec,
		SendTimeout: timeout,
	}, nil
}

func mapRetention(cfg *config.Config) manager.Retention {
	if cfg.Retention == nil {
		return manager.Retention{}
	}
	return manager.Retention{
		JobDays:     cfg.Retention.JobDays,
		HistoryDays: cfg.Retention.HistoryDays,
	}
}

func maintenanceSchedule(cfg *config.Config) (sweepAt string, summaryEnabled bool, summaryAt string) {
	sweepAt = defaultSweepAt
	if cfg.Retention != nil && strings.TrimSpace(cfg.Retention.SweepAt) != "" {
		sweepAt = strings.TrimSpace(cfg.Retention.SweepAt)
	}
	summaryAt = defaultSummaryAt
	if cfg.Summary != nil {
		summaryEnabled = cfg.Summary.Enabled
		if strings.TrimSpace(cfg.Summary.At) != "" {
			summaryAt = strings.TrimSpace(cfg.Summary.At)
		}
	}
	return sweepAt, summaryEnabled, summaryAt
}

// validate gates hot reloads so a bad edit never takes the service down.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if cfg.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if cfg.Scheduler.QueueSize < 0 {
		return fmt.Errorf("scheduler.queue_size must be >= 0")
	}
	if strings.TrimSpace(cfg.Push.CredentialsFile) == "" {
		return fmt.Errorf("push.credentials_file is required")
	}
	if cfg.Retention != nil {
		if cfg.Retention.JobDays < 0 || cfg.Retention.HistoryDays < 0 {
			return fmt.Errorf("retention days must be >= 0")
		}
		if err := validHHMM("retention.sweep_at", cfg.Retention.SweepAt); err != nil {
			return err
		}
	}
	if cfg.Summary != nil {
		if err := validHHMM("summary.at", cfg.Summary.At); err != nil {
			return err
		}
	}
	return nil
}

func validHHMM(path, s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if _, err := time.Parse("15:04", s); err != nil {
		return fmt.Errorf("%s: want HH:MM, got %q", path, s)
	}
	return nil
}
