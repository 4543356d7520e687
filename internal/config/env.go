// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/citp/openwpm-data-release/internal/buildinfo"
	"github.com/robfig/cron/v3"
)

// Migration strategies accepted by OWPM_MIGRATE_STRATEGY.
const (
	MigrateStrategyStream = "stream"
	MigrateStrategyJoin   = "join"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Output
	OutputDir string
	SummaryDB string

	// Migration
	BatchSize        int
	ProgressInterval time.Duration
	MigrateColumns   bool
	MigrateStrategy  string

	// Analysis
	DomainCacheSize int

	// Ranking archive
	RankArchiveBaseURL string
	DownloadTimeout    time.Duration
	UserAgent          string

	// Batch
	BatchConcurrency int
	WatchSchedule    string

	// Sample
	SampleMaxVisits int
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Every invalid value is reported in the returned error, not only the first.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Output ---
	cfg.OutputDir = strings.TrimSpace(envStr("OWPM_OUTPUT_DIR", "/tmp/census-release"))
	cfg.SummaryDB = strings.TrimSpace(envStr("OWPM_SUMMARY_DB", ""))
	if cfg.SummaryDB == "" {
		cfg.SummaryDB = filepath.Join(cfg.OutputDir, "census.db")
	}

	// --- Migration ---
	cfg.BatchSize = envInt("OWPM_BATCH_SIZE", 10000, &errs)
	cfg.ProgressInterval = envDuration("OWPM_PROGRESS_INTERVAL", 10*time.Second, &errs)
	cfg.MigrateColumns = envBool("OWPM_MIGRATE_COLUMNS", false, &errs)
	cfg.MigrateStrategy = strings.ToLower(strings.TrimSpace(envStr("OWPM_MIGRATE_STRATEGY", MigrateStrategyStream)))

	// --- Analysis ---
	cfg.DomainCacheSize = envInt("OWPM_DOMAIN_CACHE_SIZE", 100000, &errs)

	// --- Ranking archive ---
	cfg.RankArchiveBaseURL = strings.TrimSpace(envStr(
		"OWPM_RANK_ARCHIVE_BASE_URL",
		"https://toplists.net.in.tum.de/archive/alexa/",
	))
	cfg.DownloadTimeout = envDuration("OWPM_DOWNLOAD_TIMEOUT", 5*time.Minute, &errs)
	cfg.UserAgent = envStr("OWPM_USER_AGENT", "openwpm-data-release/"+buildinfo.Version)

	// --- Batch ---
	cfg.BatchConcurrency = envInt("OWPM_BATCH_CONCURRENCY", 2, &errs)
	cfg.WatchSchedule = strings.TrimSpace(envStr("OWPM_WATCH_SCHEDULE", ""))

	// --- Sample ---
	cfg.SampleMaxVisits = envInt("OWPM_SAMPLE_MAX_VISITS", 1000, &errs)

	// --- Validation ---
	if cfg.OutputDir == "" {
		errs = append(errs, "OWPM_OUTPUT_DIR must not be empty")
	}
	validatePositive("OWPM_BATCH_SIZE", cfg.BatchSize, &errs)
	if cfg.ProgressInterval <= 0 {
		errs = append(errs, "OWPM_PROGRESS_INTERVAL must be positive")
	}
	if cfg.MigrateStrategy != MigrateStrategyStream && cfg.MigrateStrategy != MigrateStrategyJoin {
		errs = append(errs, fmt.Sprintf(
			"OWPM_MIGRATE_STRATEGY: invalid value %q (allowed: %s, %s)",
			cfg.MigrateStrategy, MigrateStrategyStream, MigrateStrategyJoin,
		))
	}
	validatePositive("OWPM_DOMAIN_CACHE_SIZE", cfg.DomainCacheSize, &errs)
	if u, err := url.Parse(cfg.RankArchiveBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("OWPM_RANK_ARCHIVE_BASE_URL: invalid http(s) URL %q", cfg.RankArchiveBaseURL))
	}
	if cfg.DownloadTimeout <= 0 {
		errs = append(errs, "OWPM_DOWNLOAD_TIMEOUT must be positive")
	}
	validatePositive("OWPM_BATCH_CONCURRENCY", cfg.BatchConcurrency, &errs)
	if cfg.WatchSchedule != "" {
		if _, err := cron.ParseStandard(cfg.WatchSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("OWPM_WATCH_SCHEDULE: invalid cron expression %q: %v", cfg.WatchSchedule, err))
		}
	}
	validatePositive("OWPM_SAMPLE_MAX_VISITS", cfg.SampleMaxVisits, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
