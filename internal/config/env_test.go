package config

import (
	"strings"
	"testing"
	"time"
)

func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// clearEnvs pins every OWPM_* variable to empty so the host environment cannot
// leak into a test.
func clearEnvs(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OWPM_OUTPUT_DIR", "OWPM_SUMMARY_DB", "OWPM_BATCH_SIZE", "OWPM_PROGRESS_INTERVAL",
		"OWPM_MIGRATE_COLUMNS", "OWPM_MIGRATE_STRATEGY", "OWPM_DOMAIN_CACHE_SIZE",
		"OWPM_RANK_ARCHIVE_BASE_URL", "OWPM_DOWNLOAD_TIMEOUT", "OWPM_USER_AGENT",
		"OWPM_BATCH_CONCURRENCY", "OWPM_WATCH_SCHEDULE", "OWPM_SAMPLE_MAX_VISITS",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadEnvConfig_Defaults(t *testing.T) {
	clearEnvs(t)
	// Empty string is a real value for envStr-backed settings; restore defaults.
	setEnvs(t, map[string]string{
		"OWPM_OUTPUT_DIR":            "/tmp/census-release",
		"OWPM_RANK_ARCHIVE_BASE_URL": "https://toplists.net.in.tum.de/archive/alexa/",
		"OWPM_MIGRATE_STRATEGY":      "stream",
		"OWPM_USER_AGENT":            "openwpm-data-release/dev",
	})

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "OutputDir", cfg.OutputDir, "/tmp/census-release")
	assertEqual(t, "SummaryDB", cfg.SummaryDB, "/tmp/census-release/census.db")
	assertEqual(t, "BatchSize", cfg.BatchSize, 10000)
	assertEqual(t, "ProgressInterval", cfg.ProgressInterval, 10*time.Second)
	assertEqual(t, "MigrateColumns", cfg.MigrateColumns, false)
	assertEqual(t, "MigrateStrategy", cfg.MigrateStrategy, MigrateStrategyStream)
	assertEqual(t, "DomainCacheSize", cfg.DomainCacheSize, 100000)
	assertEqual(t, "DownloadTimeout", cfg.DownloadTimeout, 5*time.Minute)
	assertEqual(t, "BatchConcurrency", cfg.BatchConcurrency, 2)
	assertEqual(t, "WatchSchedule", cfg.WatchSchedule, "")
	assertEqual(t, "SampleMaxVisits", cfg.SampleMaxVisits, 1000)
}

func TestLoadEnvConfig_EnvOverrides(t *testing.T) {
	clearEnvs(t)
	setEnvs(t, map[string]string{
		"OWPM_OUTPUT_DIR":            "/data/release",
		"OWPM_SUMMARY_DB":            "/data/summary.db",
		"OWPM_BATCH_SIZE":            "500",
		"OWPM_PROGRESS_INTERVAL":     "1m",
		"OWPM_MIGRATE_COLUMNS":       "true",
		"OWPM_MIGRATE_STRATEGY":      "JOIN",
		"OWPM_DOMAIN_CACHE_SIZE":     "42",
		"OWPM_RANK_ARCHIVE_BASE_URL": "http://mirror.local/alexa/",
		"OWPM_DOWNLOAD_TIMEOUT":      "30s",
		"OWPM_USER_AGENT":            "test-agent",
		"OWPM_BATCH_CONCURRENCY":     "8",
		"OWPM_WATCH_SCHEDULE":        "0 3 * * *",
		"OWPM_SAMPLE_MAX_VISITS":     "50",
	})

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "OutputDir", cfg.OutputDir, "/data/release")
	assertEqual(t, "SummaryDB", cfg.SummaryDB, "/data/summary.db")
	assertEqual(t, "BatchSize", cfg.BatchSize, 500)
	assertEqual(t, "ProgressInterval", cfg.ProgressInterval, time.Minute)
	assertEqual(t, "MigrateColumns", cfg.MigrateColumns, true)
	assertEqual(t, "MigrateStrategy", cfg.MigrateStrategy, MigrateStrategyJoin)
	assertEqual(t, "DomainCacheSize", cfg.DomainCacheSize, 42)
	assertEqual(t, "RankArchiveBaseURL", cfg.RankArchiveBaseURL, "http://mirror.local/alexa/")
	assertEqual(t, "DownloadTimeout", cfg.DownloadTimeout, 30*time.Second)
	assertEqual(t, "UserAgent", cfg.UserAgent, "test-agent")
	assertEqual(t, "BatchConcurrency", cfg.BatchConcurrency, 8)
	assertEqual(t, "WatchSchedule", cfg.WatchSchedule, "0 3 * * *")
	assertEqual(t, "SampleMaxVisits", cfg.SampleMaxVisits, 50)
}

func TestLoadEnvConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		envs    map[string]string
		wantErr string
	}{
		{"batch size not a number", map[string]string{"OWPM_BATCH_SIZE": "lots"}, "OWPM_BATCH_SIZE"},
		{"batch size zero", map[string]string{"OWPM_BATCH_SIZE": "0"}, "OWPM_BATCH_SIZE"},
		{"progress interval bad", map[string]string{"OWPM_PROGRESS_INTERVAL": "soon"}, "OWPM_PROGRESS_INTERVAL"},
		{"progress interval negative", map[string]string{"OWPM_PROGRESS_INTERVAL": "-1s"}, "OWPM_PROGRESS_INTERVAL"},
		{"migrate columns bad", map[string]string{"OWPM_MIGRATE_COLUMNS": "maybe"}, "OWPM_MIGRATE_COLUMNS"},
		{"strategy unknown", map[string]string{"OWPM_MIGRATE_STRATEGY": "parallel"}, "OWPM_MIGRATE_STRATEGY"},
		{"cache size negative", map[string]string{"OWPM_DOMAIN_CACHE_SIZE": "-5"}, "OWPM_DOMAIN_CACHE_SIZE"},
		{"archive url no scheme", map[string]string{"OWPM_RANK_ARCHIVE_BASE_URL": "mirror.local/alexa"}, "OWPM_RANK_ARCHIVE_BASE_URL"},
		{"download timeout zero", map[string]string{"OWPM_DOWNLOAD_TIMEOUT": "0s"}, "OWPM_DOWNLOAD_TIMEOUT"},
		{"concurrency zero", map[string]string{"OWPM_BATCH_CONCURRENCY": "0"}, "OWPM_BATCH_CONCURRENCY"},
		{"bad cron", map[string]string{"OWPM_WATCH_SCHEDULE": "every day"}, "OWPM_WATCH_SCHEDULE"},
		{"sample visits zero", map[string]string{"OWPM_SAMPLE_MAX_VISITS": "0"}, "OWPM_SAMPLE_MAX_VISITS"},
		{"empty output dir", map[string]string{"OWPM_OUTPUT_DIR": "  "}, "OWPM_OUTPUT_DIR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvs(t)
			setEnvs(t, map[string]string{
				"OWPM_OUTPUT_DIR":            "/tmp/out",
				"OWPM_RANK_ARCHIVE_BASE_URL": "https://example.com/",
				"OWPM_MIGRATE_STRATEGY":      "stream",
			})
			setEnvs(t, tt.envs)

			_, err := LoadEnvConfig()
			if err == nil {
				t.Fatal("expected error")
			}
			assertContains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadEnvConfig_ReportsAllErrors(t *testing.T) {
	clearEnvs(t)
	setEnvs(t, map[string]string{
		"OWPM_OUTPUT_DIR":            "/tmp/out",
		"OWPM_RANK_ARCHIVE_BASE_URL": "https://example.com/",
		"OWPM_MIGRATE_STRATEGY":      "stream",
		"OWPM_BATCH_SIZE":            "-1",
		"OWPM_SAMPLE_MAX_VISITS":     "x",
	})

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	assertContains(t, err.Error(), "OWPM_BATCH_SIZE")
	assertContains(t, err.Error(), "OWPM_SAMPLE_MAX_VISITS")
}

func assertEqual[T comparable](t *testing.T, name string, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", name, got, want)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
