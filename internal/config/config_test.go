package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DSN", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBDriver != "sqlite" {
		t.Errorf("DBDriver = %q, want sqlite", cfg.DBDriver)
	}
	if cfg.MaxCascadeDepth != 3 {
		t.Errorf("MaxCascadeDepth = %d, want 3", cfg.MaxCascadeDepth)
	}
	if cfg.MaxRequestRounds != 2 {
		t.Errorf("MaxRequestRounds = %d, want 2", cfg.MaxRequestRounds)
	}
	if cfg.ExternalWaitWindow != 24*time.Hour {
		t.Errorf("ExternalWaitWindow = %s, want 24h", cfg.ExternalWaitWindow)
	}
	if got := time.Duration(cfg.MaxRecheckAttempts) * cfg.SweepInterval; got < cfg.ExternalWaitWindow {
		t.Errorf("rechecks cover %s, shorter than the %s wait window", got, cfg.ExternalWaitWindow)
	}
	if cfg.ExternalResponsesEnabled() {
		t.Errorf("external response consumer enabled without EXTERNAL_RESPONSE_TOPIC")
	}
}

func TestRecheckAttemptsCoverWaitWindow(t *testing.T) {
	t.Run("derived from interval", func(t *testing.T) {
		t.Setenv("SWEEP_INTERVAL_SEC", "300")
		t.Setenv("EXTERNAL_WAIT_WINDOW_MIN", "60")
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.MaxRecheckAttempts != 12 {
			t.Errorf("MaxRecheckAttempts = %d, want 12", cfg.MaxRecheckAttempts)
		}
	})
	t.Run("explicit and sufficient", func(t *testing.T) {
		t.Setenv("MAX_RECHECK_ATTEMPTS", "12")
		t.Setenv("EXTERNAL_WAIT_WINDOW_MIN", "10")
		if _, err := Load(); err != nil {
			t.Fatalf("Load: %v", err)
		}
	})
	t.Run("explicit and too small", func(t *testing.T) {
		t.Setenv("MAX_RECHECK_ATTEMPTS", "12")
		if _, err := Load(); err == nil {
			t.Fatalf("12 rechecks at 1m against a 24h window: expected error")
		}
	})
}

func TestExternalResponsesEnabled(t *testing.T) {
	t.Setenv("NOTIFY_SINK", "log")
	t.Setenv("EXTERNAL_RESPONSE_TOPIC", "wms-external-responses")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.ExternalResponsesEnabled() {
		t.Fatalf("consumer should run with a topic even when notifications go to the log")
	}
}

func TestLoadOverridesAndValidation(t *testing.T) {
	t.Setenv("WORKERS", "8")
	t.Setenv("SWEEP_INTERVAL_SEC", "15")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://ops.company.com")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Workers)
	}
	if cfg.SweepInterval != 15*time.Second {
		t.Errorf("SweepInterval = %s, want 15s", cfg.SweepInterval)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if len(cfg.CORSAllowedOrigins) != 1 {
		t.Errorf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}

	cases := map[string]string{
		"WORKERS":                 "0",
		"MAX_CASCADE_DEPTH":       "abc",
		"MIN_CLASSIFY_CONFIDENCE": "1.5",
		"DB_DRIVER":               "postgres",
		"QUEUE_BACKEND":           "nats",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load with %s=%s: expected error", key, value)
			}
		})
	}
}
