package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"APP_PORT", "DB_DSN", "REDIS_ADDR", "JWT_SECRET", "APP_ENV", "SEND_RATE_PER_SEC", "SEND_BURST"} {
		os.Unsetenv(k)
	}

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("Load() Port = %v, want 8080", cfg.Port)
	}
	if cfg.Env != "dev" {
		t.Errorf("Load() Env = %v, want dev", cfg.Env)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("Load() RedisAddr = %v, want localhost:6379", cfg.RedisAddr)
	}
	if cfg.SendRatePerSec != 5 {
		t.Errorf("Load() SendRatePerSec = %v, want 5", cfg.SendRatePerSec)
	}
	if cfg.SendBurst != 10 {
		t.Errorf("Load() SendBurst = %v, want 10", cfg.SendBurst)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	os.Setenv("APP_PORT", "9090")
	os.Setenv("APP_ENV", "prod")
	os.Setenv("SEND_RATE_PER_SEC", "2.5")
	os.Setenv("SEND_BURST", "4")
	defer func() {
		os.Unsetenv("APP_PORT")
		os.Unsetenv("APP_ENV")
		os.Unsetenv("SEND_RATE_PER_SEC")
		os.Unsetenv("SEND_BURST")
	}()

	cfg := Load()

	if cfg.Port != "9090" {
		t.Errorf("Load() Port = %v, want 9090", cfg.Port)
	}
	if cfg.Env != "prod" {
		t.Errorf("Load() Env = %v, want prod", cfg.Env)
	}
	if cfg.SendRatePerSec != 2.5 {
		t.Errorf("Load() SendRatePerSec = %v, want 2.5", cfg.SendRatePerSec)
	}
	if cfg.SendBurst != 4 {
		t.Errorf("Load() SendBurst = %v, want 4", cfg.SendBurst)
	}
}

func TestLoad_InvalidRateFallsBack(t *testing.T) {
	os.Setenv("SEND_RATE_PER_SEC", "not-a-number")
	os.Setenv("SEND_BURST", "-3")
	defer func() {
		os.Unsetenv("SEND_RATE_PER_SEC")
		os.Unsetenv("SEND_BURST")
	}()

	cfg := Load()

	if cfg.SendRatePerSec != 5 {
		t.Errorf("Load() SendRatePerSec = %v, want fallback 5", cfg.SendRatePerSec)
	}
	if cfg.SendBurst != 10 {
		t.Errorf("Load() SendBurst = %v, want fallback 10", cfg.SendBurst)
	}
}
