package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != DefaultAddr {
		t.Fatalf("unexpected addr %q", cfg.Addr)
	}
	if cfg.StorageDriver != "json" || cfg.DataPath != DefaultDataPath {
		t.Fatalf("unexpected storage defaults %q %q", cfg.StorageDriver, cfg.DataPath)
	}
	if cfg.JWTTTL != DefaultJWTTTL {
		t.Fatalf("unexpected jwt ttl %s", cfg.JWTTTL)
	}
	if cfg.LookupWindow != DefaultLookupWindow {
		t.Fatalf("unexpected lookup window %s", cfg.LookupWindow)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LIVESIGHT_ADDR", ":9090")
	t.Setenv("LIVESIGHT_POSTGRES_DSN", "postgres://localhost/livesight")
	t.Setenv("LIVESIGHT_RATE_LOOKUP_LIMIT", "30")
	t.Setenv("LIVESIGHT_HEARTBEAT_INTERVAL", "2s")
	t.Setenv("TWITCH_CLIENT_ID", "client")
	t.Setenv("JWT_KEY", "secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("unexpected addr %q", cfg.Addr)
	}
	if cfg.StorageDriver != "postgres" {
		t.Fatalf("DSN should select the postgres driver, got %q", cfg.StorageDriver)
	}
	if cfg.LookupLimit != 30 {
		t.Fatalf("unexpected lookup limit %d", cfg.LookupLimit)
	}
	if cfg.HeartbeatInterval != 2*time.Second {
		t.Fatalf("unexpected heartbeat interval %s", cfg.HeartbeatInterval)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.env")
	contents := "LIVESIGHT_ADDR=:7070\nTWITCH_TOKEN=file-token\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	// Real environment variables win over file values.
	t.Setenv("TWITCH_TOKEN", "env-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":7070" {
		t.Fatalf("unexpected addr %q", cfg.Addr)
	}
	if cfg.TwitchToken != "env-token" {
		t.Fatalf("unexpected twitch token %q", cfg.TwitchToken)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Fatal("expected error for missing env file")
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "postgres without dsn", env: map[string]string{"LIVESIGHT_STORAGE_DRIVER": "postgres"}},
		{name: "unknown driver", env: map[string]string{"LIVESIGHT_STORAGE_DRIVER": "sqlite"}},
		{name: "tls cert without key", env: map[string]string{"LIVESIGHT_TLS_CERT": "cert.pem"}},
		{name: "twitch login without jwt key", env: map[string]string{"TWITCH_CLIENT_ID": "client"}},
		{name: "bad duration", env: map[string]string{"LIVESIGHT_CLIENT_TIMEOUT": "soon"}},
		{name: "bad int", env: map[string]string{"LIVESIGHT_RATE_LOOKUP_LIMIT": "many"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for key, value := range tc.env {
				t.Setenv(key, value)
			}
			if _, err := Load(""); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
