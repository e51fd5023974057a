package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/netwire/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDaemonConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
admin_listen = " 127.0.0.1:9999 "
cors_origins = ["", " http://example.test "]
log_level = "DEBUG"
`)
	cfg, err := loadDaemonConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AdminListen != "127.0.0.1:9999" {
		t.Fatalf("unexpected admin listen: %q", cfg.AdminListen)
	}
	if len(cfg.CorsOrigins) != 1 || cfg.CorsOrigins[0] != "http://example.test" {
		t.Fatalf("unexpected origins: %+v", cfg.CorsOrigins)
	}
	if cfg.LogLevel != zerolog.DebugLevel {
		t.Fatalf("unexpected level: %v", cfg.LogLevel)
	}
	if cfg.NodeConfig != filepath.Join(filepath.Dir(path), "node.toml") {
		t.Fatalf("node config not resolved beside daemon config: %q", cfg.NodeConfig)
	}
	if cfg.Listen != "" {
		t.Fatalf("listen override should be unset: %q", cfg.Listen)
	}
}

func TestLoadDaemonConfigRejects(t *testing.T) {
	testlog.Start(t)
	for name, body := range map[string]string{
		"level":  `log_level = "loud"`,
		"node":   `node_config = " "`,
		"syntax": `admin_listen = `,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := loadDaemonConfig(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestShippedConfigsLoad(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadDaemonConfig("config.toml")
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if cfg.NodeConfig != "node.toml" {
		t.Fatalf("unexpected node config path: %q", cfg.NodeConfig)
	}
}
