package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// netrond config.toml key mapping to daemon settings.
type fileConfig struct {
	NodeConfig  string   `toml:"node_config"`
	AdminListen string   `toml:"admin_listen"`
	CorsOrigins []string `toml:"cors_origins"`
	LogLevel    string   `toml:"log_level"`
	Listen      string   `toml:"listen"`
	AdminToken  string   `toml:"admin_token"`
}

type daemonConfig struct {
	// NodeConfig is the node file path. Relative paths resolve against the
	// daemon config's directory.
	NodeConfig  string
	AdminListen string
	CorsOrigins []string
	LogLevel    zerolog.Level
	// Listen overrides the node file's listen address when set.
	Listen string
	// AdminToken guards mutating admin routes. Empty leaves them open.
	AdminToken string
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		NodeConfig:  "node.toml",
		AdminListen: "127.0.0.1:7430",
		CorsOrigins: []string{"http://localhost:3000"},
		LogLevel:    zerolog.InfoLevel,
	}
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load netrond config: %w", err)
	}

	if meta.IsDefined("node_config") {
		cfg.NodeConfig = strings.TrimSpace(raw.NodeConfig)
	}
	if meta.IsDefined("admin_listen") {
		cfg.AdminListen = strings.TrimSpace(raw.AdminListen)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("log_level") {
		level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw.LogLevel)))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = level
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}

	if cfg.NodeConfig == "" {
		return daemonConfig{}, fmt.Errorf("netrond config missing node_config")
	}
	if !filepath.IsAbs(cfg.NodeConfig) {
		cfg.NodeConfig = filepath.Join(filepath.Dir(path), cfg.NodeConfig)
	}
	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
