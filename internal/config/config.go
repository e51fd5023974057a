package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/netwire/internal/netron"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownFormat = errors.New("config: unknown format")
	ErrInvalid       = errors.New("config: invalid")
)

const (
	FormatTOML = "toml"
	FormatYAML = "yaml"
)

// NodeConfig is the on-disk shape of one netron node.
type NodeConfig struct {
	ID               string       `toml:"id" yaml:"id"`
	Name             string       `toml:"name" yaml:"name"`
	Version          string       `toml:"version" yaml:"version"`
	Listen           string       `toml:"listen" yaml:"listen"`
	Generator        string       `toml:"generator" yaml:"generator"`
	HandshakeTimeout string       `toml:"handshake_timeout" yaml:"handshake_timeout"`
	RequestTimeout   string       `toml:"request_timeout" yaml:"request_timeout"`
	MaxPacket        uint32       `toml:"max_packet" yaml:"max_packet"`
	TaskConcurrency  int          `toml:"task_concurrency" yaml:"task_concurrency"`
	Peers            []PeerConfig `toml:"peers" yaml:"peers"`
}

// PeerConfig names a node to dial at startup.
type PeerConfig struct {
	Name string `toml:"name" yaml:"name"`
	Addr string `toml:"addr" yaml:"addr"`
}

func DefaultNode() NodeConfig {
	d := netron.DefaultConfig()
	return NodeConfig{
		Name:             d.Name,
		Version:          d.Version,
		Listen:           ":7420",
		Generator:        d.Generator,
		HandshakeTimeout: d.HandshakeTimeout.String(),
		RequestTimeout:   d.RequestTimeout.String(),
		MaxPacket:        d.MaxPacket,
		TaskConcurrency:  d.TaskConcurrency,
		Peers:            []PeerConfig{},
	}
}

// FormatOf picks the encoding from the file extension.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
	}
}

// LoadNode reads a TOML or YAML node file, fills unset keys from DefaultNode
// and validates the result.
func LoadNode(path string) (NodeConfig, error) {
	format, err := FormatOf(path)
	if err != nil {
		return NodeConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg := DefaultNode()
	if err := Decode(data, format, &cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	cfg.normalize()
	if err := ValidateNode(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func Decode(data []byte, format string, out any) error {
	switch format {
	case FormatTOML:
		return toml.Unmarshal(data, out)
	case FormatYAML:
		return yaml.Unmarshal(data, out)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func Encode(v any, format string) ([]byte, error) {
	switch format {
	case FormatTOML:
		var buf bytes.Buffer
		enc := toml.NewEncoder(&buf)
		enc.SetIndentTables(true)
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatYAML:
		return yaml.Marshal(v)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func (c *NodeConfig) normalize() {
	c.ID = strings.TrimSpace(c.ID)
	c.Name = strings.TrimSpace(c.Name)
	c.Listen = strings.TrimSpace(c.Listen)
	c.Generator = strings.ToLower(strings.TrimSpace(c.Generator))
	peers := make([]PeerConfig, 0, len(c.Peers))
	for _, p := range c.Peers {
		p.Name = strings.TrimSpace(p.Name)
		p.Addr = strings.TrimSpace(p.Addr)
		peers = append(peers, p)
	}
	c.Peers = peers
}

func ValidateNode(cfg NodeConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: node config missing name", ErrInvalid)
	}
	if cfg.Listen == "" {
		return fmt.Errorf("%w: node config missing listen", ErrInvalid)
	}
	if _, err := cfg.Netron(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(cfg.Peers))
	for i, p := range cfg.Peers {
		if p.Addr == "" {
			return fmt.Errorf("%w: peer[%d] missing addr", ErrInvalid, i)
		}
		if _, dup := seen[p.Addr]; dup {
			return fmt.Errorf("%w: peer[%d] duplicate addr %s", ErrInvalid, i, p.Addr)
		}
		seen[p.Addr] = struct{}{}
	}
	return nil
}

// Netron converts the file shape into a node runtime config.
func (c NodeConfig) Netron() (netron.Config, error) {
	hs, err := parseDuration("handshake_timeout", c.HandshakeTimeout)
	if err != nil {
		return netron.Config{}, err
	}
	rt, err := parseDuration("request_timeout", c.RequestTimeout)
	if err != nil {
		return netron.Config{}, err
	}
	out := netron.Config{
		ID:               c.ID,
		Name:             c.Name,
		Version:          c.Version,
		Generator:        c.Generator,
		HandshakeTimeout: hs,
		RequestTimeout:   rt,
		MaxPacket:        c.MaxPacket,
		TaskConcurrency:  c.TaskConcurrency,
	}
	if err := out.Validate(); err != nil {
		return netron.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return out, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", ErrInvalid, key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalid, key)
	}
	return d, nil
}
