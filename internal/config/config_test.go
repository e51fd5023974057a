package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/netwire/internal/testutil/testlog"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadNodeTOML(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "node.toml", `
name = " alpha "
listen = "127.0.0.1:7421"
generator = "Wide"
request_timeout = "2s"

[[peers]]
name = "beta"
addr = "127.0.0.1:7422"
`)
	cfg, err := LoadNode(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "alpha" || cfg.Listen != "127.0.0.1:7421" || cfg.Generator != "wide" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].Addr != "127.0.0.1:7422" {
		t.Fatalf("unexpected peers: %+v", cfg.Peers)
	}
	nc, err := cfg.Netron()
	if err != nil {
		t.Fatalf("netron config: %v", err)
	}
	if nc.RequestTimeout != 2*time.Second {
		t.Fatalf("request timeout = %v", nc.RequestTimeout)
	}
	if nc.HandshakeTimeout != 5*time.Second {
		t.Fatalf("handshake timeout default lost: %v", nc.HandshakeTimeout)
	}
}

func TestLoadNodeYAML(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "node.yml", `
id: node-1
name: gamma
max_packet: 65536
task_concurrency: 2
peers:
  - addr: 10.0.0.2:7420
`)
	cfg, err := LoadNode(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ID != "node-1" || cfg.MaxPacket != 65536 || cfg.TaskConcurrency != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Listen != DefaultNode().Listen {
		t.Fatalf("listen default lost: %q", cfg.Listen)
	}
}

func TestLoadNodeRejects(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		file string
		body string
		want error
	}{
		{"extension", "node.ini", "name = x", ErrUnknownFormat},
		{"generator", "node.toml", `generator = "sparse"`, ErrInvalid},
		{"duration", "node.toml", `request_timeout = "soon"`, ErrInvalid},
		{"negative", "node.yaml", "handshake_timeout: -1s", ErrInvalid},
		{"packet", "node.toml", "max_packet = 12", ErrInvalid},
		{"empty name", "node.toml", `name = "  "`, ErrInvalid},
		{"peer addr", "node.toml", "[[peers]]\nname = \"x\"\n", ErrInvalid},
		{"duplicate peer", "node.yaml", "peers:\n  - addr: a:1\n  - addr: a:1\n", ErrInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadNode(writeFile(t, tc.file, tc.body))
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestTemplatesLoadBack(t *testing.T) {
	testlog.Start(t)
	for _, name := range []string{"node.toml", "node.yaml"} {
		path := filepath.Join(t.TempDir(), name)
		if err := WriteTemplate(path, false); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := WriteTemplate(path, false); err == nil {
			t.Fatalf("expected %s overwrite refusal", name)
		}
		if err := WriteTemplate(path, true); err != nil {
			t.Fatalf("overwrite %s: %v", name, err)
		}
		cfg, err := LoadNode(path)
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if cfg.Name != DefaultNode().Name || cfg.Listen != DefaultNode().Listen {
			t.Fatalf("%s: unexpected config %+v", name, cfg)
		}
	}
	if _, err := Template("ini"); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected unknown format, got %v", err)
	}
}
