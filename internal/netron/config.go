package netron

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/netwire/internal/netron/uid"
	"github.com/danmuck/netwire/internal/netron/wire"
	"github.com/google/uuid"
)

// Config describes one node.
type Config struct {
	// ID identifies the node to its peers. A random UUID is used when empty.
	ID               string
	Name             string
	Version          string
	Generator        string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	MaxPacket        uint32
	// TaskConcurrency bounds how many tasks of one batch run at once.
	TaskConcurrency int
}

func DefaultConfig() Config {
	return Config{
		Name:             "netron",
		Version:          "0.1.0",
		Generator:        uid.StrategyNarrow,
		HandshakeTimeout: 5 * time.Second,
		RequestTimeout:   30 * time.Second,
		MaxPacket:        wire.DefaultLimits().MaxBody,
		TaskConcurrency:  8,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.Generator == "" {
		c.Generator = d.Generator
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxPacket == 0 {
		c.MaxPacket = d.MaxPacket
	}
	if c.TaskConcurrency <= 0 {
		c.TaskConcurrency = d.TaskConcurrency
	}
	return c
}

func (c Config) Validate() error {
	if _, err := uid.New(c.Generator); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if c.MaxPacket != 0 && c.MaxPacket < 1024 {
		return fmt.Errorf("%w: max packet %d below 1024", ErrInvalidArgument, c.MaxPacket)
	}
	return nil
}
