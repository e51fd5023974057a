// Package uid generates definition ids for Netron contexts.
package uid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

var ErrUnknownStrategy = errors.New("uid: unknown generator strategy")

const (
	StrategyNarrow = "narrow"
	StrategyWide   = "wide"
)

// Generator hands out ids that are unique for its lifetime. Zero is never
// returned.
type Generator interface {
	Get() uint64
	IsEqual(a, b uint64) bool
}

// New returns the generator for strategy. An empty strategy selects narrow.
func New(strategy string) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "", StrategyNarrow:
		return NewNarrow(), nil
	case StrategyWide:
		return NewWide(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// Narrow counts up from 1. Ids are only unique within one process.
type Narrow struct {
	n atomic.Uint64
}

func NewNarrow() *Narrow {
	return &Narrow{}
}

func (g *Narrow) Get() uint64 {
	return g.n.Add(1)
}

func (g *Narrow) IsEqual(a, b uint64) bool {
	return a == b
}

// Wide starts from a random 64-bit base so ids from independent processes
// are unlikely to collide.
type Wide struct {
	base uint64
	n    atomic.Uint64
}

func NewWide() *Wide {
	u := uuid.New()
	return &Wide{base: binary.BigEndian.Uint64(u[:8])}
}

func (g *Wide) Get() uint64 {
	for {
		if id := g.base + g.n.Add(1); id != 0 {
			return id
		}
	}
}

func (g *Wide) IsEqual(a, b uint64) bool {
	return a == b
}
