package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/netwire/internal/netron"
)

// system is the context every netrond node exports under "system".
type system struct {
	node    *netron.Node
	started time.Time
	surface *netron.Surface

	mu   sync.Mutex
	motd string
}

func newSystem(node *netron.Node, started time.Time) (*system, error) {
	s := &system{node: node, started: started}
	surface, err := netron.NewSurface("netrond.System",
		netron.Property("uptime", func(context.Context) (any, error) {
			return time.Since(s.started).Round(time.Second).String(), nil
		}, nil),
		netron.Property("peers", func(context.Context) (any, error) {
			return len(s.node.Peers()), nil
		}, nil),
		netron.Property("motd", s.getMotd, s.setMotd),
		netron.Method("ping", func(_ context.Context, args []any) (any, error) {
			return append([]any{"pong"}, args...), nil
		}),
	)
	if err != nil {
		return nil, err
	}
	s.surface = surface
	return s, nil
}

func (s *system) Surface() *netron.Surface {
	return s.surface
}

func (s *system) getMotd(context.Context) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.motd, nil
}

func (s *system) setMotd(_ context.Context, value any) error {
	v, ok := value.(string)
	if !ok {
		return fmt.Errorf("%w: motd must be a string, got %T", netron.ErrInvalidArgument, value)
	}
	s.mu.Lock()
	s.motd = v
	s.mu.Unlock()
	return nil
}
