package netron

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/netwire/internal/observability"
)

// Stub dispatches member access for one attached context. Once detached,
// every dispatch fails with ErrNotExists, including those already running.
type Stub struct {
	node     string
	def      Definition
	instance Context
	surface  *Surface
	owner    *RemotePeer
	detached atomic.Bool
}

func newStub(node string, def Definition, instance Context, s *Surface, owner *RemotePeer) *Stub {
	return &Stub{node: node, def: def, instance: instance, surface: s, owner: owner}
}

func (s *Stub) Definition() Definition {
	return s.def
}

// Get calls a method with args or reads a property.
func (s *Stub) Get(ctx context.Context, member string, args []any) (result any, err error) {
	start := time.Now()
	defer func() { observability.RecordNetronDispatch(s.node, "stub.get", time.Since(start), err == nil) }()
	defer s.recoverMember(member, &result, &err)

	m, err := s.lookup(member)
	if err != nil {
		return nil, err
	}
	if m.Kind == KindMethod {
		result, err = m.Call(ctx, args)
	} else {
		result, err = m.Get(ctx)
	}
	if s.detached.Load() {
		return nil, s.gone()
	}
	return result, err
}

// Set writes a property.
func (s *Stub) Set(ctx context.Context, member string, value any) (err error) {
	start := time.Now()
	defer func() { observability.RecordNetronDispatch(s.node, "stub.set", time.Since(start), err == nil) }()
	defer s.recoverMember(member, nil, &err)

	m, err := s.lookup(member)
	if err != nil {
		return err
	}
	if m.Kind != KindProperty {
		return fmt.Errorf("%w: %s.%s is a method", ErrNotAllowed, s.def.Name, member)
	}
	if m.ReadOnly {
		return fmt.Errorf("%w: %s.%s is read-only", ErrAccessDenied, s.def.Name, member)
	}
	err = m.Set(ctx, value)
	if s.detached.Load() {
		return s.gone()
	}
	return err
}

// recoverMember turns a panic in member code into ErrInternal so one bad
// context cannot take down the node.
func (s *Stub) recoverMember(member string, result *any, err *error) {
	r := recover()
	if r == nil {
		return
	}
	if result != nil {
		*result = nil
	}
	*err = fmt.Errorf("%w: %s.%s panicked: %v", ErrInternal, s.def.Name, member, r)
}

func (s *Stub) lookup(member string) (Member, error) {
	if s.detached.Load() {
		return Member{}, s.gone()
	}
	m, ok := s.surface.Member(member)
	if !ok {
		return Member{}, fmt.Errorf("%w: %s has no member %q", ErrNotExists, s.def.Name, member)
	}
	return m, nil
}

func (s *Stub) gone() error {
	return fmt.Errorf("%w: context %q detached", ErrNotExists, s.def.Name)
}

func (s *Stub) detach() {
	s.detached.Store(true)
}
