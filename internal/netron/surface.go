package netron

import (
	"context"
	"fmt"
	"sort"
)

// MemberKind tells a method from a property.
type MemberKind uint8

const (
	KindMethod MemberKind = iota + 1
	KindProperty
)

func (k MemberKind) String() string {
	switch k {
	case KindMethod:
		return "method"
	case KindProperty:
		return "property"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Member is one exposed entry of a context. Methods use Call; properties use
// Get and, unless read-only, Set.
type Member struct {
	Name     string
	Kind     MemberKind
	ReadOnly bool

	Call func(ctx context.Context, args []any) (any, error)
	Get  func(ctx context.Context) (any, error)
	Set  func(ctx context.Context, value any) error
}

func Method(name string, fn func(ctx context.Context, args []any) (any, error)) Member {
	return Member{Name: name, Kind: KindMethod, Call: fn}
}

// Property exposes a value. A nil set makes it read-only.
func Property(name string, get func(ctx context.Context) (any, error), set func(ctx context.Context, value any) error) Member {
	return Member{Name: name, Kind: KindProperty, ReadOnly: set == nil, Get: get, Set: set}
}

// Surface is the member table of a context type. Build it once per type and
// share it between instances.
type Surface struct {
	typeName    string
	description string
	members     map[string]Member
	order       []string
}

// NewSurface validates members and indexes them by name.
func NewSurface(typeName string, members ...Member) (*Surface, error) {
	if typeName == "" {
		return nil, fmt.Errorf("%w: empty context type name", ErrInvalidArgument)
	}
	s := &Surface{typeName: typeName, members: make(map[string]Member, len(members))}
	if err := s.add(members); err != nil {
		return nil, err
	}
	return s, nil
}

// Extend composes a new surface from base plus members. Members may not
// shadow base members.
func (s *Surface) Extend(typeName string, members ...Member) (*Surface, error) {
	out, err := NewSurface(typeName)
	if err != nil {
		return nil, err
	}
	base := make([]Member, 0, len(s.order))
	for _, name := range s.order {
		base = append(base, s.members[name])
	}
	if err := out.add(base); err != nil {
		return nil, err
	}
	if err := out.add(members); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Surface) add(members []Member) error {
	for _, m := range members {
		if m.Name == "" {
			return fmt.Errorf("%w: %s: member without a name", ErrInvalidArgument, s.typeName)
		}
		if _, dup := s.members[m.Name]; dup {
			return fmt.Errorf("%w: %s.%s", ErrAlreadyExists, s.typeName, m.Name)
		}
		switch m.Kind {
		case KindMethod:
			if m.Call == nil {
				return fmt.Errorf("%w: %s.%s has no call", ErrInvalidArgument, s.typeName, m.Name)
			}
		case KindProperty:
			if m.Get == nil {
				return fmt.Errorf("%w: %s.%s has no getter", ErrInvalidArgument, s.typeName, m.Name)
			}
			if !m.ReadOnly && m.Set == nil {
				return fmt.Errorf("%w: %s.%s is writable without a setter", ErrInvalidArgument, s.typeName, m.Name)
			}
		default:
			return fmt.Errorf("%w: %s.%s has %s", ErrInvalidArgument, s.typeName, m.Name, m.Kind)
		}
		s.members[m.Name] = m
		s.order = append(s.order, m.Name)
	}
	return nil
}

func (s *Surface) Type() string {
	return s.typeName
}

// Describe sets the text carried in definitions of this surface.
func (s *Surface) Describe(text string) *Surface {
	s.description = text
	return s
}

func (s *Surface) Description() string {
	return s.description
}

func (s *Surface) Member(name string) (Member, bool) {
	m, ok := s.members[name]
	return m, ok
}

// Names returns member names sorted.
func (s *Surface) Names() []string {
	out := append([]string(nil), s.order...)
	sort.Strings(out)
	return out
}

// Context is anything that can be attached to a node.
type Context interface {
	Surface() *Surface
}
