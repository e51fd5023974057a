package netron

import (
	"context"
	"fmt"
)

// proxy stands in for a context attached by a remote peer. Every member
// forwards to the peer that owns the real instance.
type proxy struct {
	surface *Surface
}

func (p *proxy) Surface() *Surface {
	return p.surface
}

func newProxy(owner *RemotePeer, def Definition) (*proxy, error) {
	members := make([]Member, 0, len(def.Members))
	for _, m := range def.Members {
		name := m.Name
		switch m.Kind {
		case KindMethod:
			members = append(members, Method(name, func(ctx context.Context, args []any) (any, error) {
				return forward(ctx, owner, def, name, args)
			}))
		default:
			get := func(ctx context.Context) (any, error) {
				return forward(ctx, owner, def, name, nil)
			}
			var set func(context.Context, any) error
			if !m.ReadOnly {
				set = func(ctx context.Context, v any) error {
					return owner.assign(ctx, def.ID, name, v)
				}
			}
			members = append(members, Property(name, get, set))
		}
	}
	s, err := NewSurface(def.Type, members...)
	if err != nil {
		return nil, err
	}
	return &proxy{surface: s}, nil
}

// forward invokes member on the owner. Contexts handed out by the owner are
// not relayed to a third node; the handle is released at once.
func forward(ctx context.Context, owner *RemotePeer, def Definition, member string, args []any) (any, error) {
	v, err := owner.invoke(ctx, def.ID, member, args)
	if iface, ok := v.(*Interface); ok {
		_ = owner.ReleaseInterface(ctx, iface)
		return nil, fmt.Errorf("%w: %s.%s hands out a context that cannot be relayed", ErrNotAllowed, def.Name, member)
	}
	return v, err
}
