package netron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/danmuck/netwire/internal/testutil/testlog"
)

// counter is a context with a writable property, a read-only one and
// methods that fail in different ways.
type counter struct {
	mu      sync.Mutex
	value   any
	surface *Surface
}

func newCounter(t *testing.T) *counter {
	t.Helper()
	c := &counter{value: uint64(0)}
	s, err := NewSurface("Counter",
		Property("value",
			func(context.Context) (any, error) {
				c.mu.Lock()
				defer c.mu.Unlock()
				return c.value, nil
			},
			func(_ context.Context, v any) error {
				c.mu.Lock()
				defer c.mu.Unlock()
				c.value = v
				return nil
			}),
		Property("kind", func(context.Context) (any, error) { return "counter", nil }, nil),
		Method("echo", func(_ context.Context, args []any) (any, error) { return args, nil }),
		Method("deny", func(context.Context, []any) (any, error) {
			return nil, fmt.Errorf("%w: not for you", ErrAccessDenied)
		}),
		Method("plain", func(context.Context, []any) (any, error) {
			return nil, errors.New("plain failure")
		}),
		Method("block", func(ctx context.Context, _ []any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	)
	if err != nil {
		t.Fatalf("surface: %v", err)
	}
	c.surface = s
	return c
}

func (c *counter) Surface() *Surface {
	return c.surface
}

func TestStubDispatch(t *testing.T) {
	testlog.Start(t)
	n := newNode(t, "alpha")
	if _, err := n.AttachContext(newCounter(t), "c"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	stub, err := n.stubByName("c")
	if err != nil {
		t.Fatalf("stub: %v", err)
	}
	bg := context.Background()

	if _, err := stub.Get(bg, "missing", nil); !errors.Is(err, ErrNotExists) {
		t.Fatalf("unknown member: %v", err)
	}
	if err := stub.Set(bg, "kind", "other"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("read-only set: %v", err)
	}
	if err := stub.Set(bg, "echo", 1); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("set on a method: %v", err)
	}
	if err := stub.Set(bg, "value", uint64(9)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, err := stub.Get(bg, "value", nil); err != nil || v != uint64(9) {
		t.Fatalf("get: %v %v", v, err)
	}
	if _, err := stub.Get(bg, "deny", nil); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("member error kind lost: %v", err)
	}

	ctx, cancel := context.WithCancel(bg)
	cancel()
	if _, err := stub.Get(ctx, "block", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("blocking member ignored cancellation: %v", err)
	}
}

// newFaulty has members that panic instead of returning errors.
func newFaulty(t *testing.T) *sample {
	return newSample(t, "Faulty",
		Method("explode", func(context.Context, []any) (any, error) { panic("boom") }),
		Property("fragile",
			func(context.Context) (any, error) { return "intact", nil },
			func(context.Context, any) error { panic("cracked") }),
		Method("ok", returning("fine")),
	)
}

func TestStubRecoversMemberPanic(t *testing.T) {
	testlog.Start(t)
	n := newNode(t, "alpha")
	if _, err := n.AttachContext(newFaulty(t), "f"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	stub, err := n.stubByName("f")
	if err != nil {
		t.Fatalf("stub: %v", err)
	}
	bg := context.Background()

	if v, err := stub.Get(bg, "explode", nil); !errors.Is(err, ErrInternal) || v != nil {
		t.Fatalf("panicking method: %v %v", v, err)
	}
	if err := stub.Set(bg, "fragile", "x"); !errors.Is(err, ErrInternal) {
		t.Fatalf("panicking setter: %v", err)
	}
	if v, err := stub.Get(bg, "ok", nil); err != nil || v != "fine" {
		t.Fatalf("stub unusable after panic: %v %v", v, err)
	}

	iface, err := n.Own().QueryInterface(testCtx(t), "f")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if _, err := iface.Call(testCtx(t), "explode"); !errors.Is(err, ErrInternal) {
		t.Fatalf("local interface call: %v", err)
	}
}
