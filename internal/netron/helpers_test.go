package netron

import (
	"context"
	"net"
	"testing"
	"time"
)

const waitFor = 2 * time.Second

type sample struct {
	surface *Surface
}

func (s *sample) Surface() *Surface {
	return s.surface
}

func newSample(t *testing.T, typeName string, members ...Member) *sample {
	t.Helper()
	s, err := NewSurface(typeName, members...)
	if err != nil {
		t.Fatalf("surface %s: %v", typeName, err)
	}
	return &sample{surface: s}
}

func returning(v any) func(context.Context, []any) (any, error) {
	return func(context.Context, []any) (any, error) { return v, nil }
}

func contextA(t *testing.T) *sample {
	return newSample(t, "A", Method("methodA", returning("aaa")))
}

func newNode(t *testing.T, name string) *Node {
	t.Helper()
	n, err := New(Config{Name: name, RequestTimeout: waitFor, HandshakeTimeout: waitFor})
	if err != nil {
		t.Fatalf("new node %s: %v", name, err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// connect joins a and b over an in-memory pipe. The first peer lives on a
// and represents b; the second lives on b and represents a.
func connect(t *testing.T, a, b *Node) (*RemotePeer, *RemotePeer) {
	t.Helper()
	ca, cb := net.Pipe()
	type result struct {
		p   *RemotePeer
		err error
	}
	res := make(chan result, 1)
	go func() {
		p, err := b.Connect(context.Background(), cb)
		res <- result{p, err}
	}()
	pa, err := a.Connect(context.Background(), ca)
	r := <-res
	if err != nil || r.err != nil {
		t.Fatalf("connect: %v / %v", err, r.err)
	}
	return pa, r.p
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return c
}

// newShelf hands out the same book context from open and from its current
// property.
func newShelf(t *testing.T) (*sample, *sample) {
	t.Helper()
	book := newSample(t, "Book", Method("title", returning("dune")))
	book.surface.Describe("one book on the shelf")
	shelf := newSample(t, "Shelf",
		Method("open", returning(book)),
		Property("current", func(context.Context) (any, error) { return book, nil }, nil),
	)
	return shelf, book
}
