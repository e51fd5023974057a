// Package mux interleaves many upstream channels into one downstream channel.
//
// Sources are served round-robin: when several sources are ready, the mux
// takes one item from each in turn instead of draining the first. Unpiping a
// source is synchronous; once Unpipe returns, nothing read from that source
// after the call (or still held by the mux) reaches the output. The output is
// closed when every piped source has ended or been unpiped, or on Close.
package mux

import (
	"reflect"
	"sync"
)

type op[T any] struct {
	src  <-chan T
	pipe bool
	done chan struct{}
}

type Mux[T any] struct {
	out     chan T
	ctl     chan op[T]
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New starts a mux whose output channel has the given buffer size.
func New[T any](buffer int) *Mux[T] {
	m := &Mux[T]{
		out:     make(chan T, buffer),
		ctl:     make(chan op[T]),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Mux[T]) Out() <-chan T {
	return m.out
}

// Done is closed once the output has been closed.
func (m *Mux[T]) Done() <-chan struct{} {
	return m.stopped
}

// Pipe attaches src. It is a no-op after the mux has stopped.
func (m *Mux[T]) Pipe(src <-chan T) {
	m.send(op[T]{src: src, pipe: true})
}

// Unpipe detaches src. Items src still holds, or that the mux took from it but
// has not delivered yet, are dropped.
func (m *Mux[T]) Unpipe(src <-chan T) {
	m.send(op[T]{src: src})
}

func (m *Mux[T]) Close() {
	m.once.Do(func() { close(m.quit) })
	<-m.stopped
}

func (m *Mux[T]) send(o op[T]) {
	o.done = make(chan struct{})
	select {
	case m.ctl <- o:
		<-o.done
	case <-m.stopped:
	}
}

type state[T any] struct {
	sources []<-chan T
	next    int
	seen    bool
}

func (s *state[T]) apply(o op[T]) {
	defer close(o.done)
	idx := s.index(o.src)
	if o.pipe {
		if idx < 0 {
			s.sources = append(s.sources, o.src)
			s.seen = true
		}
		return
	}
	if idx >= 0 {
		s.remove(idx)
	}
}

func (s *state[T]) index(src <-chan T) int {
	for i, c := range s.sources {
		if c == src {
			return i
		}
	}
	return -1
}

func (s *state[T]) remove(idx int) {
	s.sources = append(s.sources[:idx], s.sources[idx+1:]...)
	if s.next > idx {
		s.next--
	}
	if s.next >= len(s.sources) {
		s.next = 0
	}
}

func (s *state[T]) finished() bool {
	return s.seen && len(s.sources) == 0
}

func (m *Mux[T]) run() {
	defer close(m.stopped)
	defer close(m.out)
	var s state[T]
	for !s.finished() {
		src, v, ok, alive := m.take(&s)
		if !alive {
			return
		}
		if src == nil {
			continue
		}
		if !ok {
			if idx := s.index(src); idx >= 0 {
				s.remove(idx)
			}
			continue
		}
		if !m.emit(&s, src, v) {
			return
		}
	}
}

// take returns the next item, preferring a ready source in round-robin order
// and blocking only when none is ready. A nil src means a control op was
// applied instead.
func (m *Mux[T]) take(s *state[T]) (src <-chan T, v T, ok bool, alive bool) {
	select {
	case o := <-m.ctl:
		s.apply(o)
		return nil, v, false, true
	case <-m.quit:
		return nil, v, false, false
	default:
	}
	n := len(s.sources)
	for i := 0; i < n; i++ {
		c := s.sources[(s.next+i)%n]
		select {
		case v, ok = <-c:
			return c, v, ok, true
		default:
		}
	}

	cases := make([]reflect.SelectCase, 0, n+2)
	cases = append(cases,
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(m.ctl)},
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(m.quit)},
	)
	for _, c := range s.sources {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(c)})
	}
	chosen, rv, recvOK := reflect.Select(cases)
	switch chosen {
	case 0:
		s.apply(rv.Interface().(op[T]))
		return nil, v, false, true
	case 1:
		return nil, v, false, false
	}
	c := s.sources[chosen-2]
	if recvOK {
		v, _ = rv.Interface().(T)
	}
	return c, v, recvOK, true
}

// emit delivers v downstream, applying control ops while it waits. If src is
// unpiped meanwhile, v is dropped.
func (m *Mux[T]) emit(s *state[T], src <-chan T, v T) bool {
	for {
		select {
		case m.out <- v:
			if idx := s.index(src); idx >= 0 && len(s.sources) > 0 {
				s.next = (idx + 1) % len(s.sources)
			}
			return true
		case o := <-m.ctl:
			s.apply(o)
			if s.index(src) < 0 {
				return true
			}
		case <-m.quit:
			return false
		}
	}
}
