package netron

import "sync"

const (
	EventContextAttach  = "context:attach"
	EventContextDetach  = "context:detach"
	EventPeerConnect    = "peer:connect"
	EventPeerDisconnect = "peer:disconnect"
)

// Event is published once the change it describes is complete.
type Event struct {
	Name         string      `cbor:"name" json:"name"`
	PeerID       string      `cbor:"peer,omitempty" json:"peer,omitempty"`
	Context      string      `cbor:"context,omitempty" json:"context,omitempty"`
	DefinitionID uint64      `cbor:"definitionId,omitempty" json:"definitionId,omitempty"`
	Definition   *Definition `cbor:"definition,omitempty" json:"definition,omitempty"`
}

// Handler receives events synchronously on the publishing goroutine.
type Handler func(Event)

type bus struct {
	mu   sync.Mutex
	seq  int
	subs map[string]map[int]Handler
}

func newBus() *bus {
	return &bus{subs: make(map[string]map[int]Handler)}
}

// subscribe registers h for name and returns a function that removes it.
func (b *bus) subscribe(name string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := b.seq
	if b.subs[name] == nil {
		b.subs[name] = make(map[int]Handler)
	}
	b.subs[name][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[name], id)
	}
}

func (b *bus) emit(e Event) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[e.Name]))
	for _, h := range b.subs[e.Name] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}
