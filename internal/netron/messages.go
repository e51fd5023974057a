package netron

type helloMsg struct {
	ID       string       `cbor:"1,keyasint"`
	Name     string       `cbor:"2,keyasint"`
	Version  string       `cbor:"3,keyasint"`
	Contexts []Definition `cbor:"4,keyasint,omitempty"`
}

// callMsg addresses one member of a context by definition id. Args carries
// method arguments; Value carries the new value of a property set.
type callMsg struct {
	DefID  uint64 `cbor:"1,keyasint"`
	Member string `cbor:"2,keyasint"`
	Args   []any  `cbor:"3,keyasint,omitempty"`
	Value  any    `cbor:"4,keyasint,omitempty"`
}

type taskMsg struct {
	Calls []TaskCall `cbor:"1,keyasint"`
}

type attachMsg struct {
	Definition Definition `cbor:"1,keyasint"`
}

type nameMsg struct {
	Name string `cbor:"1,keyasint"`
}

type releaseMsg struct {
	DefID uint64 `cbor:"1,keyasint"`
}
