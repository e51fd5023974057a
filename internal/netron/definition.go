package netron

// MemberDef describes one member in a Definition.
type MemberDef struct {
	Name     string     `cbor:"name" json:"name"`
	Kind     MemberKind `cbor:"kind" json:"kind"`
	ReadOnly bool       `cbor:"readonly,omitempty" json:"readonly,omitempty"`
}

// Definition is the serializable description of an attached context.
// ParentID is set on contexts handed out as the result of another
// context's member.
type Definition struct {
	ID          uint64      `cbor:"id" json:"id"`
	ParentID    uint64      `cbor:"parent,omitempty" json:"parent,omitempty"`
	Name        string      `cbor:"name" json:"name"`
	Type        string      `cbor:"type" json:"type"`
	Description string      `cbor:"description,omitempty" json:"description,omitempty"`
	Members     []MemberDef `cbor:"members" json:"members"`
}

func newDefinition(id, parentID uint64, name string, s *Surface) Definition {
	d := Definition{ID: id, ParentID: parentID, Name: name, Type: s.Type(), Description: s.Description()}
	for _, n := range s.Names() {
		m := s.members[n]
		d.Members = append(d.Members, MemberDef{Name: m.Name, Kind: m.Kind, ReadOnly: m.ReadOnly})
	}
	return d
}

func (d Definition) Member(name string) (MemberDef, bool) {
	for _, m := range d.Members {
		if m.Name == name {
			return m, true
		}
	}
	return MemberDef{}, false
}
