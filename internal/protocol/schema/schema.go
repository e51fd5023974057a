package schema

import (
	"fmt"

	"github.com/danmuck/netwire/internal/protocol"
)

// Type is the declared primitive type of one method or property field.
type Type uint8

const (
	Octet Type = iota + 1
	Short
	Long
	LongLong
	Bit
	ShortStr
	LongStr
	Table
	Array
	Timestamp
	Decimal
)

func (t Type) String() string {
	switch t {
	case Octet:
		return "octet"
	case Short:
		return "short"
	case Long:
		return "long"
	case LongLong:
		return "longlong"
	case Bit:
		return "bit"
	case ShortStr:
		return "shortstr"
	case LongStr:
		return "longstr"
	case Table:
		return "table"
	case Array:
		return "array"
	case Timestamp:
		return "timestamp"
	case Decimal:
		return "decimal"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Field declares one argument of a method or one content property.
type Field struct {
	Name    string
	Type    Type
	Default any
}

// Args holds field values keyed by field name.
type Args map[string]any

// ID packs a class id and method id into one lookup key.
func ID(classID, methodID uint16) uint32 {
	return uint32(classID)<<16 | uint32(methodID)
}

// SplitID is the inverse of ID.
func SplitID(id uint32) (classID, methodID uint16) {
	return uint16(id >> 16), uint16(id)
}

// MethodSpec describes one method of the protocol.
type MethodSpec struct {
	ClassID  uint16
	MethodID uint16
	Name     string
	Fields   []Field
	// Response marks replies to a synchronous request.
	Response bool
	// Content marks methods followed by a content header and body.
	Content bool
}

func (s *MethodSpec) ID() uint32 {
	return ID(s.ClassID, s.MethodID)
}

// PropertySpec describes the content properties of one class.
type PropertySpec struct {
	ClassID uint16
	Name    string
	Fields  []Field
}

// Method is one decoded or to-be-encoded method frame payload.
type Method struct {
	ClassID  uint16
	MethodID uint16
	Args     Args
}

func (m Method) ID() uint32 {
	return ID(m.ClassID, m.MethodID)
}

// ValidationError reports a method or property that does not match its schema.
type ValidationError struct {
	Name   string
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: %s: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("schema: %s field=%s: %s", e.Name, e.Field, e.Reason)
}

func (e ValidationError) Unwrap() error {
	return protocol.ErrInvalidArgument
}

var (
	ErrUnknownMethod = fmt.Errorf("%w: schema: unknown method", protocol.ErrProtocolViolation)
	ErrUnknownClass  = fmt.Errorf("%w: schema: unknown content class", protocol.ErrProtocolViolation)
	ErrTrailingBytes = fmt.Errorf("%w: schema: trailing bytes after arguments", protocol.ErrProtocolViolation)
)

// Registry maps numeric ids to method and property schemas. It is built once
// and never mutated afterwards.
type Registry struct {
	methods    map[uint32]*MethodSpec
	byName     map[string]*MethodSpec
	properties map[uint16]*PropertySpec
}

func newRegistry(methods []*MethodSpec, properties []*PropertySpec) *Registry {
	r := &Registry{
		methods:    make(map[uint32]*MethodSpec, len(methods)),
		byName:     make(map[string]*MethodSpec, len(methods)),
		properties: make(map[uint16]*PropertySpec, len(properties)),
	}
	for _, m := range methods {
		if _, dup := r.methods[m.ID()]; dup {
			panic(fmt.Sprintf("schema: duplicate method %s", m.Name))
		}
		r.methods[m.ID()] = m
		r.byName[m.Name] = m
	}
	for _, p := range properties {
		r.properties[p.ClassID] = p
	}
	return r
}

// Method resolves a method schema by numeric ids.
func (r *Registry) Method(classID, methodID uint16) (*MethodSpec, bool) {
	m, ok := r.methods[ID(classID, methodID)]
	return m, ok
}

// Lookup resolves a method schema by its dotted name, e.g. "basic.publish".
func (r *Registry) Lookup(name string) (*MethodSpec, bool) {
	m, ok := r.byName[name]
	return m, ok
}

// Properties resolves the content property schema of a class.
func (r *Registry) Properties(classID uint16) (*PropertySpec, bool) {
	p, ok := r.properties[classID]
	return p, ok
}

// Name returns the dotted name of a method id for logs and errors.
func (r *Registry) Name(id uint32) string {
	if m, ok := r.methods[id]; ok {
		return m.Name
	}
	c, m := SplitID(id)
	return fmt.Sprintf("method(%d,%d)", c, m)
}
