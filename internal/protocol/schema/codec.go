package schema

import (
	"fmt"
	"time"

	"github.com/danmuck/netwire/internal/protocol/field"
	"github.com/rs/zerolog/log"
)

// EncodeMethod writes [class-id][method-id][arguments] for m. Every declared
// field must be supplied or carry a default; unknown fields are rejected.
func (r *Registry) EncodeMethod(w *field.Writer, m Method) error {
	spec, ok := r.Method(m.ClassID, m.MethodID)
	if !ok {
		return fmt.Errorf("%w: class=%d method=%d", ErrUnknownMethod, m.ClassID, m.MethodID)
	}
	if err := checkUnknown(spec.Name, spec.Fields, m.Args); err != nil {
		return err
	}
	w.Short(spec.ClassID)
	w.Short(spec.MethodID)
	return encodeFields(w, spec.Name, spec.Fields, m.Args)
}

// DecodeMethod reads one method payload. All declared fields must be present
// and no bytes may follow the last one.
func (r *Registry) DecodeMethod(payload []byte) (Method, error) {
	rd := field.NewReader(payload)
	classID, err := rd.Short()
	if err != nil {
		return Method{}, err
	}
	methodID, err := rd.Short()
	if err != nil {
		return Method{}, err
	}
	spec, ok := r.Method(classID, methodID)
	if !ok {
		log.Debug().Msgf("schema.DecodeMethod unknown class=%d method=%d", classID, methodID)
		return Method{}, fmt.Errorf("%w: class=%d method=%d", ErrUnknownMethod, classID, methodID)
	}
	args, err := decodeFields(rd, spec.Fields)
	if err != nil {
		return Method{}, fmt.Errorf("%s: %w", spec.Name, err)
	}
	if rd.Remaining() != 0 {
		return Method{}, fmt.Errorf("%w: %s has %d extra bytes", ErrTrailingBytes, spec.Name, rd.Remaining())
	}
	return Method{ClassID: classID, MethodID: methodID, Args: args}, nil
}

// EncodeProperties writes the presence flags followed by the present properties.
func (r *Registry) EncodeProperties(w *field.Writer, classID uint16, props Args) error {
	spec, ok := r.Properties(classID)
	if !ok {
		return fmt.Errorf("%w: class=%d", ErrUnknownClass, classID)
	}
	if err := checkUnknown(spec.Name+" properties", spec.Fields, props); err != nil {
		return err
	}
	present := make([]bool, len(spec.Fields))
	for i, fl := range spec.Fields {
		v, ok := props[fl.Name]
		present[i] = ok && v != nil
	}
	for word := 0; word*15 < len(spec.Fields) || word == 0; word++ {
		var flags uint16
		for bit := 0; bit < 15; bit++ {
			i := word*15 + bit
			if i < len(present) && present[i] {
				flags |= 1 << (15 - bit)
			}
		}
		if (word+1)*15 < len(spec.Fields) {
			flags |= 1
		}
		w.Short(flags)
	}
	for i, fl := range spec.Fields {
		if !present[i] {
			continue
		}
		if fl.Type == Bit {
			continue
		}
		if err := encodeValue(w, spec.Name, fl, props[fl.Name]); err != nil {
			return err
		}
	}
	return nil
}

// DecodeProperties reads presence flags and the present properties. Absent
// properties take their declared default when one exists.
func (r *Registry) DecodeProperties(rd *field.Reader, classID uint16) (Args, error) {
	spec, ok := r.Properties(classID)
	if !ok {
		return nil, fmt.Errorf("%w: class=%d", ErrUnknownClass, classID)
	}
	var present []bool
	for {
		flags, err := rd.Short()
		if err != nil {
			return nil, err
		}
		for bit := 0; bit < 15; bit++ {
			present = append(present, flags&(1<<(15-bit)) != 0)
		}
		if flags&1 == 0 {
			break
		}
	}
	args := Args{}
	for i, fl := range spec.Fields {
		if i >= len(present) || !present[i] {
			if fl.Default != nil {
				args[fl.Name] = fl.Default
			}
			continue
		}
		if fl.Type == Bit {
			args[fl.Name] = true
			continue
		}
		v, err := decodeValue(rd, fl.Type)
		if err != nil {
			return nil, fmt.Errorf("%s property %s: %w", spec.Name, fl.Name, err)
		}
		args[fl.Name] = v
	}
	return args, nil
}

func checkUnknown(name string, fields []Field, args Args) error {
	if len(args) <= len(fields) {
		matched := 0
		for _, fl := range fields {
			if _, ok := args[fl.Name]; ok {
				matched++
			}
		}
		if matched == len(args) {
			return nil
		}
	}
	known := make(map[string]struct{}, len(fields))
	for _, fl := range fields {
		known[fl.Name] = struct{}{}
	}
	for k := range args {
		if _, ok := known[k]; !ok {
			return ValidationError{Name: name, Field: k, Reason: "unknown field"}
		}
	}
	return nil
}

func encodeFields(w *field.Writer, name string, fields []Field, args Args) error {
	var bits uint8
	var nbits uint
	flush := func() {
		if nbits > 0 {
			w.Octet(bits)
			bits, nbits = 0, 0
		}
	}
	for _, fl := range fields {
		v, ok := args[fl.Name]
		if !ok || v == nil {
			if fl.Default == nil {
				return ValidationError{Name: name, Field: fl.Name, Reason: "missing required field"}
			}
			v = fl.Default
		}
		if fl.Type == Bit {
			b, ok := v.(bool)
			if !ok {
				return typeMismatch(name, fl, v)
			}
			if nbits == 8 {
				flush()
			}
			if b {
				bits |= 1 << nbits
			}
			nbits++
			continue
		}
		flush()
		if err := encodeValue(w, name, fl, v); err != nil {
			return err
		}
	}
	flush()
	return nil
}

func decodeFields(rd *field.Reader, fields []Field) (Args, error) {
	args := make(Args, len(fields))
	var bits uint8
	var nbits uint = 8
	for _, fl := range fields {
		if fl.Type == Bit {
			if nbits == 8 {
				b, err := rd.Octet()
				if err != nil {
					return nil, err
				}
				bits, nbits = b, 0
			}
			args[fl.Name] = bits&(1<<nbits) != 0
			nbits++
			continue
		}
		nbits = 8
		v, err := decodeValue(rd, fl.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fl.Name, err)
		}
		args[fl.Name] = v
	}
	return args, nil
}

func typeMismatch(name string, fl Field, v any) error {
	return ValidationError{Name: name, Field: fl.Name, Reason: fmt.Sprintf("want %s, got %T", fl.Type, v)}
}

func encodeValue(w *field.Writer, name string, fl Field, v any) error {
	switch fl.Type {
	case Octet:
		x, ok := v.(uint8)
		if !ok {
			return typeMismatch(name, fl, v)
		}
		w.Octet(x)
	case Short:
		x, ok := v.(uint16)
		if !ok {
			return typeMismatch(name, fl, v)
		}
		w.Short(x)
	case Long:
		x, ok := v.(uint32)
		if !ok {
			return typeMismatch(name, fl, v)
		}
		w.Long(x)
	case LongLong:
		x, ok := v.(uint64)
		if !ok {
			return typeMismatch(name, fl, v)
		}
		w.LongLong(x)
	case ShortStr:
		x, ok := v.(string)
		if !ok {
			return typeMismatch(name, fl, v)
		}
		if err := w.ShortStr(x); err != nil {
			return ValidationError{Name: name, Field: fl.Name, Reason: err.Error()}
		}
	case LongStr:
		switch x := v.(type) {
		case string:
			w.LongStr([]byte(x))
		case []byte:
			w.LongStr(x)
		default:
			return typeMismatch(name, fl, v)
		}
	case Table:
		var t field.Table
		switch x := v.(type) {
		case field.Table:
			t = x
		case map[string]any:
			t = field.Table(x)
		default:
			return typeMismatch(name, fl, v)
		}
		if err := field.Validate(t); err != nil {
			return ValidationError{Name: name, Field: fl.Name, Reason: err.Error()}
		}
		if err := w.Table(t); err != nil {
			return err
		}
	case Array:
		var a []any
		switch x := v.(type) {
		case field.Array:
			a = x
		case []any:
			a = x
		default:
			return typeMismatch(name, fl, v)
		}
		if err := w.Array(a); err != nil {
			return ValidationError{Name: name, Field: fl.Name, Reason: err.Error()}
		}
	case Timestamp:
		x, ok := v.(time.Time)
		if !ok {
			return typeMismatch(name, fl, v)
		}
		w.Timestamp(x)
	case Decimal:
		x, ok := v.(field.Decimal)
		if !ok {
			return typeMismatch(name, fl, v)
		}
		w.Decimal(x)
	default:
		return typeMismatch(name, fl, v)
	}
	return nil
}

func decodeValue(rd *field.Reader, t Type) (any, error) {
	switch t {
	case Octet:
		return rd.Octet()
	case Short:
		return rd.Short()
	case Long:
		return rd.Long()
	case LongLong:
		return rd.LongLong()
	case ShortStr:
		return rd.ShortStr()
	case LongStr:
		b, err := rd.LongStr()
		return string(b), err
	case Table:
		return rd.Table()
	case Array:
		return rd.Array()
	case Timestamp:
		return rd.Timestamp()
	case Decimal:
		return rd.Decimal()
	}
	return nil, fmt.Errorf("schema: cannot decode type %s", t)
}
