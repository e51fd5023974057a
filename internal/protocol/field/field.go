package field

import (
	"fmt"
	"time"

	"github.com/danmuck/netwire/internal/protocol"
)

var (
	ErrShortValue       = fmt.Errorf("%w: field: short value", protocol.ErrProtocolViolation)
	ErrUnknownTag       = fmt.Errorf("%w: field: unknown value tag", protocol.ErrProtocolViolation)
	ErrShortStrTooLong  = fmt.Errorf("%w: field: shortstr longer than 255 bytes", protocol.ErrInvalidArgument)
	ErrUnsupportedValue = fmt.Errorf("%w: field: unsupported value type", protocol.ErrInvalidArgument)
)

// Table is a field table. Scalar leaves keep their Go width so a decoded table
// re-encodes to the same bytes.
type Table map[string]any

// Array is a field array.
type Array []any

// Decimal is a scaled integer: Value * 10^-Scale.
type Decimal struct {
	Scale uint8
	Value int32
}

// Value tags as used on the wire by RabbitMQ-compatible peers.
const (
	TagBool      byte = 't'
	TagInt8      byte = 'b'
	TagUint8     byte = 'B'
	TagInt16     byte = 's'
	TagUint16    byte = 'u'
	TagInt32     byte = 'I'
	TagUint32    byte = 'i'
	TagInt64     byte = 'l'
	TagUint64    byte = 'L'
	TagFloat32   byte = 'f'
	TagFloat64   byte = 'd'
	TagDecimal   byte = 'D'
	TagLongStr   byte = 'S'
	TagBytes     byte = 'x'
	TagArray     byte = 'A'
	TagTimestamp byte = 'T'
	TagTable     byte = 'F'
	TagVoid      byte = 'V'
)

// TagOf returns the wire tag used for v. A plain int encodes as a signed 64-bit
// value and a plain uint as an unsigned 64-bit value.
func TagOf(v any) (byte, error) {
	switch v.(type) {
	case bool:
		return TagBool, nil
	case int8:
		return TagInt8, nil
	case uint8:
		return TagUint8, nil
	case int16:
		return TagInt16, nil
	case uint16:
		return TagUint16, nil
	case int32:
		return TagInt32, nil
	case uint32:
		return TagUint32, nil
	case int64, int:
		return TagInt64, nil
	case uint64, uint:
		return TagUint64, nil
	case float32:
		return TagFloat32, nil
	case float64:
		return TagFloat64, nil
	case Decimal:
		return TagDecimal, nil
	case string:
		return TagLongStr, nil
	case []byte:
		return TagBytes, nil
	case Array, []any:
		return TagArray, nil
	case time.Time:
		return TagTimestamp, nil
	case Table, map[string]any:
		return TagTable, nil
	case nil:
		return TagVoid, nil
	}
	return 0, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

// Validate walks t and reports the first value that cannot be encoded.
func Validate(t Table) error {
	for k, v := range t {
		if len(k) > 255 {
			return fmt.Errorf("%w: key %q", ErrShortStrTooLong, k[:16])
		}
		if err := validateValue(v); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	return nil
}

func validateValue(v any) error {
	if _, err := TagOf(v); err != nil {
		return err
	}
	switch x := v.(type) {
	case Table:
		return Validate(x)
	case map[string]any:
		return Validate(Table(x))
	case Array:
		return validateArray(x)
	case []any:
		return validateArray(x)
	}
	return nil
}

func validateArray(a []any) error {
	for i, v := range a {
		if err := validateValue(v); err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
	}
	return nil
}
