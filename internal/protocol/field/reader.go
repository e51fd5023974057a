package field

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Reader consumes big-endian primitives from a byte slice.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrShortValue
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) Octet() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Short() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) Long() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) LongLong() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) ShortStr() (string, error) {
	n, err := r.Octet()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) LongStr() ([]byte, error) {
	n, err := r.Long()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *Reader) Timestamp() (time.Time, error) {
	v, err := r.LongLong()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(v), 0).UTC(), nil
}

func (r *Reader) Decimal() (Decimal, error) {
	scale, err := r.Octet()
	if err != nil {
		return Decimal{}, err
	}
	v, err := r.Long()
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{Scale: scale, Value: int32(v)}, nil
}

func (r *Reader) Table() (Table, error) {
	n, err := r.Long()
	if err != nil {
		return nil, err
	}
	body, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	sub := NewReader(body)
	t := Table{}
	for sub.Remaining() > 0 {
		key, err := sub.ShortStr()
		if err != nil {
			return nil, err
		}
		v, err := sub.Value()
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		t[key] = v
	}
	return t, nil
}

func (r *Reader) Array() (Array, error) {
	n, err := r.Long()
	if err != nil {
		return nil, err
	}
	body, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	sub := NewReader(body)
	a := Array{}
	for sub.Remaining() > 0 {
		v, err := sub.Value()
		if err != nil {
			return nil, err
		}
		a = append(a, v)
	}
	return a, nil
}

// Value reads one tagged value.
func (r *Reader) Value() (any, error) {
	tag, err := r.Octet()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagBool:
		b, err := r.Octet()
		return b != 0, err
	case TagInt8:
		b, err := r.Octet()
		return int8(b), err
	case TagUint8:
		return r.Octet()
	case TagInt16:
		v, err := r.Short()
		return int16(v), err
	case TagUint16:
		return r.Short()
	case TagInt32:
		v, err := r.Long()
		return int32(v), err
	case TagUint32:
		return r.Long()
	case TagInt64:
		v, err := r.LongLong()
		return int64(v), err
	case TagUint64:
		return r.LongLong()
	case TagFloat32:
		v, err := r.Long()
		return math.Float32frombits(v), err
	case TagFloat64:
		v, err := r.LongLong()
		return math.Float64frombits(v), err
	case TagDecimal:
		return r.Decimal()
	case TagLongStr:
		b, err := r.LongStr()
		return string(b), err
	case TagBytes:
		return r.LongStr()
	case TagArray:
		return r.Array()
	case TagTimestamp:
		return r.Timestamp()
	case TagTable:
		return r.Table()
	case TagVoid:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
}
