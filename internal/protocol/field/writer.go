package field

import (
	"encoding/binary"
	"math"
	"sort"
	"time"
)

// Writer appends big-endian primitives to an in-memory buffer.
type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) Octet(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) Short(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *Writer) Long(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *Writer) LongLong(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *Writer) ShortStr(s string) error {
	if len(s) > 255 {
		return ErrShortStrTooLong
	}
	w.buf = append(w.buf, byte(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

func (w *Writer) LongStr(b []byte) {
	w.Long(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) Timestamp(t time.Time) {
	w.LongLong(uint64(t.Unix()))
}

func (w *Writer) Decimal(d Decimal) {
	w.Octet(d.Scale)
	w.Long(uint32(d.Value))
}

// Table writes a length-prefixed field table. Keys are written in sorted order
// so equal tables always produce equal bytes.
func (w *Writer) Table(t Table) error {
	at := len(w.buf)
	w.Long(0)
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.ShortStr(k); err != nil {
			return err
		}
		if err := w.Value(t[k]); err != nil {
			return err
		}
	}
	binary.BigEndian.PutUint32(w.buf[at:], uint32(len(w.buf)-at-4))
	return nil
}

func (w *Writer) Array(a []any) error {
	at := len(w.buf)
	w.Long(0)
	for _, v := range a {
		if err := w.Value(v); err != nil {
			return err
		}
	}
	binary.BigEndian.PutUint32(w.buf[at:], uint32(len(w.buf)-at-4))
	return nil
}

// Value writes one tagged value.
func (w *Writer) Value(v any) error {
	tag, err := TagOf(v)
	if err != nil {
		return err
	}
	w.Octet(tag)
	switch x := v.(type) {
	case bool:
		if x {
			w.Octet(1)
		} else {
			w.Octet(0)
		}
	case int8:
		w.Octet(uint8(x))
	case uint8:
		w.Octet(x)
	case int16:
		w.Short(uint16(x))
	case uint16:
		w.Short(x)
	case int32:
		w.Long(uint32(x))
	case uint32:
		w.Long(x)
	case int64:
		w.LongLong(uint64(x))
	case int:
		w.LongLong(uint64(int64(x)))
	case uint64:
		w.LongLong(x)
	case uint:
		w.LongLong(uint64(x))
	case float32:
		w.Long(math.Float32bits(x))
	case float64:
		w.LongLong(math.Float64bits(x))
	case Decimal:
		w.Decimal(x)
	case string:
		w.LongStr([]byte(x))
	case []byte:
		w.LongStr(x)
	case Array:
		return w.Array(x)
	case []any:
		return w.Array(x)
	case time.Time:
		w.Timestamp(x)
	case Table:
		return w.Table(x)
	case map[string]any:
		return w.Table(Table(x))
	case nil:
	}
	return nil
}
