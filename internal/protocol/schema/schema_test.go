package schema

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/danmuck/netwire/internal/protocol"
	"github.com/danmuck/netwire/internal/protocol/field"
	"github.com/danmuck/netwire/internal/testutil/testlog"
)

func encodeMethod(t *testing.T, m Method) []byte {
	t.Helper()
	w := field.NewWriter(64)
	if err := Default.EncodeMethod(w, m); err != nil {
		t.Fatalf("encode %s: %v", Default.Name(m.ID()), err)
	}
	return w.Bytes()
}

func TestEveryMethodRoundTripsWithDefaults(t *testing.T) {
	testlog.Start(t)
	for _, spec := range methodTable {
		args := Args{}
		for _, fl := range spec.Fields {
			if fl.Default != nil {
				continue
			}
			args[fl.Name] = sampleValue(fl.Type)
		}
		m := Method{ClassID: spec.ClassID, MethodID: spec.MethodID, Args: args}
		out, err := Default.DecodeMethod(encodeMethod(t, m))
		if err != nil {
			t.Fatalf("decode %s: %v", spec.Name, err)
		}
		want := Args{}
		for _, fl := range spec.Fields {
			if v, ok := args[fl.Name]; ok {
				want[fl.Name] = v
			} else {
				want[fl.Name] = fl.Default
			}
		}
		if !reflect.DeepEqual(out.Args, want) {
			t.Fatalf("%s mismatch:\n got=%#v\nwant=%#v", spec.Name, out.Args, want)
		}
	}
}

func sampleValue(t Type) any {
	switch t {
	case Octet:
		return uint8(7)
	case Short:
		return uint16(300)
	case Long:
		return uint32(70000)
	case LongLong:
		return uint64(1 << 40)
	case Bit:
		return true
	case ShortStr:
		return "short"
	case LongStr:
		return "long string"
	case Table:
		return field.Table{"k": int32(1)}
	case Array:
		return field.Array{"a", uint8(1)}
	case Timestamp:
		return time.Unix(1700000000, 0).UTC()
	case Decimal:
		return field.Decimal{Scale: 1, Value: 5}
	}
	return nil
}

func TestBitsPackInRegistrationOrder(t *testing.T) {
	testlog.Start(t)
	b := encodeMethod(t, Method{ClassID: 50, MethodID: 10, Args: Args{
		"queue":       "q",
		"passive":     false,
		"durable":     true,
		"exclusive":   false,
		"auto-delete": true,
		"nowait":      true,
	}})
	// class(2) method(2) reserved1(2) queue(1+1) bits(1) table(4)
	bits := b[8]
	if bits != 0b11010 {
		t.Fatalf("unexpected bit octet %08b", bits)
	}
	out, err := Default.DecodeMethod(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Args["durable"] != true || out.Args["passive"] != false || out.Args["nowait"] != true {
		t.Fatalf("bits not restored: %#v", out.Args)
	}
}

func TestEncodeRejectsUnknownAndMistypedFields(t *testing.T) {
	testlog.Start(t)
	w := field.NewWriter(16)
	err := Default.EncodeMethod(w, Method{ClassID: 60, MethodID: 80, Args: Args{"delivery-tag": uint64(1), "bogus": true}})
	var verr ValidationError
	if !errors.As(err, &verr) || verr.Field != "bogus" {
		t.Fatalf("expected unknown field error, got %v", err)
	}
	err = Default.EncodeMethod(w, Method{ClassID: 60, MethodID: 80, Args: Args{"delivery-tag": 1}})
	if !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected type mismatch as invalid argument, got %v", err)
	}
	err = Default.EncodeMethod(w, Method{ClassID: 60, MethodID: 90, Args: Args{}})
	if !errors.As(err, &verr) || verr.Field != "delivery-tag" {
		t.Fatalf("expected missing field error, got %v", err)
	}
}

func TestDecodeUnknownMethod(t *testing.T) {
	testlog.Start(t)
	_, err := Default.DecodeMethod([]byte{0, 99, 0, 1})
	if !errors.Is(err, ErrUnknownMethod) || !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected unknown method violation, got %v", err)
	}
}

func TestDecodeMethodTrailingBytes(t *testing.T) {
	testlog.Start(t)
	b := encodeMethod(t, Method{ClassID: 60, MethodID: 80, Args: Args{"delivery-tag": uint64(3)}})
	_, err := Default.DecodeMethod(append(b, 0))
	if !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("expected trailing bytes error, got %v", err)
	}
	_, err = Default.DecodeMethod(b[:len(b)-2])
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected truncated violation, got %v", err)
	}
}

func TestPropertiesRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := BasicProperties{
		ContentType:  "text/plain",
		Headers:      field.Table{"x-retry": int32(2), "trace": field.Table{"id": "abc"}},
		DeliveryMode: 2,
		Priority:     9,
		MessageID:    "m-1",
		Timestamp:    time.Unix(1760000000, 0).UTC(),
		AppID:        "netwire",
	}
	w := field.NewWriter(64)
	if err := Default.EncodeProperties(w, ClassBasic, in.Args()); err != nil {
		t.Fatalf("encode properties: %v", err)
	}
	args, err := Default.DecodeProperties(field.NewReader(w.Bytes()), ClassBasic)
	if err != nil {
		t.Fatalf("decode properties: %v", err)
	}
	out := BasicPropertiesFrom(args)
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("properties mismatch:\n in=%#v\nout=%#v", in, out)
	}
	if _, ok := args["correlation-id"]; ok {
		t.Fatalf("absent property must not be materialized: %#v", args)
	}
}

func TestEmptyPropertiesEncodeToZeroFlags(t *testing.T) {
	testlog.Start(t)
	w := field.NewWriter(4)
	if err := Default.EncodeProperties(w, ClassBasic, Args{}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := w.Bytes(); len(got) != 2 || got[0] != 0 || got[1] != 0 {
		t.Fatalf("unexpected flags: %v", got)
	}
}

func TestPropertiesRejectBadTypes(t *testing.T) {
	testlog.Start(t)
	w := field.NewWriter(4)
	err := Default.EncodeProperties(w, ClassBasic, Args{"priority": 9})
	if !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	err = Default.EncodeProperties(w, ClassBasic, Args{"headers": field.Table{"bad": make(chan int)}})
	if !errors.Is(err, protocol.ErrInvalidArgument) {
		t.Fatalf("expected invalid header value, got %v", err)
	}
}

func TestLookupByName(t *testing.T) {
	testlog.Start(t)
	spec, ok := Default.Lookup("basic.deliver")
	if !ok || spec.ID() != BasicDeliver || !spec.Content {
		t.Fatalf("unexpected basic.deliver spec: %+v", spec)
	}
	if spec, ok := Default.Lookup("basic.get-ok"); !ok || !spec.Response || !spec.Content {
		t.Fatalf("get-ok must be a content-bearing response: %+v", spec)
	}
}
