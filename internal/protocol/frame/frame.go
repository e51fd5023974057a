package frame

import (
	"fmt"
	"io"

	"github.com/danmuck/netwire/internal/protocol"
	"github.com/danmuck/netwire/internal/protocol/field"
	"github.com/danmuck/netwire/internal/protocol/schema"
)

const (
	TypeMethod    uint8 = 1
	TypeHeader    uint8 = 2
	TypeBody      uint8 = 3
	TypeHeartbeat uint8 = 8

	End byte = 0xCE

	// HeaderLen is [type:u8][channel:u16][size:u32].
	HeaderLen = 7
	// Overhead is the header plus the end marker.
	Overhead = HeaderLen + 1
	// MinFrameMax is the smallest frame_max a peer may negotiate.
	MinFrameMax uint32 = 4096
)

var (
	ErrBadFrameEnd      = fmt.Errorf("%w: frame: bad frame end", protocol.ErrProtocolViolation)
	ErrFrameTooLarge    = fmt.Errorf("%w: frame: size exceeds frame_max", protocol.ErrProtocolViolation)
	ErrUnknownFrameType = fmt.Errorf("%w: frame: unknown frame type", protocol.ErrProtocolViolation)
	ErrHeartbeatChannel = fmt.Errorf("%w: frame: heartbeat on non-zero channel", protocol.ErrProtocolViolation)
	ErrHeartbeatPayload = fmt.Errorf("%w: frame: heartbeat with payload", protocol.ErrProtocolViolation)
	ErrHeaderMismatch   = fmt.Errorf("%w: frame: content header size mismatch", protocol.ErrProtocolViolation)
	ErrNilBody          = fmt.Errorf("%w: frame: nil content body", protocol.ErrInvalidArgument)
	ErrFrameMaxTooSmall = fmt.Errorf("%w: frame: frame_max below minimum", protocol.ErrInvalidArgument)
	ErrShortFrame       = fmt.Errorf("%w: frame: short frame", protocol.ErrProtocolViolation)
)

// ContentHeader is the decoded payload of a header frame.
type ContentHeader struct {
	ClassID    uint16
	Weight     uint16
	BodySize   uint64
	Properties schema.Args
}

// Frame is one decoded frame. Exactly one of Method, Header or Body is
// meaningful depending on Type.
type Frame struct {
	Type    uint8
	Channel uint16
	Method  schema.Method
	Header  ContentHeader
	Body    []byte
}

// Heartbeat is the decoded form of every heartbeat frame.
var Heartbeat = Frame{Type: TypeHeartbeat}

func (f Frame) IsHeartbeat() bool {
	return f.Type == TypeHeartbeat
}

// Limits constrains frame decode/encode memory use. A zero FrameMax means the
// peer has not tuned the connection yet and no limit applies.
type Limits struct {
	FrameMax uint32
}

func (l Limits) check(size uint32) error {
	if l.FrameMax == 0 {
		return nil
	}
	if uint64(size)+Overhead > uint64(l.FrameMax) {
		return fmt.Errorf("%w: size=%d frame_max=%d", ErrFrameTooLarge, size, l.FrameMax)
	}
	return nil
}

// decodePayload turns a raw frame payload into a typed Frame.
func decodePayload(reg *schema.Registry, typ uint8, channel uint16, payload []byte) (Frame, error) {
	switch typ {
	case TypeMethod:
		m, err := reg.DecodeMethod(payload)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: typ, Channel: channel, Method: m}, nil
	case TypeHeader:
		h, err := decodeHeader(reg, payload)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: typ, Channel: channel, Header: h}, nil
	case TypeBody:
		body := make([]byte, len(payload))
		copy(body, payload)
		return Frame{Type: typ, Channel: channel, Body: body}, nil
	case TypeHeartbeat:
		if channel != 0 {
			return Frame{}, ErrHeartbeatChannel
		}
		if len(payload) != 0 {
			return Frame{}, ErrHeartbeatPayload
		}
		return Heartbeat, nil
	}
	return Frame{}, fmt.Errorf("%w: %d", ErrUnknownFrameType, typ)
}

func decodeHeader(reg *schema.Registry, payload []byte) (ContentHeader, error) {
	rd := field.NewReader(payload)
	classID, err := rd.Short()
	if err != nil {
		return ContentHeader{}, err
	}
	weight, err := rd.Short()
	if err != nil {
		return ContentHeader{}, err
	}
	size, err := rd.LongLong()
	if err != nil {
		return ContentHeader{}, err
	}
	props, err := reg.DecodeProperties(rd, classID)
	if err != nil {
		return ContentHeader{}, err
	}
	if rd.Remaining() != 0 {
		return ContentHeader{}, fmt.Errorf("%w: %d extra bytes", ErrHeaderMismatch, rd.Remaining())
	}
	return ContentHeader{ClassID: classID, Weight: weight, BodySize: size, Properties: props}, nil
}

// WriteFrame writes pre-encoded frames to w in order.
func WriteFrame(w io.Writer, frames ...[]byte) error {
	for _, b := range frames {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}
