// Package wire frames Netron packets: a fixed 24-byte big-endian header
// followed by a CBOR body.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen        = 24
	Magic     uint32 = 0x4e54524e // "NTRN"
	Version   uint16 = 1

	FlagReply uint16 = 0x01
	FlagError uint16 = 0x02

	// FlagHandle marks a reply whose body is the definition of a context
	// handed out by the member that was called.
	FlagHandle uint16 = 0x04
)

// Action names the operation a packet carries. Replies repeat the action of
// the request they answer.
type Action uint32

const (
	ActionHandshake Action = iota + 1
	ActionGet
	ActionSet
	ActionTask
	ActionAttach
	ActionDetach
	ActionQuery
	ActionRelease
	ActionEvent
)

var actionNames = map[Action]string{
	ActionHandshake: "handshake",
	ActionGet:       "get",
	ActionSet:       "set",
	ActionTask:      "task",
	ActionAttach:    "attach",
	ActionDetach:    "detach",
	ActionQuery:     "query",
	ActionRelease:   "release",
	ActionEvent:     "event",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", uint32(a))
}

var (
	ErrShortHeader   = errors.New("wire: short header")
	ErrBadMagic      = errors.New("wire: bad magic")
	ErrVersion       = errors.New("wire: unsupported version")
	ErrBodyTooLarge  = errors.New("wire: body too large")
	ErrUnknownAction = errors.New("wire: unknown action")
	// ErrShortBody means the stream ended inside a declared body.
	ErrShortBody = errors.New("wire: short body")
)

type Header struct {
	Magic   uint32
	Version uint16
	Flags   uint16
	ID      uint64
	Action  Action
	BodyLen uint32
}

// Packet is one complete Netron message. ID pairs a reply with its request;
// one-way packets use zero.
type Packet struct {
	Flags  uint16
	ID     uint64
	Action Action
	Body   []byte
}

func (p Packet) IsReply() bool {
	return p.Flags&FlagReply != 0
}

func (p Packet) IsError() bool {
	return p.Flags&FlagError != 0
}

func (p Packet) IsHandle() bool {
	return p.Flags&FlagHandle != 0
}

// Limits constrains packet memory use.
type Limits struct {
	MaxBody uint32
}

func DefaultLimits() Limits {
	return Limits{MaxBody: 8 * 1024 * 1024}
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	putHeader(buf, h)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)
	binary.BigEndian.PutUint64(buf[8:16], h.ID)
	binary.BigEndian.PutUint32(buf[16:20], uint32(h.Action))
	binary.BigEndian.PutUint32(buf[20:24], h.BodyLen)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Magic:   binary.BigEndian.Uint32(b[0:4]),
		Version: binary.BigEndian.Uint16(b[4:6]),
		Flags:   binary.BigEndian.Uint16(b[6:8]),
		ID:      binary.BigEndian.Uint64(b[8:16]),
		Action:  Action(binary.BigEndian.Uint32(b[16:20])),
		BodyLen: binary.BigEndian.Uint32(b[20:24]),
	}
	if h.Magic != Magic {
		return Header{}, fmt.Errorf("%w: %#x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	if _, ok := actionNames[h.Action]; !ok {
		return Header{}, fmt.Errorf("%w: %d", ErrUnknownAction, uint32(h.Action))
	}
	return h, nil
}

// Encode renders p as one contiguous buffer so a single Write puts the whole
// packet on the stream.
func Encode(p Packet, limits Limits) ([]byte, error) {
	if limits.MaxBody > 0 && uint64(len(p.Body)) > uint64(limits.MaxBody) {
		return nil, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, len(p.Body), limits.MaxBody)
	}
	if _, ok := actionNames[p.Action]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAction, uint32(p.Action))
	}
	buf := make([]byte, HeaderLen+len(p.Body))
	putHeader(buf, Header{
		Magic:   Magic,
		Version: Version,
		Flags:   p.Flags,
		ID:      p.ID,
		Action:  p.Action,
		BodyLen: uint32(len(p.Body)),
	})
	copy(buf[HeaderLen:], p.Body)
	return buf, nil
}

func WritePacket(w io.Writer, p Packet, limits Limits) error {
	buf, err := Encode(p, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadPacket reads one packet. The body limit is checked before the body is
// allocated.
func ReadPacket(r io.Reader, limits Limits) (Packet, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, ErrShortHeader
		}
		return Packet{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Packet{}, err
	}
	if limits.MaxBody > 0 && h.BodyLen > limits.MaxBody {
		return Packet{}, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, h.BodyLen, limits.MaxBody)
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, fmt.Errorf("%w: %d byte body: %v", ErrShortBody, h.BodyLen, err)
		}
		return Packet{}, err
	}
	return Packet{Flags: h.Flags, ID: h.ID, Action: h.Action, Body: body}, nil
}
