package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/netwire/internal/protocol/field"
	"github.com/danmuck/netwire/internal/protocol/schema"
)

func wrap(typ uint8, channel uint16, payload []byte) []byte {
	buf := make([]byte, Overhead+len(payload))
	buf[0] = typ
	binary.BigEndian.PutUint16(buf[1:3], channel)
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	buf[len(buf)-1] = End
	return buf
}

// EncodeHeartbeat returns one heartbeat frame.
func EncodeHeartbeat() []byte {
	return wrap(TypeHeartbeat, 0, nil)
}

// EncodeMethod returns one method frame carrying m.
func EncodeMethod(reg *schema.Registry, channel uint16, m schema.Method, limits Limits) ([]byte, error) {
	w := field.NewWriter(64)
	if err := reg.EncodeMethod(w, m); err != nil {
		return nil, err
	}
	if err := limits.check(uint32(w.Len())); err != nil {
		return nil, fmt.Errorf("frame: method payload: %w", err)
	}
	return wrap(TypeMethod, channel, w.Bytes()), nil
}

// EncodeContent returns the header frame followed by as many body frames as
// the body needs under frameMax. An empty body produces no body frame. Nothing
// is returned unless every frame encodes.
func EncodeContent(reg *schema.Registry, channel, classID uint16, props schema.Args, body []byte, frameMax uint32) ([][]byte, error) {
	if body == nil {
		return nil, ErrNilBody
	}
	if frameMax != 0 && frameMax <= Overhead {
		return nil, fmt.Errorf("%w: %d", ErrFrameMaxTooSmall, frameMax)
	}
	w := field.NewWriter(32)
	w.Short(classID)
	w.Short(0)
	w.LongLong(uint64(len(body)))
	if err := reg.EncodeProperties(w, classID, props); err != nil {
		return nil, err
	}
	limits := Limits{FrameMax: frameMax}
	if err := limits.check(uint32(w.Len())); err != nil {
		return nil, err
	}

	chunk := len(body)
	if frameMax != 0 {
		chunk = int(frameMax) - Overhead
	}
	frames := make([][]byte, 0, 1+(len(body)+chunk-1)/max(chunk, 1))
	frames = append(frames, wrap(TypeHeader, channel, w.Bytes()))
	for off := 0; off < len(body); off += chunk {
		end := min(off+chunk, len(body))
		frames = append(frames, wrap(TypeBody, channel, body[off:end]))
	}
	return frames, nil
}
