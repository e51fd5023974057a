package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/netwire/internal/protocol/schema"
)

// Parser decodes frames from an arbitrarily fragmented byte stream. Feed
// appends bytes; Next consumes one complete frame or nothing. After a decode
// error the parser is poisoned and keeps returning that error.
//
// A Parser is owned by one reader and is not safe for concurrent use.
type Parser struct {
	reg    *schema.Registry
	limits Limits
	buf    []byte
	off    int
	err    error
}

func NewParser(reg *schema.Registry, limits Limits) *Parser {
	if reg == nil {
		reg = schema.Default
	}
	return &Parser{reg: reg, limits: limits}
}

// SetFrameMax applies a newly negotiated frame_max to subsequent frames.
func (p *Parser) SetFrameMax(n uint32) {
	p.limits.FrameMax = n
}

func (p *Parser) Feed(b []byte) {
	if p.err != nil || len(b) == 0 {
		return
	}
	if p.off > 0 && p.off >= len(p.buf)/2 {
		n := copy(p.buf, p.buf[p.off:])
		p.buf = p.buf[:n]
		p.off = 0
	}
	p.buf = append(p.buf, b...)
}

// Buffered reports how many fed bytes have not been consumed yet.
func (p *Parser) Buffered() int {
	return len(p.buf) - p.off
}

// Next returns the next complete frame. ok is false when more input is needed.
func (p *Parser) Next() (f Frame, ok bool, err error) {
	if p.err != nil {
		return Frame{}, false, p.err
	}
	avail := p.buf[p.off:]
	if len(avail) < HeaderLen {
		return Frame{}, false, nil
	}
	size := binary.BigEndian.Uint32(avail[3:7])
	if err := p.limits.check(size); err != nil {
		return Frame{}, false, p.fail(err)
	}
	total := HeaderLen + int(size) + 1
	if len(avail) < total {
		return Frame{}, false, nil
	}
	if avail[total-1] != End {
		return Frame{}, false, p.fail(fmt.Errorf("%w: got 0x%02x", ErrBadFrameEnd, avail[total-1]))
	}
	f, err = decodePayload(p.reg, avail[0], binary.BigEndian.Uint16(avail[1:3]), avail[HeaderLen:total-1])
	if err != nil {
		return Frame{}, false, p.fail(err)
	}
	p.off += total
	if p.off == len(p.buf) {
		p.buf = p.buf[:0]
		p.off = 0
	}
	return f, true, nil
}

func (p *Parser) fail(err error) error {
	p.err = err
	p.buf = nil
	p.off = 0
	return err
}

// ReadFrame returns the next frame, reading from r into buf whenever more
// input is needed. Bytes read past the frame stay buffered for the next call.
// End of stream with a partial frame buffered is ErrShortFrame.
func (p *Parser) ReadFrame(r io.Reader, buf []byte) (Frame, error) {
	for {
		f, ok, err := p.Next()
		if err != nil {
			return Frame{}, err
		}
		if ok {
			return f, nil
		}
		n, err := r.Read(buf)
		if n > 0 {
			p.Feed(buf[:n])
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && p.Buffered() > 0 {
				return Frame{}, fmt.Errorf("%w: %d bytes buffered at end of stream", ErrShortFrame, p.Buffered())
			}
			return Frame{}, err
		}
	}
}
