package protocol

import (
	"errors"
	"fmt"
)

// Error kinds shared by the frame, schema and session layers.
var (
	ErrProtocolViolation = errors.New("protocol: violation")
	ErrTimeout           = errors.New("protocol: timeout")
	ErrConnectFailed     = errors.New("protocol: connect failed")
	ErrConsumer          = errors.New("protocol: consumer error")
	ErrClosed            = errors.New("protocol: closed")
	ErrInvalidArgument   = errors.New("protocol: invalid argument")
	ErrChannelsExhausted = errors.New("protocol: channel ids exhausted")
	ErrAlreadyClosing    = errors.New("protocol: already closing")
)

// Reply codes carried by connection.close and channel.close.
const (
	ReplySuccess       uint16 = 200
	ContentTooLarge    uint16 = 311
	NoRoute            uint16 = 312
	NoConsumers        uint16 = 313
	ConnectionForced   uint16 = 320
	InvalidPath        uint16 = 402
	AccessRefused      uint16 = 403
	NotFound           uint16 = 404
	ResourceLocked     uint16 = 405
	PreconditionFailed uint16 = 406
	FrameError         uint16 = 501
	SyntaxError        uint16 = 502
	CommandInvalid     uint16 = 503
	ChannelError       uint16 = 504
	UnexpectedFrame    uint16 = 505
	ResourceError      uint16 = 506
	NotAllowed         uint16 = 530
	NotImplemented     uint16 = 540
	InternalError      uint16 = 541
)

// Error is a close reason, either received from the peer or raised locally.
type Error struct {
	Code     uint16
	Reason   string
	ClassID  uint16
	MethodID uint16
	Server   bool
	Kind     error
}

func (e *Error) Error() string {
	origin := "local"
	if e.Server {
		origin = "remote"
	}
	return fmt.Sprintf("protocol: %s close code=%d reason=%q", origin, e.Code, e.Reason)
}

func (e *Error) Unwrap() error {
	if e.Kind != nil {
		return e.Kind
	}
	return ErrClosed
}

// HardError reports whether code is a connection-level reply code.
func HardError(code uint16) bool {
	switch code {
	case ConnectionForced, InvalidPath, FrameError, SyntaxError, CommandInvalid,
		ChannelError, UnexpectedFrame, ResourceError, NotAllowed, NotImplemented, InternalError:
		return true
	}
	return false
}

// NewError builds a local close reason tagged with kind.
func NewError(kind error, code uint16, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...), Kind: kind}
}
