package netron

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyExists   = errors.New("netron: already exists")
	ErrNotExists       = errors.New("netron: not exists")
	ErrAccessDenied    = errors.New("netron: access denied")
	ErrInvalidArgument = errors.New("netron: invalid argument")
	ErrNotAllowed      = errors.New("netron: not allowed")
	ErrTimeout         = errors.New("netron: timeout")
	ErrPeerClosed      = errors.New("netron: peer closed")
	ErrConnectFailed   = errors.New("netron: connect failed")
	// ErrInternal marks a context member that panicked.
	ErrInternal = errors.New("netron: internal error")
	// ErrRemote marks a remote failure whose kind has no local sentinel.
	ErrRemote = errors.New("netron: remote error")
)

var kinds = []struct {
	name string
	err  error
}{
	{"AlreadyExists", ErrAlreadyExists},
	{"NotExists", ErrNotExists},
	{"AccessDenied", ErrAccessDenied},
	{"InvalidArgument", ErrInvalidArgument},
	{"NotAllowed", ErrNotAllowed},
	{"Timeout", ErrTimeout},
	{"PeerClosed", ErrPeerClosed},
	{"ConnectFailed", ErrConnectFailed},
	{"Internal", ErrInternal},
}

// errorMsg is an error as it crosses the wire.
type errorMsg struct {
	Kind    string `cbor:"kind"`
	Message string `cbor:"message"`
}

func kindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Error"
}

func toErrorMsg(err error) errorMsg {
	return errorMsg{Kind: kindOf(err), Message: err.Error()}
}

// RemoteError is a failure reported by the other node. It unwraps to the
// local sentinel for its kind so errors.Is works across the wire.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("netron: remote %s: %s", e.Kind, e.Message)
}

func (e *RemoteError) Unwrap() error {
	for _, k := range kinds {
		if k.name == e.Kind {
			return k.err
		}
	}
	return ErrRemote
}

func (m errorMsg) err() error {
	return &RemoteError{Kind: m.Kind, Message: m.Message}
}
