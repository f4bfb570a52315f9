package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/sidorares/webpubsub-local/internal/protocol"
)

var (
	ErrForbidden   = errors.New("forbidden")
	ErrBadRequest  = errors.New("bad request")
	ErrNotOpenable = errors.New("session is not connecting")
)

// DenialPolicy decides what a client sees when one of its frames is refused.
type DenialPolicy string

const (
	// DenyReject answers with a system error frame.
	DenyReject DenialPolicy = "reject"
	// DenySilent drops the frame without telling the client.
	DenySilent DenialPolicy = "silent"
)

func ParseDenialPolicy(s string) (DenialPolicy, error) {
	switch DenialPolicy(s) {
	case "", DenyReject:
		return DenyReject, nil
	case DenySilent:
		return DenySilent, nil
	default:
		return "", fmt.Errorf("unknown denial policy %q", s)
	}
}

type Config struct {
	DenialPolicy DenialPolicy
	// GroupSenderUserID fills fromUserId on group messages sent by clients.
	GroupSenderUserID bool
	RateLimit         RateLimit
}

// State is the lifecycle position of a Session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// HandlerFunc processes one decoded client frame for a session. Returning an
// error wrapping ErrForbidden or ErrBadRequest triggers the denial policy.
type HandlerFunc func(ctx context.Context, s *Session, msg *protocol.ClientMessage) error

// Recorder is told about frames the router refused.
type Recorder interface {
	FrameDenied(frameType string)
	FrameMalformed()
	FrameThrottled()
}

type nopRecorder struct{}

func (nopRecorder) FrameDenied(string) {}
func (nopRecorder) FrameMalformed()    {}
func (nopRecorder) FrameThrottled()    {}
