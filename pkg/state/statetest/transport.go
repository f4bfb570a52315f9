// Package statetest provides a recording state.Transport for tests.
package statetest

import (
	"encoding/json"
	"errors"
	"sync"
)

var ErrClosed = errors.New("statetest: transport closed")

// Transport records every frame sent to it. Safe for concurrent use.
type Transport struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	reason  error
	sendErr error
	onSend  func()
}

func NewTransport() *Transport {
	return &Transport{}
}

// FailWith makes every following Send return err.
func (t *Transport) FailWith(err error) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
	return t
}

// OnSend installs a hook run before each frame is recorded, outside the
// transport lock.
func (t *Transport) OnSend(fn func()) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSend = fn
	return t
}

func (t *Transport) Send(message []byte) error {
	t.mu.Lock()
	hook := t.onSend
	t.mu.Unlock()
	if hook != nil {
		hook()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	frame := make([]byte, len(message))
	copy(frame, message)
	t.frames = append(t.frames, frame)
	return nil
}

func (t *Transport) Close(reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.reason = reason
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) CloseReason() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Frames returns a copy of the recorded frames.
func (t *Transport) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.frames))
	copy(out, t.frames)
	return out
}

// Decoded unmarshals every recorded frame into a generic map.
func (t *Transport) Decoded() []map[string]any {
	frames := t.Frames()
	out := make([]map[string]any, 0, len(frames))
	for _, f := range frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			m = map[string]any{"raw": string(f)}
		}
		out = append(out, m)
	}
	return out
}

func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = nil
}
