package fanout_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidorares/webpubsub-local/internal/fanout"
	"github.com/sidorares/webpubsub-local/internal/protocol"
	"github.com/sidorares/webpubsub-local/pkg/capability"
	"github.com/sidorares/webpubsub-local/pkg/state"
	"github.com/sidorares/webpubsub-local/pkg/state/statemanager"
	"github.com/sidorares/webpubsub-local/pkg/state/statetest"
)

type fixture struct {
	registry *statemanager.InMemoryManager
	engine   *fanout.Engine
	recorder *recorder
}

type recorder struct {
	delivered map[fanout.Target]int
	failed    map[fanout.Target]int
}

func (r *recorder) MessageDelivered(t fanout.Target)        { r.delivered[t]++ }
func (r *recorder) DeliveryFailed(t fanout.Target, _ error) { r.failed[t]++ }

func newFixture() *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := statemanager.NewInMemoryManager(logger)
	rec := &recorder{delivered: map[fanout.Target]int{}, failed: map[fanout.Target]int{}}
	return &fixture{
		registry: reg,
		engine:   fanout.New(logger, reg, fanout.WithRecorder(rec)),
		recorder: rec,
	}
}

func (f *fixture) admit(t *testing.T, hub, userID string) (*state.Connection, *statetest.Transport) {
	t.Helper()
	tr := statetest.NewTransport()
	conn, err := f.registry.Admit(hub, state.Principal{UserID: userID}, capability.Set{}, tr)
	require.NoError(t, err)
	conn.MarkReady()
	return conn, tr
}

func jsonPayload(t *testing.T, raw string) protocol.Payload {
	t.Helper()
	p, err := protocol.JSONPayload([]byte(raw))
	require.NoError(t, err)
	return p
}

func TestSendToGroupDeliversExactEnvelope(t *testing.T) {
	f := newFixture()
	a, ta := f.admit(t, "h", "alice")
	b, tb := f.admit(t, "h", "bob")
	_, outsider := f.admit(t, "h", "carol")
	require.NoError(t, f.registry.Join("h", "g1", a.ID))
	require.NoError(t, f.registry.Join("h", "g1", b.ID))

	res := f.engine.SendToGroup(context.Background(), "h", "g1", jsonPayload(t, `{"y":2}`))

	assert.Equal(t, 2, res.Targets)
	assert.Equal(t, 2, res.Delivered)
	assert.Empty(t, res.Failures)
	want := `{"type":"message","from":"group","fromUserId":null,"group":"g1","dataType":"json","data":{"y":2}}`
	for _, tr := range []*statetest.Transport{ta, tb} {
		frames := tr.Frames()
		require.Len(t, frames, 1)
		assert.JSONEq(t, want, string(frames[0]))
	}
	assert.Empty(t, outsider.Frames())
	assert.Equal(t, 2, f.recorder.delivered[fanout.TargetGroup])
}

func TestSendToEmptyGroupIsNotAnError(t *testing.T) {
	f := newFixture()

	res := f.engine.SendToGroup(context.Background(), "h", "nobody-here", jsonPayload(t, `1`))

	assert.NoError(t, res.Err)
	assert.Zero(t, res.Targets)
	assert.Zero(t, res.Delivered)
}

func TestFailedMemberDoesNotAbortFanout(t *testing.T) {
	f := newFixture()
	a, ta := f.admit(t, "h", "")
	b, tb := f.admit(t, "h", "")
	c, tc := f.admit(t, "h", "")
	for _, conn := range []*state.Connection{a, b, c} {
		require.NoError(t, f.registry.Join("h", "g", conn.ID))
	}
	boom := errors.New("broken pipe")
	tb.FailWith(boom)

	res := f.engine.SendToGroup(context.Background(), "h", "g", jsonPayload(t, `{}`))

	assert.Equal(t, 3, res.Targets)
	assert.Equal(t, 2, res.Delivered)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, b.ID, res.Failures[0].ConnectionID)
	assert.ErrorIs(t, res.Failures[0].Err, boom)
	assert.Len(t, ta.Frames(), 1)
	assert.Len(t, tc.Frames(), 1)
	assert.Equal(t, 1, f.recorder.failed[fanout.TargetGroup])
}

func TestMembershipChangesDuringDeliveryUseSnapshot(t *testing.T) {
	f := newFixture()
	a, ta := f.admit(t, "h", "")
	b, tb := f.admit(t, "h", "")
	late, tlate := f.admit(t, "h", "")
	require.NoError(t, f.registry.Join("h", "g", a.ID))
	require.NoError(t, f.registry.Join("h", "g", b.ID))

	// Whichever member is sent to first removes the other one and lets a
	// new connection join; neither change may affect this fan-out.
	changed := false
	mutate := func(other *state.Connection) func() {
		return func() {
			if changed {
				return
			}
			changed = true
			f.registry.Remove("h", other.ID)
			require.NoError(t, f.registry.Join("h", "g", late.ID))
		}
	}
	ta.OnSend(mutate(b))
	tb.OnSend(mutate(a))

	res := f.engine.SendToGroup(context.Background(), "h", "g", jsonPayload(t, `"x"`))

	assert.Equal(t, 2, res.Targets)
	assert.Equal(t, 1, res.Delivered)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, fanout.ErrConnectionGone)
	assert.Equal(t, 1, len(ta.Frames())+len(tb.Frames()), "exactly one original member receives it")
	assert.Empty(t, tlate.Frames(), "a member joining mid-broadcast is outside the snapshot")
}

func TestSendToGroupExcludingAndFromUser(t *testing.T) {
	f := newFixture()
	a, ta := f.admit(t, "h", "alice")
	b, tb := f.admit(t, "h", "bob")
	require.NoError(t, f.registry.Join("h", "g", a.ID))
	require.NoError(t, f.registry.Join("h", "g", b.ID))

	res := f.engine.SendToGroup(context.Background(), "h", "g", protocol.TextPayload("hi"),
		fanout.Excluding(a.ID), fanout.FromUser("alice"))

	assert.Equal(t, 1, res.Targets)
	assert.Empty(t, ta.Frames())
	require.Len(t, tb.Frames(), 1)
	assert.JSONEq(t,
		`{"type":"message","from":"group","fromUserId":"alice","group":"g","dataType":"text","data":"hi"}`,
		string(tb.Frames()[0]))
}

func TestSendToConnection(t *testing.T) {
	f := newFixture()
	a, ta := f.admit(t, "h", "")
	_, tb := f.admit(t, "h", "")

	res := f.engine.SendToConnection(context.Background(), "h", a.ID, jsonPayload(t, `{"z":3}`))

	assert.Equal(t, 1, res.Delivered)
	require.Len(t, ta.Frames(), 1)
	assert.JSONEq(t, `{"type":"message","from":"server","dataType":"json","data":{"z":3}}`, string(ta.Frames()[0]))
	assert.Empty(t, tb.Frames())

	res = f.engine.SendToConnection(context.Background(), "h", "missing", jsonPayload(t, `1`))
	assert.Zero(t, res.Targets)
	assert.Empty(t, res.Failures)

	res = f.engine.SendToConnection(context.Background(), "other-hub", a.ID, jsonPayload(t, `1`))
	assert.Zero(t, res.Targets, "connection ids are scoped to their hub")
}

func TestSendToUserAndAll(t *testing.T) {
	f := newFixture()
	_, t1 := f.admit(t, "h", "dave")
	_, t2 := f.admit(t, "h", "dave")
	c3, t3 := f.admit(t, "h", "erin")
	_, t4 := f.admit(t, "elsewhere", "dave")

	res := f.engine.SendToUser(context.Background(), "h", "dave", jsonPayload(t, `1`))
	assert.Equal(t, 2, res.Delivered)
	assert.Len(t, t1.Frames(), 1)
	assert.Len(t, t2.Frames(), 1)
	assert.Empty(t, t3.Frames())
	assert.Empty(t, t4.Frames())

	res = f.engine.SendToAll(context.Background(), "h", jsonPayload(t, `2`), fanout.Excluding(c3.ID))
	assert.Equal(t, 2, res.Delivered)
	assert.Empty(t, t3.Frames())
	assert.Empty(t, t4.Frames())
	assert.Equal(t, 2, f.recorder.delivered[fanout.TargetHub])
}

func TestSendSkipsConnectionsNotReady(t *testing.T) {
	f := newFixture()
	_, ready := f.admit(t, "h", "frank")
	pendingTransport := statetest.NewTransport()
	pending, err := f.registry.Admit("h", state.Principal{UserID: "frank"}, capability.Set{}, pendingTransport)
	require.NoError(t, err)

	res := f.engine.SendToAll(context.Background(), "h", jsonPayload(t, `1`))
	assert.Equal(t, 1, res.Targets)
	assert.Equal(t, 1, res.Delivered)
	assert.Len(t, ready.Frames(), 1)
	assert.Empty(t, pendingTransport.Frames())

	res = f.engine.SendToConnection(context.Background(), "h", pending.ID, jsonPayload(t, `2`))
	assert.Zero(t, res.Targets)
	assert.Empty(t, f.recorder.failed)

	pending.MarkReady()
	res = f.engine.SendToUser(context.Background(), "h", "frank", jsonPayload(t, `3`))
	assert.Equal(t, 2, res.Delivered)
	assert.Len(t, pendingTransport.Frames(), 1)
}

func TestEncodeFailureSendsNothing(t *testing.T) {
	f := newFixture()
	a, ta := f.admit(t, "h", "")
	require.NoError(t, f.registry.Join("h", "g", a.ID))

	bad := protocol.Payload{DataType: protocol.DataTypeJSON, Data: []byte(`{broken`)}
	res := f.engine.SendToGroup(context.Background(), "h", "g", bad)

	assert.Error(t, res.Err)
	assert.Empty(t, ta.Frames())
}
