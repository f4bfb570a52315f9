package router_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidorares/webpubsub-local/internal/fanout"
	"github.com/sidorares/webpubsub-local/internal/protocol"
	"github.com/sidorares/webpubsub-local/internal/router"
	"github.com/sidorares/webpubsub-local/pkg/capability"
	"github.com/sidorares/webpubsub-local/pkg/state"
	"github.com/sidorares/webpubsub-local/pkg/state/statemanager"
	"github.com/sidorares/webpubsub-local/pkg/state/statetest"
)

type countingRecorder struct {
	denied    map[string]int
	malformed int
	throttled int
}

func (c *countingRecorder) FrameDenied(frameType string) { c.denied[frameType]++ }
func (c *countingRecorder) FrameMalformed()              { c.malformed++ }
func (c *countingRecorder) FrameThrottled()              { c.throttled++ }

type harness struct {
	registry *statemanager.InMemoryManager
	router   *router.Router
	recorder *countingRecorder
}

func newHarness(t *testing.T, cfg router.Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := statemanager.NewInMemoryManager(logger)
	rec := &countingRecorder{denied: map[string]int{}}
	return &harness{
		registry: reg,
		router:   router.New(logger, reg, fanout.New(logger, reg), cfg, router.WithRecorder(rec)),
		recorder: rec,
	}
}

// open admits a connection into hub h and opens its session, discarding the
// connected event.
func (h *harness) open(t *testing.T, userID string, scopes []string, groups ...string) (*router.Session, *statetest.Transport) {
	t.Helper()
	tr := statetest.NewTransport()
	principal := state.Principal{UserID: userID, Scopes: scopes, Groups: groups}
	conn, err := h.registry.Admit("h", principal, capability.Parse(scopes), tr)
	require.NoError(t, err)
	s := h.router.NewSession(conn, principal.Groups)
	require.NoError(t, s.Open(context.Background()))
	require.Len(t, tr.Frames(), 1)
	tr.Reset()
	return s, tr
}

func TestOpenSendsConnectedEvent(t *testing.T) {
	h := newHarness(t, router.Config{})
	tr := statetest.NewTransport()
	conn, err := h.registry.Admit("h", state.Principal{UserID: "alice"}, capability.Set{}, tr)
	require.NoError(t, err)

	s := h.router.NewSession(conn, nil)
	assert.Equal(t, router.StateConnecting, s.State())
	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, router.StateOpen, s.State())

	frames := tr.Frames()
	require.Len(t, frames, 1)
	assert.JSONEq(t,
		`{"type":"system","event":"connected","userId":"alice","connectionId":"`+conn.ID+`"}`,
		string(frames[0]))

	assert.ErrorIs(t, s.Open(context.Background()), router.ErrNotOpenable)
}

func TestOpenJoinsInitialGroupsWithoutScopes(t *testing.T) {
	h := newHarness(t, router.Config{})
	s, _ := h.open(t, "u", nil, "lobby", "news")

	assert.ElementsMatch(t, []string{"lobby", "news"}, h.registry.GroupsOf("h", s.ID()))
}

func TestJoinDeniedAndEchoedSend(t *testing.T) {
	h := newHarness(t, router.Config{})
	ctx := context.Background()
	a, ta := h.open(t, "a", []string{"webpubsub.joinLeaveGroup.g1", "webpubsub.sendToGroup.g1"})
	b, tb := h.open(t, "b", nil)

	a.Handle(ctx, []byte(`{"type":"joinGroup","group":"g1"}`))
	b.Handle(ctx, []byte(`{"type":"joinGroup","group":"g1"}`))

	assert.Equal(t, []string{a.ID()}, h.registry.MembersOf("h", "g1"))
	require.Len(t, tb.Frames(), 1)
	assert.Equal(t, "Forbidden", tb.Decoded()[0]["error"].(map[string]any)["name"])
	tb.Reset()

	a.Handle(ctx, []byte(`{"type":"sendToGroup","group":"g1","data":{"x":1}}`))

	frames := ta.Frames()
	require.Len(t, frames, 1)
	assert.JSONEq(t,
		`{"type":"message","from":"group","fromUserId":null,"group":"g1","dataType":"json","data":{"x":1}}`,
		string(frames[0]))
	assert.Empty(t, tb.Frames())
	assert.Equal(t, 1, h.recorder.denied["joinGroup"])
}

func TestSilentPolicyDropsDenials(t *testing.T) {
	h := newHarness(t, router.Config{DenialPolicy: router.DenySilent})
	s, tr := h.open(t, "u", nil)
	_, member := h.open(t, "v", nil, "g")

	s.Handle(context.Background(), []byte(`{"type":"sendToGroup","group":"g","data":1}`))
	s.Handle(context.Background(), []byte(`not json`))

	assert.Empty(t, tr.Frames())
	assert.Empty(t, member.Frames(), "denied send reaches no member")
	assert.Equal(t, 1, h.recorder.denied["sendToGroup"])
	assert.Equal(t, 1, h.recorder.malformed)
	assert.Equal(t, router.StateOpen, s.State())
}

func TestMalformedFramesAreRejectedAndConnectionStays(t *testing.T) {
	frames := []struct {
		name  string
		frame string
	}{
		{"not json", `{"type":`},
		{"unknown type", `{"type":"ackMessage","group":"g"}`},
		{"missing type", `{"group":"g"}`},
		{"missing group", `{"type":"joinGroup"}`},
		{"wrong field type", `{"type":"joinGroup","group":5}`},
		{"text data not a string", `{"type":"sendToGroup","group":"g","dataType":"text","data":5}`},
	}
	for _, tt := range frames {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, router.Config{})
			s, tr := h.open(t, "u", []string{"webpubsub.joinLeaveGroup.*", "webpubsub.sendToGroup.*"})

			s.Handle(context.Background(), []byte(tt.frame))

			decoded := tr.Decoded()
			require.Len(t, decoded, 1)
			assert.Equal(t, "error", decoded[0]["event"])
			assert.Equal(t, "BadRequest", decoded[0]["error"].(map[string]any)["name"])
			assert.Equal(t, router.StateOpen, s.State())
			assert.False(t, tr.Closed())
			assert.Equal(t, 1, h.recorder.malformed)
		})
	}
}

func TestLeaveGroup(t *testing.T) {
	h := newHarness(t, router.Config{})
	ctx := context.Background()
	s, tr := h.open(t, "u", []string{"webpubsub.joinLeaveGroup.g1"})

	s.Handle(ctx, []byte(`{"type":"joinGroup","group":"g1"}`))
	require.True(t, h.registry.GroupExists("h", "g1"))
	s.Handle(ctx, []byte(`{"type":"leaveGroup","group":"g1"}`))
	assert.False(t, h.registry.GroupExists("h", "g1"))

	s.Handle(ctx, []byte(`{"type":"leaveGroup","group":"other"}`))
	require.Len(t, tr.Decoded(), 1)
	assert.Equal(t, "Forbidden", tr.Decoded()[0]["error"].(map[string]any)["name"])
}

func TestSendToGroupWithoutMembership(t *testing.T) {
	h := newHarness(t, router.Config{})
	ctx := context.Background()
	member, tm := h.open(t, "m", []string{"webpubsub.joinLeaveGroup.g"})
	sender, ts := h.open(t, "s", []string{"webpubsub.sendToGroup.g"})
	member.Handle(ctx, []byte(`{"type":"joinGroup","group":"g"}`))

	sender.Handle(ctx, []byte(`{"type":"sendToGroup","group":"g","dataType":"text","data":"hi"}`))

	require.Len(t, tm.Frames(), 1)
	assert.Equal(t, "hi", tm.Decoded()[0]["data"])
	assert.Empty(t, ts.Frames())
}

func TestNoEchoAndSenderUserID(t *testing.T) {
	h := newHarness(t, router.Config{GroupSenderUserID: true})
	ctx := context.Background()
	scopes := []string{"webpubsub.joinLeaveGroup.g", "webpubsub.sendToGroup.g"}
	a, ta := h.open(t, "alice", scopes)
	b, tb := h.open(t, "bob", scopes)
	a.Handle(ctx, []byte(`{"type":"joinGroup","group":"g"}`))
	b.Handle(ctx, []byte(`{"type":"joinGroup","group":"g"}`))

	a.Handle(ctx, []byte(`{"type":"sendToGroup","group":"g","data":true,"noEcho":true}`))

	assert.Empty(t, ta.Frames())
	require.Len(t, tb.Frames(), 1)
	assert.Equal(t, "alice", tb.Decoded()[0]["fromUserId"])
}

func TestCloseRemovesConnectionOnce(t *testing.T) {
	h := newHarness(t, router.Config{})
	ctx := context.Background()
	s, tr := h.open(t, "u", []string{"webpubsub.joinLeaveGroup.*"})
	s.Handle(ctx, []byte(`{"type":"joinGroup","group":"g"}`))

	reason := errors.New("client went away")
	s.Close(reason)
	s.Close(errors.New("second"))

	assert.Equal(t, router.StateClosed, s.State())
	_, ok := h.registry.Get("h", s.ID())
	assert.False(t, ok)
	assert.False(t, h.registry.GroupExists("h", "g"))
	assert.True(t, tr.Closed())
	assert.Equal(t, reason, tr.CloseReason())

	s.Handle(ctx, []byte(`{"type":"joinGroup","group":"g"}`))
	assert.False(t, h.registry.GroupExists("h", "g"), "frames after close are ignored")
	assert.Empty(t, tr.Frames())
}

func TestFramesBeforeOpenAreIgnored(t *testing.T) {
	h := newHarness(t, router.Config{})
	tr := statetest.NewTransport()
	conn, err := h.registry.Admit("h", state.Principal{}, capability.Parse([]string{"webpubsub.joinLeaveGroup.*"}), tr)
	require.NoError(t, err)
	s := h.router.NewSession(conn, nil)

	s.Handle(context.Background(), []byte(`{"type":"joinGroup","group":"g"}`))

	assert.False(t, h.registry.GroupExists("h", "g"))
	assert.Empty(t, tr.Frames())
}

func TestConnectedEventPrecedesBroadcasts(t *testing.T) {
	h := newHarness(t, router.Config{})
	engine := fanout.New(slog.New(slog.NewTextHandler(io.Discard, nil)), h.registry)
	ctx := context.Background()
	tr := statetest.NewTransport()
	conn, err := h.registry.Admit("h", state.Principal{}, capability.Set{}, tr)
	require.NoError(t, err)
	s := h.router.NewSession(conn, nil)

	res := engine.SendToAll(ctx, "h", mustJSON(t, `"early"`))
	assert.Zero(t, res.Targets)
	assert.Empty(t, tr.Frames())

	require.NoError(t, s.Open(ctx))
	engine.SendToAll(ctx, "h", mustJSON(t, `"late"`))

	decoded := tr.Decoded()
	require.Len(t, decoded, 2)
	assert.Equal(t, "connected", decoded[0]["event"])
	assert.Nil(t, decoded[0]["userId"])
	assert.Equal(t, "late", decoded[1]["data"])
}

func mustJSON(t *testing.T, raw string) protocol.Payload {
	t.Helper()
	p, err := protocol.JSONPayload([]byte(raw))
	require.NoError(t, err)
	return p
}

func TestRegisterHandlerPanicsOnDuplicate(t *testing.T) {
	h := newHarness(t, router.Config{})
	assert.Panics(t, func() {
		h.router.RegisterHandler("joinGroup", nil)
	})
}

func TestParseDenialPolicy(t *testing.T) {
	p, err := router.ParseDenialPolicy("")
	require.NoError(t, err)
	assert.Equal(t, router.DenyReject, p)

	p, err = router.ParseDenialPolicy("silent")
	require.NoError(t, err)
	assert.Equal(t, router.DenySilent, p)

	_, err = router.ParseDenialPolicy("loud")
	assert.Error(t, err)
}

func TestRateLimitedFramesAreRefused(t *testing.T) {
	h := newHarness(t, router.Config{RateLimit: router.RateLimit{Frames: 2, Window: time.Hour}})
	ctx := context.Background()
	s, tr := h.open(t, "u", []string{"webpubsub.joinLeaveGroup.*"})

	s.Handle(ctx, []byte(`{"type":"joinGroup","group":"a"}`))
	s.Handle(ctx, []byte(`{"type":"joinGroup","group":"b"}`))
	s.Handle(ctx, []byte(`{"type":"joinGroup","group":"c"}`))

	assert.ElementsMatch(t, []string{"a", "b"}, h.registry.GroupsOf("h", s.ID()))
	decoded := tr.Decoded()
	require.Len(t, decoded, 1)
	assert.Equal(t, "TooManyRequests", decoded[0]["error"].(map[string]any)["name"])
	assert.Equal(t, 1, h.recorder.throttled)
	assert.Equal(t, router.StateOpen, s.State())
}
