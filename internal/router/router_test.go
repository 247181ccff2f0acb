package router_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/coderoomhq/coderoom/internal/collab"
	"github.com/coderoomhq/coderoom/internal/room"
	"github.com/coderoomhq/coderoom/internal/router"
	"github.com/coderoomhq/coderoom/pkg/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeConn struct {
	id     uuid.UUID
	mu     sync.Mutex
	frames [][]byte
}

func newFakeConn() *fakeConn { return &fakeConn{id: uuid.New()} }

func (c *fakeConn) ID() uuid.UUID { return c.id }

func (c *fakeConn) Send(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(msg))
	copy(buf, msg)
	c.frames = append(c.frames, buf)
}

func (c *fakeConn) Close(err error) {}

// lastError returns the most recent error frame, if any.
func (c *fakeConn) lastError(t *testing.T) (protocol.ErrorPayload, bool) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(c.frames[i], &env))
		if env.Event == protocol.EventError {
			var p protocol.ErrorPayload
			require.NoError(t, json.Unmarshal(env.Payload, &p))
			return p, true
		}
	}
	return protocol.ErrorPayload{}, false
}

func (c *fakeConn) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		var env protocol.Envelope
		if json.Unmarshal(f, &env) == nil && env.Event == event {
			n++
		}
	}
	return n
}

func frame(t *testing.T, event string, payload any) []byte {
	t.Helper()
	raw, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	return raw
}

type harness struct {
	router  *router.Router
	manager *room.Manager
	docs    *collab.MemoryDocumentStore
}

func newHarness(t *testing.T, authorizer collab.Authorizer) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	docs := collab.NewMemoryDocumentStore()
	manager := room.NewManager(ctx, newTestLogger(), room.Config{OpLogDepth: 16, RunTimeout: time.Second}, room.Deps{
		Docs:   docs,
		Events: collab.NewMemoryEventLog(),
		Exec:   collab.NewHTTPExecutor("http://127.0.0.1:0", time.Second, newTestLogger()),
	})
	return &harness{
		router:  router.New(newTestLogger(), manager, authorizer),
		manager: manager,
		docs:    docs,
	}
}

func (h *harness) session(userID string) (*router.Session, *fakeConn) {
	conn := newFakeConn()
	identity := protocol.Identity{UserID: userID, DisplayName: userID}
	return h.router.NewSession(identity, conn), conn
}

func TestEventsBeforeJoinAreRejected(t *testing.T) {
	h := newHarness(t, collab.OpenAuthorizer{})
	sess, conn := h.session("alice")

	for _, event := range []string{protocol.EventEdit, protocol.EventCursorUpdate, protocol.EventChatMessage, protocol.EventRunRequest} {
		sess.HandleMessage(context.Background(), conn.ID(), frame(t, event, map[string]any{}))
		rejection, ok := conn.lastError(t)
		require.True(t, ok, "event %s before join must be rejected", event)
		assert.Equal(t, protocol.CodeBadRequest, rejection.Code)
	}
	assert.Zero(t, h.manager.RoomCount())
}

func TestUnknownEvent(t *testing.T) {
	h := newHarness(t, collab.OpenAuthorizer{})
	sess, conn := h.session("alice")
	sess.HandleMessage(context.Background(), conn.ID(), frame(t, protocol.EventRoomJoin, protocol.JoinPayload{RoomToken: "r1"}))

	sess.HandleMessage(context.Background(), conn.ID(), []byte(`{"event":"room:destroy","payload":{}}`))
	rejection, ok := conn.lastError(t)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeUnknownEvent, rejection.Code)
}

func TestFrameWithoutEvent(t *testing.T) {
	h := newHarness(t, collab.OpenAuthorizer{})
	sess, conn := h.session("alice")

	sess.HandleMessage(context.Background(), conn.ID(), []byte(`{"payload":{}}`))
	rejection, ok := conn.lastError(t)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeBadRequest, rejection.Code)
}

func TestJoinDeniedByAuthorizer(t *testing.T) {
	auth := collab.NewClaimAuthorizer()
	auth.Grant("alice", []string{"other-room"})
	h := newHarness(t, auth)
	sess, conn := h.session("alice")

	sess.HandleMessage(context.Background(), conn.ID(), frame(t, protocol.EventRoomJoin, protocol.JoinPayload{RoomToken: "r1"}))
	rejection, ok := conn.lastError(t)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeAccessDenied, rejection.Code)
	assert.Zero(t, h.manager.RoomCount(), "denied join must not create a room")

	// The session stays roomless, so room-scoped events remain rejected.
	sess.HandleMessage(context.Background(), conn.ID(), frame(t, protocol.EventChatMessage, protocol.ChatPayload{Text: "hi"}))
	rejection, _ = conn.lastError(t)
	assert.Equal(t, protocol.CodeBadRequest, rejection.Code)
}

func TestJoinThenEdit(t *testing.T) {
	h := newHarness(t, collab.OpenAuthorizer{})
	sess, conn := h.session("alice")

	sess.HandleMessage(context.Background(), conn.ID(), frame(t, protocol.EventRoomJoin, protocol.JoinPayload{RoomToken: "r1"}))
	require.Equal(t, 1, conn.count(protocol.EventRoomUsers), "joiner receives the presence snapshot")
	require.Equal(t, 1, h.manager.RoomCount())

	sess.HandleMessage(context.Background(), conn.ID(), frame(t, protocol.EventEdit, protocol.EditPayload{
		Path:           "main.go",
		Operation:      protocol.WireOp{Kind: protocol.OpInsert, Position: 0, Text: "package main"},
		ClaimedVersion: 0,
	}))

	require.Eventually(t, func() bool {
		content, err := h.docs.Load(context.Background(), "r1", "main.go")
		return err == nil && content == "package main"
	}, 2*time.Second, 5*time.Millisecond)
	_, sawError := conn.lastError(t)
	assert.False(t, sawError)
}

func TestDuplicateJoinRejected(t *testing.T) {
	h := newHarness(t, collab.OpenAuthorizer{})
	sess, conn := h.session("alice")

	sess.HandleMessage(context.Background(), conn.ID(), frame(t, protocol.EventRoomJoin, protocol.JoinPayload{RoomToken: "r1"}))
	sess.HandleMessage(context.Background(), conn.ID(), frame(t, protocol.EventRoomJoin, protocol.JoinPayload{RoomToken: "r2"}))

	rejection, ok := conn.lastError(t)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeBadRequest, rejection.Code)
	assert.Equal(t, 1, h.manager.RoomCount())
}

func TestEditRequiresPath(t *testing.T) {
	h := newHarness(t, collab.OpenAuthorizer{})
	sess, conn := h.session("alice")
	sess.HandleMessage(context.Background(), conn.ID(), frame(t, protocol.EventRoomJoin, protocol.JoinPayload{RoomToken: "r1"}))

	sess.HandleMessage(context.Background(), conn.ID(), frame(t, protocol.EventEdit, protocol.EditPayload{
		Operation: protocol.WireOp{Kind: protocol.OpInsert, Text: "x"},
	}))
	rejection, ok := conn.lastError(t)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeBadRequest, rejection.Code)
}

func TestCloseLeavesRoom(t *testing.T) {
	h := newHarness(t, collab.OpenAuthorizer{})
	sess, conn := h.session("alice")
	sess.HandleMessage(context.Background(), conn.ID(), frame(t, protocol.EventRoomJoin, protocol.JoinPayload{RoomToken: "r1"}))
	require.Equal(t, 1, h.manager.RoomCount())

	sess.HandleClose(conn.ID(), nil)
	require.Eventually(t, func() bool { return h.manager.RoomCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}
