// Package protocol defines the wire format spoken over each websocket
// connection: a thin {event, payload} envelope plus the typed payloads for
// every event the server understands.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client-originated events.
const (
	EventRoomJoin     = "room:join"
	EventCursorUpdate = "cursor:update"
	EventEdit         = "edit"
	EventChatMessage  = "chat:message"
	EventRunRequest   = "run:request"
)

// Server-originated events.
const (
	EventRoomUsers    = "room:users"
	EventUserJoined   = "user:joined"
	EventUserLeft     = "user:left"
	EventRunStarted   = "run:started"
	EventRunCompleted = "run:completed"
	EventError        = "error"
)

// Envelope wraps every message in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals an event and its payload into a wire frame.
func Encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// Identity is an authenticated user as the room layer sees it.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// CursorPos is a caret position inside a document.
type CursorPos struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type JoinPayload struct {
	RoomToken string `json:"roomToken"`
}

// ParticipantInfo is one entry of the presence snapshot sent to a joiner.
type ParticipantInfo struct {
	Identity
	ActiveFile *string    `json:"activeFile,omitempty"`
	Cursor     *CursorPos `json:"cursor,omitempty"`
	JoinedAt   time.Time  `json:"joinedAt"`
}

type RoomUsersPayload struct {
	Participants []ParticipantInfo `json:"participants"`
}

// PresencePayload announces a join or leave to the rest of the room.
type PresencePayload struct {
	Identity
}

type CursorPayload struct {
	Path     string    `json:"path"`
	Position CursorPos `json:"position"`
}

// CursorBroadcast is the advisory presence delta fanned out to peers.
type CursorBroadcast struct {
	Identity
	Path     string    `json:"path"`
	Position CursorPos `json:"position"`
}

// Operation kinds on the wire.
const (
	OpInsert = "insert"
	OpDelete = "delete"
)

// WireOp is an edit operation as transmitted. Position is a code-point
// offset into the document at the operation's claimed version.
type WireOp struct {
	Kind     string `json:"kind"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
}

type EditPayload struct {
	Path           string `json:"path"`
	Operation      WireOp `json:"operation"`
	ClaimedVersion int64  `json:"claimedVersion"`
}

// EditBroadcast echoes an accepted (possibly transformed) operation together
// with the document version it produced.
type EditBroadcast struct {
	Path      string `json:"path"`
	Operation WireOp `json:"operation"`
	Version   int64  `json:"version"`
	UserID    string `json:"userId"`
}

type ChatPayload struct {
	Text string `json:"text"`
}

type ChatBroadcast struct {
	Identity
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

type RunRequestPayload struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Stdin    string `json:"stdin,omitempty"`
}

type RunStartedPayload struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
	Language  string `json:"language"`
}

type RunCompletedPayload struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	// Code classifies a failure; currently only run_timeout is emitted.
	Code string `json:"code,omitempty"`
}

// Error codes carried in ErrorPayload. Rejections go only to the
// originating connection, never into the room broadcast.
const (
	CodeAccessDenied    = "access_denied"
	CodeVersionTooStale = "version_too_stale"
	CodeInvalidVersion  = "invalid_version"
	CodeRunTimeout      = "run_timeout"
	CodeBadRequest      = "bad_request"
	CodeUnknownEvent    = "unknown_event"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
