// Package collab holds the interfaces to the platform services the
// collaboration core consults but does not own: authorization, document
// persistence, the durable event log, and code execution. The core only
// ever talks to these interfaces; concrete backends are wired at startup.
package collab

import (
	"context"
	"time"

	"github.com/coderoomhq/coderoom/pkg/protocol"
)

// Authorizer answers the single capability question the core asks: may this
// identity join this room.
type Authorizer interface {
	CanJoin(ctx context.Context, identity protocol.Identity, roomToken string) (bool, error)
}

// DocumentStore persists materialized document content. Load returns an
// empty string for a document that does not exist yet.
type DocumentStore interface {
	Load(ctx context.Context, roomToken, path string) (string, error)
	Save(ctx context.Context, roomToken, path, content string) error
}

// SessionEvent is the durable record of one edit/chat/run/presence
// transition, written through to the event log for audit.
type SessionEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	RoomToken string         `json:"roomToken"`
	UserID    string         `json:"userId"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

// Session event types.
const (
	EventTypeEdit     = "edit"
	EventTypeChat     = "chat"
	EventTypeRun      = "run"
	EventTypePresence = "presence"
)

// EventLog appends session events durably. The core never reads them back.
type EventLog interface {
	Append(ctx context.Context, roomToken string, ev SessionEvent) error
}

// Job is a code-execution request handed to the executor.
type Job struct {
	RequestID string `json:"requestId"`
	RoomToken string `json:"roomToken"`
	UserID    string `json:"userId"`
	Language  string `json:"language"`
	Code      string `json:"code"`
	Stdin     string `json:"stdin,omitempty"`
}

// Outcome is the executor's verdict on a job.
type Outcome struct {
	Succeeded bool
	Output    string
	Error     string
}

// Executor runs a job asynchronously and invokes done exactly once with the
// outcome. Submit itself must not block on the execution.
type Executor interface {
	Submit(ctx context.Context, job Job, done func(Outcome)) error
}
