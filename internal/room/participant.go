// Package room implements the live collaboration core: rooms, participants,
// presence, per-room broadcast, and the per-room sequencer that serializes
// every mutation of shared state.
package room

import (
	"time"

	"github.com/coderoomhq/coderoom/pkg/protocol"
	"github.com/google/uuid"
)

// Conn is the transport surface the room needs from a connection. It is
// satisfied by *transport.Connection.
type Conn interface {
	ID() uuid.UUID
	Send(msg []byte)
	Close(err error)
}

// CursorState is a participant's caret position within their active file.
type CursorState struct {
	Line   int
	Column int
}

// Participant is one connected identity's live presence within a room. It
// is exclusively owned by its room and only touched on the room's sequencer.
type Participant struct {
	protocol.Identity
	ActiveFile *string
	Cursor     *CursorState
	Conn       Conn
	JoinedAt   time.Time
	LastActive time.Time
}

func (p *Participant) touch(now time.Time) {
	p.LastActive = now
}

// info renders the participant for a presence snapshot.
func (p *Participant) info() protocol.ParticipantInfo {
	out := protocol.ParticipantInfo{
		Identity: p.Identity,
		JoinedAt: p.JoinedAt,
	}
	if p.ActiveFile != nil {
		f := *p.ActiveFile
		out.ActiveFile = &f
	}
	if p.Cursor != nil {
		out.Cursor = &protocol.CursorPos{Line: p.Cursor.Line, Column: p.Cursor.Column}
	}
	return out
}
