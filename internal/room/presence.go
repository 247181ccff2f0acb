package room

import (
	"sort"
	"time"

	"github.com/coderoomhq/coderoom/pkg/protocol"
)

// Presence tracks cursor and active-file state per participant. Updates are
// last-write-wins and purely advisory; presence never blocks an edit. The
// store holds no lock of its own: every access runs on the owning room's
// sequencer.
type Presence struct {
	participants map[string]*Participant // keyed by user ID
}

func NewPresence() *Presence {
	return &Presence{participants: make(map[string]*Participant)}
}

// Add registers a participant, replacing any previous entry for the same
// identity. It returns the replaced participant, if any.
func (pr *Presence) Add(p *Participant) (replaced *Participant) {
	replaced = pr.participants[p.UserID]
	pr.participants[p.UserID] = p
	return replaced
}

// Remove drops a participant. Removing an unknown identity is a no-op.
func (pr *Presence) Remove(userID string) (p *Participant, ok bool) {
	p, ok = pr.participants[userID]
	if ok {
		delete(pr.participants, userID)
	}
	return p, ok
}

func (pr *Presence) Get(userID string) (*Participant, bool) {
	p, ok := pr.participants[userID]
	return p, ok
}

func (pr *Presence) Count() int {
	return len(pr.participants)
}

// UpdateCursor records a participant's caret and makes path their active
// file. Unknown identities are ignored.
func (pr *Presence) UpdateCursor(userID, path string, pos CursorState, now time.Time) bool {
	p, ok := pr.participants[userID]
	if !ok {
		return false
	}
	p.ActiveFile = &path
	c := pos
	p.Cursor = &c
	p.touch(now)
	return true
}

// UpdateActiveFile records the file a participant is looking at without
// moving their cursor.
func (pr *Presence) UpdateActiveFile(userID, path string, now time.Time) bool {
	p, ok := pr.participants[userID]
	if !ok {
		return false
	}
	p.ActiveFile = &path
	p.Cursor = nil
	p.touch(now)
	return true
}

// Snapshot returns the current presence in a stable order, for replay to a
// newly joined client.
func (pr *Presence) Snapshot() []protocol.ParticipantInfo {
	out := make([]protocol.ParticipantInfo, 0, len(pr.participants))
	for _, p := range pr.participants {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
