package room

import (
	"log/slog"

	"github.com/coderoomhq/coderoom/pkg/protocol"
)

// Broadcaster fans events out to a room's participants, optionally skipping
// the originator. It is owned by exactly one room and invoked only from that
// room's sequencer, so fan-out order matches acceptance order; each
// connection's buffered send queue preserves that order per recipient.
type Broadcaster struct {
	logger *slog.Logger
	sinks  map[string]Conn // keyed by user ID
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger.With(slog.String("component", "broadcaster")),
		sinks:  make(map[string]Conn),
	}
}

// Attach registers a recipient, replacing any previous sink for the user.
func (b *Broadcaster) Attach(userID string, c Conn) {
	b.sinks[userID] = c
}

// Detach removes a recipient. Detaching an unknown user is a no-op, and a
// detached participant simply never receives in-flight events (at-most-once
// delivery, no queueing across disconnects).
func (b *Broadcaster) Detach(userID string) {
	delete(b.sinks, userID)
}

// Broadcast encodes the event once and delivers it to every attached
// recipient except excludeUserID (pass "" to deliver to everyone).
func (b *Broadcaster) Broadcast(event string, payload any, excludeUserID string) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		b.logger.Error("failed to encode broadcast", slog.String("event", event), slog.Any("error", err))
		return
	}
	for userID, sink := range b.sinks {
		if userID == excludeUserID {
			continue
		}
		sink.Send(frame)
	}
}
