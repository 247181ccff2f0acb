package room

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coderoomhq/coderoom/pkg/protocol"
)

const joinAttempts = 3

// Manager owns the token → room registry. Rooms are created on first join
// and collected once idle; different rooms run fully independent sequencers.
type Manager struct {
	logger *slog.Logger
	cfg    Config
	deps   Deps
	ctx    context.Context

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewManager(ctx context.Context, logger *slog.Logger, cfg Config, deps Deps) *Manager {
	return &Manager{
		logger: logger.With(slog.String("component", "room_manager")),
		cfg:    cfg,
		deps:   deps,
		ctx:    ctx,
		rooms:  make(map[string]*Room),
	}
}

// Join resolves (creating if needed) the room for token and registers the
// participant. A room collected mid-join is retried against a fresh one.
func (m *Manager) Join(ctx context.Context, token string, identity protocol.Identity, conn Conn) (*Room, bool) {
	for range joinAttempts {
		r := m.getOrCreate(token)
		if r.Join(ctx, identity, conn) {
			return r, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
	}
	m.logger.Error("failed to join room after retries", slog.String("room", token))
	return nil, false
}

func (m *Manager) getOrCreate(token string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[token]; ok && !r.Closed() {
		return r
	}
	r := newRoom(m.ctx, token, m.cfg, m.deps, m.logger, m.collect)
	m.rooms[token] = r
	go r.loop()
	m.logger.Info("room created", slog.String("room", token))
	return r
}

// collect runs on the emptied room's own sequencer. Marking the room closed
// before unlinking it guarantees no dispatch can land between the two steps.
func (m *Manager) collect(r *Room) {
	r.closed.Store(true)
	m.mu.Lock()
	if m.rooms[r.token] == r {
		delete(m.rooms, r.token)
	}
	m.mu.Unlock()
	r.cancel()
	m.logger.Info("room collected", slog.String("room", r.token))
}

// RoomCount reports the number of live rooms.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Shutdown closes every room. In-flight commands drain; nothing new is
// accepted.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	for _, r := range rooms {
		r.closed.Store(true)
		r.cancel()
	}
}
