package server

import (
	"sync"
	"time"

	"github.com/coderoomhq/coderoom/pkg/transport"
	"github.com/google/uuid"
)

type connEntry struct {
	conn      *transport.Connection
	createdAt time.Time
}

// connRegistry tracks live transport connections per user, for the
// connection limiter and graceful shutdown.
type connRegistry struct {
	mu     sync.Mutex
	byUser map[string]map[uuid.UUID]connEntry
}

func newConnRegistry() *connRegistry {
	return &connRegistry{byUser: make(map[string]map[uuid.UUID]connEntry)}
}

func (g *connRegistry) add(userID string, c *transport.Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	conns, ok := g.byUser[userID]
	if !ok {
		conns = make(map[uuid.UUID]connEntry)
		g.byUser[userID] = conns
	}
	conns[c.ID()] = connEntry{conn: c, createdAt: time.Now()}
}

func (g *connRegistry) remove(userID string, connID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	conns, ok := g.byUser[userID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(g.byUser, userID)
	}
}

func (g *connRegistry) count(userID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byUser[userID])
}

func (g *connRegistry) oldest(userID string) (*transport.Connection, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var best connEntry
	found := false
	for _, e := range g.byUser[userID] {
		if !found || e.createdAt.Before(best.createdAt) {
			best = e
			found = true
		}
	}
	return best.conn, found
}

func (g *connRegistry) all() []*transport.Connection {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*transport.Connection
	for _, conns := range g.byUser {
		for _, e := range conns {
			out = append(out, e.conn)
		}
	}
	return out
}
