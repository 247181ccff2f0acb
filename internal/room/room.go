package room

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coderoomhq/coderoom/internal/collab"
	"github.com/coderoomhq/coderoom/internal/ot"
	"github.com/coderoomhq/coderoom/internal/run"
	"github.com/coderoomhq/coderoom/pkg/protocol"
	"github.com/google/uuid"
)

const (
	cmdQueueDepth       = 128
	writeThroughTimeout = 5 * time.Second
	loadTimeout         = 10 * time.Second
)

type Config struct {
	OpLogDepth int
	RunTimeout time.Duration
}

// Deps are the external collaborators a room writes through to.
type Deps struct {
	Docs   collab.DocumentStore
	Events collab.EventLog
	Exec   collab.Executor
}

// docState is a document slot: either an open synchronizer or a load in
// flight with the edits that arrived meanwhile queued behind it.
type docState struct {
	sync    *ot.Synchronizer
	loading bool
	pending []pendingEdit

	// Write-through state. At most one save per document is in flight;
	// content accepted meanwhile coalesces into pendingSave so the newest
	// snapshot is always the last one persisted.
	saving      bool
	dirty       bool
	pendingSave string
}

type pendingEdit struct {
	userID  string
	payload protocol.EditPayload
}

// Room is the isolation boundary for one project's live collaboration. All
// state behind the sequencer (presence, documents, runs) is mutated only by
// the room goroutine; connection pumps and collaborator completions enqueue
// closures through Dispatch and never touch state directly.
type Room struct {
	token  string
	logger *slog.Logger
	cfg    Config
	deps   Deps

	cmds   chan func()
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	presence *Presence
	bcast    *Broadcaster
	docs     map[string]*docState
	runs     *run.Coordinator

	loadsInFlight int
	savesInFlight int
	onEmpty       func(*Room)
}

func newRoom(parent context.Context, token string, cfg Config, deps Deps, logger *slog.Logger, onEmpty func(*Room)) *Room {
	ctx, cancel := context.WithCancel(parent)
	r := &Room{
		token:    token,
		logger:   logger.With(slog.String("component", "room"), slog.String("room", token)),
		cfg:      cfg,
		deps:     deps,
		cmds:     make(chan func(), cmdQueueDepth),
		ctx:      ctx,
		cancel:   cancel,
		presence: NewPresence(),
		docs:     make(map[string]*docState),
		onEmpty:  onEmpty,
	}
	r.bcast = NewBroadcaster(r.logger)
	r.runs = run.NewCoordinator(
		r.logger,
		token,
		deps.Exec,
		cfg.RunTimeout,
		// Run transitions can satisfy the idle condition (last participant
		// already gone, final run settling), so re-check after each one.
		func(fn func()) bool {
			return r.Dispatch(func() {
				fn()
				r.maybeCollect()
			})
		},
		func(event string, payload any) { r.bcast.Broadcast(event, payload, "") },
		r.appendEvent,
	)
	return r
}

func (r *Room) Token() string { return r.token }

// Closed reports whether the room has been garbage-collected and accepts no
// further work.
func (r *Room) Closed() bool { return r.closed.Load() }

// Dispatch enqueues fn onto the room sequencer. It returns false once the
// room is closed; callers then re-resolve the room through the manager.
func (r *Room) Dispatch(fn func()) bool {
	if r.closed.Load() {
		return false
	}
	select {
	case r.cmds <- fn:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// loop processes commands one at a time. After cancellation it drains what
// is already queued, then stops the run coordinator's timers.
func (r *Room) loop() {
	r.logger.Info("room started")
	defer r.logger.Info("room stopped")
	for {
		select {
		case fn := <-r.cmds:
			fn()
		case <-r.ctx.Done():
			for {
				select {
				case fn := <-r.cmds:
					fn()
				default:
					r.runs.Shutdown()
					return
				}
			}
		}
	}
}

// Join registers the participant and blocks until the sequencer has
// processed it. It returns false when the room was collected concurrently;
// the caller retries against a fresh room.
func (r *Room) Join(ctx context.Context, identity protocol.Identity, conn Conn) bool {
	res := make(chan bool, 1)
	ok := r.Dispatch(func() {
		if r.closed.Load() {
			res <- false
			return
		}
		r.handleJoin(identity, conn)
		res <- true
	})
	if !ok {
		return false
	}
	select {
	case v := <-res:
		return v
	case <-r.ctx.Done():
		// The sequencer is tearing down; the closure may already be queued
		// but will never run. A result that raced in still counts.
		select {
		case v := <-res:
			return v
		default:
			return false
		}
	case <-ctx.Done():
		return false
	}
}

// Leave removes the participant bound to connID. It is idempotent: leaving
// twice, leaving without joining, or a stale connection's close racing a
// rejoin all reduce to no-ops.
func (r *Room) Leave(userID string, connID uuid.UUID) {
	r.Dispatch(func() { r.handleLeave(userID, connID) })
}

func (r *Room) SubmitEdit(userID string, p protocol.EditPayload) bool {
	return r.Dispatch(func() { r.handleEdit(userID, p) })
}

func (r *Room) UpdateCursor(userID string, p protocol.CursorPayload) bool {
	return r.Dispatch(func() { r.handleCursor(userID, p) })
}

func (r *Room) Chat(userID string, text string) bool {
	return r.Dispatch(func() { r.handleChat(userID, text) })
}

func (r *Room) SubmitRun(userID string, p protocol.RunRequestPayload) bool {
	return r.Dispatch(func() { r.handleRun(userID, p) })
}

// --- sequencer-side handlers ---

func (r *Room) handleJoin(identity protocol.Identity, conn Conn) {
	now := time.Now()
	p := &Participant{Identity: identity, Conn: conn, JoinedAt: now, LastActive: now}

	if old := r.presence.Add(p); old != nil && old.Conn != nil && old.Conn.ID() != conn.ID() {
		// One participant per (room, identity): a rejoin supersedes the
		// previous connection.
		old.Conn.Close(errors.New("superseded by a new connection for the same identity"))
	}
	r.bcast.Attach(identity.UserID, conn)

	// Snapshot reply to the joiner, presence delta to everyone else —
	// always in the same logical step.
	r.sendTo(conn, protocol.EventRoomUsers, protocol.RoomUsersPayload{Participants: r.presence.Snapshot()})
	r.bcast.Broadcast(protocol.EventUserJoined, protocol.PresencePayload{Identity: identity}, identity.UserID)

	r.appendEvent(collab.SessionEvent{
		ID:        uuid.New().String(),
		Type:      collab.EventTypePresence,
		RoomToken: r.token,
		UserID:    identity.UserID,
		At:        now,
		Data:      map[string]any{"transition": "join", "displayName": identity.DisplayName},
	})
	r.logger.Info("participant joined", slog.String("userID", identity.UserID))
}

func (r *Room) handleLeave(userID string, connID uuid.UUID) {
	p, ok := r.presence.Get(userID)
	if !ok {
		return
	}
	if connID != uuid.Nil && p.Conn != nil && p.Conn.ID() != connID {
		// A stale connection closing after its identity already rejoined.
		return
	}
	r.presence.Remove(userID)
	r.bcast.Detach(userID)
	r.bcast.Broadcast(protocol.EventUserLeft, protocol.PresencePayload{Identity: p.Identity}, "")

	r.appendEvent(collab.SessionEvent{
		ID:        uuid.New().String(),
		Type:      collab.EventTypePresence,
		RoomToken: r.token,
		UserID:    userID,
		At:        time.Now(),
		Data:      map[string]any{"transition": "leave"},
	})
	r.logger.Info("participant left", slog.String("userID", userID))
	r.maybeCollect()
}

func (r *Room) handleCursor(userID string, payload protocol.CursorPayload) {
	pos := CursorState{Line: payload.Position.Line, Column: payload.Position.Column}
	if !r.presence.UpdateCursor(userID, payload.Path, pos, time.Now()) {
		return
	}
	p, _ := r.presence.Get(userID)
	r.bcast.Broadcast(protocol.EventCursorUpdate, protocol.CursorBroadcast{
		Identity: p.Identity,
		Path:     payload.Path,
		Position: payload.Position,
	}, userID)
}

func (r *Room) handleChat(userID string, text string) {
	p, ok := r.presence.Get(userID)
	if !ok {
		return
	}
	now := time.Now()
	p.touch(now)
	r.bcast.Broadcast(protocol.EventChatMessage, protocol.ChatBroadcast{
		Identity: p.Identity,
		Text:     text,
		SentAt:   now,
	}, userID)

	r.appendEvent(collab.SessionEvent{
		ID:        uuid.New().String(),
		Type:      collab.EventTypeChat,
		RoomToken: r.token,
		UserID:    userID,
		At:        now,
		Data:      map[string]any{"text": text},
	})
}

func (r *Room) handleRun(userID string, payload protocol.RunRequestPayload) {
	p, ok := r.presence.Get(userID)
	if !ok {
		return
	}
	p.touch(time.Now())
	req := r.runs.Submit(p.Identity, payload)
	r.logger.Info("run request submitted",
		slog.String("userID", userID),
		slog.String("requestID", req.ID),
		slog.String("language", req.Language),
	)
}

func (r *Room) handleEdit(userID string, payload protocol.EditPayload) {
	p, ok := r.presence.Get(userID)
	if !ok {
		return
	}

	st := r.docs[payload.Path]
	if st == nil {
		// Lazy open: start the single-flight content load and queue the
		// edit behind it.
		st = &docState{loading: true}
		r.docs[payload.Path] = st
		st.pending = append(st.pending, pendingEdit{userID: userID, payload: payload})
		r.loadDocument(payload.Path)
		return
	}
	if st.loading {
		st.pending = append(st.pending, pendingEdit{userID: userID, payload: payload})
		return
	}
	r.applyEdit(st, p, payload)
}

func (r *Room) applyEdit(st *docState, p *Participant, payload protocol.EditPayload) {
	op, err := opFromWire(payload.Operation)
	if err != nil {
		r.sendError(p.Conn, protocol.CodeBadRequest, err.Error())
		return
	}

	applied, err := st.sync.Submit(op, payload.ClaimedVersion, p.UserID)
	if err != nil {
		switch {
		case errors.Is(err, ot.ErrVersionTooStale):
			r.sendError(p.Conn, protocol.CodeVersionTooStale, "history exhausted; refetch document content and resubmit")
		case errors.Is(err, ot.ErrInvalidVersion):
			r.logger.Warn("edit claimed a future version",
				slog.String("userID", p.UserID),
				slog.String("path", payload.Path),
				slog.Int64("claimed", payload.ClaimedVersion),
			)
			r.sendError(p.Conn, protocol.CodeInvalidVersion, "claimed version is ahead of the document")
		default:
			r.sendError(p.Conn, protocol.CodeBadRequest, err.Error())
		}
		return
	}

	now := time.Now()
	p.touch(now)
	r.bcast.Broadcast(protocol.EventEdit, protocol.EditBroadcast{
		Path:      payload.Path,
		Operation: opToWire(applied.Op),
		Version:   applied.Version,
		UserID:    p.UserID,
	}, p.UserID)

	r.saveDocument(payload.Path, st, applied.Content)
	r.appendEvent(collab.SessionEvent{
		ID:        uuid.New().String(),
		Type:      collab.EventTypeEdit,
		RoomToken: r.token,
		UserID:    p.UserID,
		At:        now,
		Data: map[string]any{
			"path":      payload.Path,
			"operation": applied.Op.String(),
			"version":   applied.Version,
		},
	})
}

// loadDocument fetches initial content off the sequencer and re-enters with
// the result.
func (r *Room) loadDocument(path string) {
	r.loadsInFlight++
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()
		content, err := r.deps.Docs.Load(ctx, r.token, path)
		r.Dispatch(func() { r.docLoaded(path, content, err) })
	}()
}

func (r *Room) docLoaded(path, content string, err error) {
	r.loadsInFlight--
	st := r.docs[path]
	if st == nil {
		return
	}
	if err != nil {
		r.logger.Error("failed to load document", slog.String("path", path), slog.Any("error", err))
		for _, pe := range st.pending {
			if p, ok := r.presence.Get(pe.userID); ok {
				r.sendError(p.Conn, protocol.CodeBadRequest, "document unavailable: "+path)
			}
		}
		// Drop the slot so a later edit retries the load.
		delete(r.docs, path)
		r.maybeCollect()
		return
	}

	st.sync = ot.NewSynchronizer(path, content, r.cfg.OpLogDepth)
	st.loading = false
	pending := st.pending
	st.pending = nil
	for _, pe := range pending {
		if p, ok := r.presence.Get(pe.userID); ok {
			r.applyEdit(st, p, pe.payload)
		}
	}
	r.maybeCollect()
}

// maybeCollect hands the room back to the manager once nothing is live:
// no participants, no loads or saves in flight, no run awaiting completion.
func (r *Room) maybeCollect() {
	if r.onEmpty == nil {
		return
	}
	if r.presence.Count() == 0 && r.loadsInFlight == 0 && r.savesInFlight == 0 && r.runs.Pending() == 0 {
		r.onEmpty(r)
	}
}

// --- write-through helpers (asynchronous, best-effort) ---

// saveDocument persists the materialized content without blocking the
// sequencer. A failed save is logged, never rolled back: the live room is
// the session's source of truth. Saves for one document never overlap, so
// an older snapshot can never land after a newer one.
func (r *Room) saveDocument(path string, st *docState, content string) {
	if st.saving {
		st.pendingSave = content
		st.dirty = true
		return
	}
	st.saving = true
	r.savesInFlight++
	go r.writeThrough(path, content)
}

func (r *Room) writeThrough(path, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeThroughTimeout)
	defer cancel()
	if err := r.deps.Docs.Save(ctx, r.token, path, content); err != nil {
		r.logger.Warn("document write-through failed", slog.String("path", path), slog.Any("error", err))
	}
	r.Dispatch(func() { r.saveDone(path) })
}

func (r *Room) saveDone(path string) {
	r.savesInFlight--
	st := r.docs[path]
	if st == nil {
		r.maybeCollect()
		return
	}
	st.saving = false
	if st.dirty {
		content := st.pendingSave
		st.dirty = false
		st.pendingSave = ""
		st.saving = true
		r.savesInFlight++
		go r.writeThrough(path, content)
		return
	}
	r.maybeCollect()
}

func (r *Room) appendEvent(ev collab.SessionEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeThroughTimeout)
		defer cancel()
		if err := r.deps.Events.Append(ctx, r.token, ev); err != nil {
			r.logger.Warn("event log append failed", slog.String("type", ev.Type), slog.Any("error", err))
		}
	}()
}

func (r *Room) sendTo(conn Conn, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.logger.Error("failed to encode reply", slog.String("event", event), slog.Any("error", err))
		return
	}
	conn.Send(frame)
}

// sendError reports a rejection to the originating connection only.
func (r *Room) sendError(conn Conn, code, message string) {
	if conn == nil {
		return
	}
	r.sendTo(conn, protocol.EventError, protocol.ErrorPayload{Code: code, Message: message})
}
