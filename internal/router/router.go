// Package router turns raw websocket frames into room commands. Each
// connection gets one Session, created after authentication; the session
// remembers which room the connection joined.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coderoomhq/coderoom/internal/collab"
	"github.com/coderoomhq/coderoom/internal/room"
	"github.com/coderoomhq/coderoom/pkg/protocol"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

type Router struct {
	logger     *slog.Logger
	manager    *room.Manager
	authorizer collab.Authorizer
}

func New(logger *slog.Logger, manager *room.Manager, authorizer collab.Authorizer) *Router {
	return &Router{
		logger:     logger.With(slog.String("component", "router")),
		manager:    manager,
		authorizer: authorizer,
	}
}

// Session binds one authenticated connection to its identity and, once
// `room:join` succeeds, to its room.
type Session struct {
	router   *Router
	identity protocol.Identity
	conn     room.Conn

	mu   sync.Mutex
	room *room.Room
}

func (r *Router) NewSession(identity protocol.Identity, conn room.Conn) *Session {
	return &Session{router: r, identity: identity, conn: conn}
}

func (s *Session) currentRoom() *room.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) setRoom(rm *room.Room) {
	s.mu.Lock()
	s.room = rm
	s.mu.Unlock()
}

// HandleMessage implements transport.MessageHandler. The read pump invokes
// it sequentially, so per-connection message order is preserved into the
// room's command queue.
func (s *Session) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	event := gjson.GetBytes(msg, "event").String()
	if event == "" {
		s.sendError(protocol.CodeBadRequest, "frame has no event field")
		return
	}
	payload := []byte(gjson.GetBytes(msg, "payload").Raw)

	if event == protocol.EventRoomJoin {
		s.handleJoin(ctx, payload)
		return
	}

	rm := s.currentRoom()
	if rm == nil {
		s.sendError(protocol.CodeBadRequest, "join a room before sending "+event)
		return
	}

	switch event {
	case protocol.EventCursorUpdate:
		var p protocol.CursorPayload
		if !s.decode(payload, &p, event) {
			return
		}
		rm.UpdateCursor(s.identity.UserID, p)
	case protocol.EventEdit:
		var p protocol.EditPayload
		if !s.decode(payload, &p, event) {
			return
		}
		if p.Path == "" {
			s.sendError(protocol.CodeBadRequest, "edit has no path")
			return
		}
		rm.SubmitEdit(s.identity.UserID, p)
	case protocol.EventChatMessage:
		var p protocol.ChatPayload
		if !s.decode(payload, &p, event) {
			return
		}
		if p.Text == "" {
			return
		}
		rm.Chat(s.identity.UserID, p.Text)
	case protocol.EventRunRequest:
		var p protocol.RunRequestPayload
		if !s.decode(payload, &p, event) {
			return
		}
		if p.Language == "" {
			s.sendError(protocol.CodeBadRequest, "run request has no language")
			return
		}
		rm.SubmitRun(s.identity.UserID, p)
	default:
		s.router.logger.Warn("received unknown event", slog.String("event", event), slog.String("userID", s.identity.UserID))
		s.sendError(protocol.CodeUnknownEvent, "unknown event "+event)
	}
}

func (s *Session) handleJoin(ctx context.Context, payload []byte) {
	if s.currentRoom() != nil {
		s.sendError(protocol.CodeBadRequest, "connection already joined a room")
		return
	}
	var p protocol.JoinPayload
	if !s.decode(payload, &p, protocol.EventRoomJoin) {
		return
	}
	if p.RoomToken == "" {
		s.sendError(protocol.CodeBadRequest, "join has no roomToken")
		return
	}

	allowed, err := s.router.authorizer.CanJoin(ctx, s.identity, p.RoomToken)
	if err != nil {
		s.router.logger.Error("authorizer check failed", slog.String("room", p.RoomToken), slog.Any("error", err))
		s.sendError(protocol.CodeAccessDenied, "authorization unavailable")
		return
	}
	if !allowed {
		s.router.logger.Warn("join denied",
			slog.String("userID", s.identity.UserID),
			slog.String("room", p.RoomToken),
		)
		s.sendError(protocol.CodeAccessDenied, "not authorized for this room")
		return
	}

	rm, ok := s.router.manager.Join(ctx, p.RoomToken, s.identity, s.conn)
	if !ok {
		s.sendError(protocol.CodeBadRequest, "room unavailable, retry")
		return
	}
	s.setRoom(rm)
}

// HandleClose implements transport.OnCloseHandler. A disconnect is an
// implicit leave; run requests the participant submitted keep running.
func (s *Session) HandleClose(connID uuid.UUID, err error) {
	if rm := s.currentRoom(); rm != nil {
		rm.Leave(s.identity.UserID, connID)
	}
}

func (s *Session) decode(payload []byte, into any, event string) bool {
	if len(payload) == 0 {
		s.sendError(protocol.CodeBadRequest, event+" has no payload")
		return false
	}
	if err := json.Unmarshal(payload, into); err != nil {
		s.sendError(protocol.CodeBadRequest, "malformed "+event+" payload")
		return false
	}
	return true
}

func (s *Session) sendError(code, message string) {
	frame, err := protocol.Encode(protocol.EventError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		s.router.logger.Error("failed to encode error frame", slog.Any("error", err))
		return
	}
	s.conn.Send(frame)
}
