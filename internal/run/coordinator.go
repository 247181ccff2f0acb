// Package run tracks the life-cycle of code-execution requests originating
// inside a room and relays their state transitions back into the room's
// event stream.
package run

import (
	"context"
	"log/slog"
	"time"

	"github.com/coderoomhq/coderoom/internal/collab"
	"github.com/coderoomhq/coderoom/pkg/protocol"
	"github.com/google/uuid"
)

// State of a run request.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Request is one asynchronous code-execution job tracked within a room.
type Request struct {
	ID          string
	Submitter   protocol.Identity
	Language    string
	Code        string
	Stdin       string
	State       State
	Output      string
	Error       string
	ErrorCode   string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Coordinator bridges the external executor into a room. All of its methods
// run on the owning room's sequencer; executor completions and timeout
// firings re-enter the sequencer through the dispatch callback, so every
// request reaches a terminal state exactly once.
type Coordinator struct {
	logger    *slog.Logger
	roomToken string
	exec      collab.Executor
	timeout   time.Duration

	// dispatch schedules fn onto the room sequencer. It returns false when
	// the room is gone, in which case the transition is dropped.
	dispatch  func(fn func()) bool
	broadcast func(event string, payload any)
	record    func(ev collab.SessionEvent)

	pending map[string]*Request
	timers  map[string]*time.Timer
}

func NewCoordinator(
	logger *slog.Logger,
	roomToken string,
	exec collab.Executor,
	timeout time.Duration,
	dispatch func(fn func()) bool,
	broadcast func(event string, payload any),
	record func(ev collab.SessionEvent),
) *Coordinator {
	return &Coordinator{
		logger:    logger.With(slog.String("component", "run_coordinator")),
		roomToken: roomToken,
		exec:      exec,
		timeout:   timeout,
		dispatch:  dispatch,
		broadcast: broadcast,
		record:    record,
		pending:   make(map[string]*Request),
		timers:    make(map[string]*time.Timer),
	}
}

// Pending reports how many requests have not reached a terminal state.
func (c *Coordinator) Pending() int {
	return len(c.pending)
}

// Submit creates a run request, announces it to the room, and hands the job
// to the executor. The room never waits on the execution itself: a
// supervising timer fails the request closed if no completion arrives.
func (c *Coordinator) Submit(submitter protocol.Identity, p protocol.RunRequestPayload) *Request {
	req := &Request{
		ID:        uuid.New().String(),
		Submitter: submitter,
		Language:  p.Language,
		Code:      p.Code,
		Stdin:     p.Stdin,
		State:     StatePending,
		CreatedAt: time.Now(),
	}
	c.pending[req.ID] = req

	c.broadcast(protocol.EventRunStarted, protocol.RunStartedPayload{
		RequestID: req.ID,
		UserID:    submitter.UserID,
		Language:  req.Language,
	})
	c.record(collab.SessionEvent{
		ID:        uuid.New().String(),
		Type:      collab.EventTypeRun,
		RoomToken: c.roomToken,
		UserID:    submitter.UserID,
		At:        req.CreatedAt,
		Data:      map[string]any{"requestId": req.ID, "state": string(StatePending), "language": req.Language},
	})

	job := collab.Job{
		RequestID: req.ID,
		RoomToken: c.roomToken,
		UserID:    submitter.UserID,
		Language:  req.Language,
		Code:      req.Code,
		Stdin:     req.Stdin,
	}
	err := c.exec.Submit(context.Background(), job, func(out collab.Outcome) {
		if !c.dispatch(func() { c.complete(req.ID, out) }) {
			c.logger.Warn("dropped execution completion for closed room", slog.String("requestID", req.ID))
		}
	})
	if err != nil {
		c.logger.Error("executor rejected job", slog.String("requestID", req.ID), slog.Any("error", err))
		c.complete(req.ID, collab.Outcome{Succeeded: false, Error: "executor rejected job: " + err.Error()})
		return req
	}

	req.State = StateRunning
	c.timers[req.ID] = time.AfterFunc(c.timeout, func() {
		c.dispatch(func() { c.expire(req.ID) })
	})
	return req
}

// complete transitions a request to its terminal state. A request already
// expired or completed is left alone, which is what makes the completion
// broadcast exactly-once.
func (c *Coordinator) complete(requestID string, out collab.Outcome) {
	req, ok := c.pending[requestID]
	if !ok {
		return
	}
	c.settle(req)

	if out.Succeeded {
		req.State = StateSucceeded
	} else {
		req.State = StateFailed
	}
	req.Output = out.Output
	req.Error = out.Error
	c.finish(req)
}

// expire fires when the executor never reported back within the bound.
func (c *Coordinator) expire(requestID string) {
	req, ok := c.pending[requestID]
	if !ok {
		return
	}
	c.settle(req)

	c.logger.Warn("run request timed out", slog.String("requestID", requestID), slog.Duration("timeout", c.timeout))
	req.State = StateFailed
	req.Error = "execution timed out"
	req.ErrorCode = protocol.CodeRunTimeout
	c.finish(req)
}

func (c *Coordinator) settle(req *Request) {
	delete(c.pending, req.ID)
	if t, ok := c.timers[req.ID]; ok {
		t.Stop()
		delete(c.timers, req.ID)
	}
	req.CompletedAt = time.Now()
}

func (c *Coordinator) finish(req *Request) {
	c.broadcast(protocol.EventRunCompleted, protocol.RunCompletedPayload{
		RequestID: req.ID,
		Status:    string(req.State),
		Output:    req.Output,
		Error:     req.Error,
		Code:      req.ErrorCode,
	})
	c.record(collab.SessionEvent{
		ID:        uuid.New().String(),
		Type:      collab.EventTypeRun,
		RoomToken: c.roomToken,
		UserID:    req.Submitter.UserID,
		At:        req.CompletedAt,
		Data: map[string]any{
			"requestId": req.ID,
			"state":     string(req.State),
			"error":     req.Error,
		},
	})
}

// Shutdown stops all supervising timers. Outstanding requests get no
// further transitions; the room owning this coordinator is gone.
func (c *Coordinator) Shutdown() {
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}
