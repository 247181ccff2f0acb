package run_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/coderoomhq/coderoom/internal/collab"
	"github.com/coderoomhq/coderoom/internal/run"
	"github.com/coderoomhq/coderoom/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// capture stands in for the room: a synchronous dispatch plus mutex-guarded
// records of everything the coordinator broadcast or logged. Timer firings
// arrive on their own goroutine, so the mutex is load-bearing.
type capture struct {
	mu     sync.Mutex
	events []capturedEvent
	logged []collab.SessionEvent
}

type capturedEvent struct {
	event   string
	payload any
}

func (c *capture) dispatch(fn func()) bool {
	fn()
	return true
}

func (c *capture) broadcast(event string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{event: event, payload: payload})
}

func (c *capture) record(ev collab.SessionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logged = append(c.logged, ev)
}

func (c *capture) completions() []protocol.RunCompletedPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.RunCompletedPayload
	for _, e := range c.events {
		if e.event == protocol.EventRunCompleted {
			out = append(out, e.payload.(protocol.RunCompletedPayload))
		}
	}
	return out
}

func (c *capture) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type manualExecutor struct {
	mu    sync.Mutex
	err   error
	dones []func(collab.Outcome)
}

func (e *manualExecutor) Submit(ctx context.Context, job collab.Job, done func(collab.Outcome)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.dones = append(e.dones, done)
	return nil
}

func (e *manualExecutor) completeLast(out collab.Outcome) {
	e.mu.Lock()
	done := e.dones[len(e.dones)-1]
	e.mu.Unlock()
	done(out)
}

func newCoordinator(timeout time.Duration, exec collab.Executor, cap *capture) *run.Coordinator {
	return run.NewCoordinator(newTestLogger(), "r1", exec, timeout, cap.dispatch, cap.broadcast, cap.record)
}

var submitter = protocol.Identity{UserID: "alice", DisplayName: "Alice"}

func TestSubmitAnnouncesThenCompletes(t *testing.T) {
	cap := &capture{}
	exec := &manualExecutor{}
	c := newCoordinator(time.Second, exec, cap)

	req := c.Submit(submitter, protocol.RunRequestPayload{Language: "python", Code: "print(1)"})
	require.Equal(t, run.StateRunning, req.State)
	require.Equal(t, 1, cap.count(protocol.EventRunStarted))
	require.Equal(t, 1, c.Pending())

	exec.completeLast(collab.Outcome{Succeeded: true, Output: "1\n"})
	completions := cap.completions()
	require.Len(t, completions, 1)
	assert.Equal(t, req.ID, completions[0].RequestID)
	assert.Equal(t, "succeeded", completions[0].Status)
	assert.Equal(t, "1\n", completions[0].Output)
	assert.Empty(t, completions[0].Code)
	assert.Zero(t, c.Pending())
	assert.Equal(t, run.StateSucceeded, req.State)
	assert.False(t, req.CompletedAt.IsZero())
}

func TestExecutorRejectionFailsImmediately(t *testing.T) {
	cap := &capture{}
	exec := &manualExecutor{err: context.DeadlineExceeded}
	c := newCoordinator(time.Second, exec, cap)

	req := c.Submit(submitter, protocol.RunRequestPayload{Language: "go", Code: "x"})
	completions := cap.completions()
	require.Len(t, completions, 1)
	assert.Equal(t, "failed", completions[0].Status)
	assert.Contains(t, completions[0].Error, "executor rejected job")
	assert.Equal(t, run.StateFailed, req.State)
	assert.Zero(t, c.Pending())
}

func TestTimeoutFailsClosedExactlyOnce(t *testing.T) {
	cap := &capture{}
	exec := &manualExecutor{}
	c := newCoordinator(20*time.Millisecond, exec, cap)

	req := c.Submit(submitter, protocol.RunRequestPayload{Language: "go", Code: "x"})
	require.Eventually(t, func() bool { return len(cap.completions()) == 1 }, time.Second, 5*time.Millisecond)

	completions := cap.completions()
	assert.Equal(t, req.ID, completions[0].RequestID)
	assert.Equal(t, "failed", completions[0].Status)
	assert.Equal(t, "execution timed out", completions[0].Error)
	assert.Equal(t, protocol.CodeRunTimeout, completions[0].Code)
	assert.Zero(t, c.Pending())

	// The executor reporting back after expiry must not re-open the request.
	exec.completeLast(collab.Outcome{Succeeded: true, Output: "late"})
	assert.Len(t, cap.completions(), 1)
	assert.Equal(t, run.StateFailed, req.State)
}

func TestCompletionStopsSupervisingTimer(t *testing.T) {
	cap := &capture{}
	exec := &manualExecutor{}
	c := newCoordinator(20*time.Millisecond, exec, cap)

	c.Submit(submitter, protocol.RunRequestPayload{Language: "go", Code: "x"})
	exec.completeLast(collab.Outcome{Succeeded: true})

	time.Sleep(50 * time.Millisecond)
	completions := cap.completions()
	require.Len(t, completions, 1)
	assert.Equal(t, "succeeded", completions[0].Status)
}

func TestShutdownStopsTimers(t *testing.T) {
	cap := &capture{}
	exec := &manualExecutor{}
	c := newCoordinator(20*time.Millisecond, exec, cap)

	c.Submit(submitter, protocol.RunRequestPayload{Language: "go", Code: "x"})
	c.Shutdown()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, cap.completions())
}

func TestTransitionsAreRecorded(t *testing.T) {
	cap := &capture{}
	exec := &manualExecutor{}
	c := newCoordinator(time.Second, exec, cap)

	c.Submit(submitter, protocol.RunRequestPayload{Language: "go", Code: "x"})
	exec.completeLast(collab.Outcome{Succeeded: true})

	cap.mu.Lock()
	defer cap.mu.Unlock()
	require.Len(t, cap.logged, 2)
	for _, ev := range cap.logged {
		assert.Equal(t, collab.EventTypeRun, ev.Type)
		assert.Equal(t, "alice", ev.UserID)
		assert.Equal(t, "r1", ev.RoomToken)
	}
	assert.Equal(t, "pending", cap.logged[0].Data["state"])
	assert.Equal(t, "succeeded", cap.logged[1].Data["state"])
}
