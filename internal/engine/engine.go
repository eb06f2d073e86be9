package engine

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/victornm/couplequiz/internal/domain"
	"github.com/victornm/couplequiz/internal/errors"
	"github.com/victornm/couplequiz/internal/event"
	"github.com/victornm/couplequiz/internal/reaper"
	"github.com/victornm/couplequiz/internal/telemetry"
)

const (
	defaultStartDelay  = 1500 * time.Millisecond
	defaultGracePeriod = 3 * time.Second
	defaultRetry       = time.Second
	maxRetryShift      = 5
	opTimeout          = 10 * time.Second
)

var ErrClosed = stderrors.New("engine: closed")

// SessionStore is the durable source of truth for sessions.
type SessionStore interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	Save(ctx context.Context, ss *domain.Session) error
}

// Manager is the part of the session manager the engine relies on.
type Manager interface {
	Template(ctx context.Context, quizID string) (*domain.Template, error)
	Couple(ctx context.Context, coupleID string) (domain.Couple, error)
	SaveResult(ctx context.Context, ss *domain.Session) (*domain.Result, error)
}

// CleanupQueue makes pending room-cleanup checks survive a restart.
type CleanupQueue interface {
	Schedule(ctx context.Context, sessionID string, deadline time.Time) error
	Cancel(ctx context.Context, sessionID string) error
	Pending(ctx context.Context) ([]reaper.Check, error)
}

type Config struct {
	Sessions SessionStore
	Manager  Manager
	// Cleanup is optional, without it pending checks are lost on restart.
	Cleanup  CleanupQueue
	EventBus *event.Bus

	// StartDelay is the pause between "quiz-generating" and "quiz-start".
	StartDelay time.Duration
	// GracePeriod is how long an empty room waits before its session is cancelled.
	GracePeriod time.Duration
	// RetryInterval is the first pause before a failed session or result write is tried again. It doubles per attempt.
	RetryInterval time.Duration

	Now func() time.Time
}

// Engine coordinates the realtime rooms of quiz sessions.
//
// Every session is served by one room goroutine that processes join, answer, disconnect and timer events one at a time,
// so there is at most one mutation in flight per session while different sessions run in parallel.
// Rooms and the connection registry live in memory only: after a restart connected clients are gone and in-progress
// sessions stay orphaned until a participant joins again.
type Engine struct {
	sessions SessionStore
	manager  Manager
	cleanup  CleanupQueue
	eb       *event.Bus

	startDelay time.Duration
	grace      time.Duration
	retry      time.Duration
	now        func() time.Time

	seq atomic.Uint64

	mu     sync.Mutex
	rooms  map[string]*room
	conns  map[string]string // connection ID -> session ID
	closed bool
	wg     sync.WaitGroup
}

func New(c Config) *Engine {
	e := &Engine{
		sessions:   c.Sessions,
		manager:    c.Manager,
		cleanup:    c.Cleanup,
		eb:         c.EventBus,
		startDelay: c.StartDelay,
		grace:      c.GracePeriod,
		retry:      c.RetryInterval,
		now:        c.Now,
		rooms:      make(map[string]*room),
		conns:      make(map[string]string),
	}

	if e.startDelay <= 0 {
		e.startDelay = defaultStartDelay
	}
	if e.grace <= 0 {
		e.grace = defaultGracePeriod
	}
	if e.retry <= 0 {
		e.retry = defaultRetry
	}
	if e.now == nil {
		e.now = time.Now
	}

	return e
}

// Join adds conn to the room of a session on behalf of a participant.
func (e *Engine) Join(ctx context.Context, conn Conn, sessionID, participantID string) error {
	sessionID, participantID = strings.TrimSpace(sessionID), strings.TrimSpace(participantID)
	if sessionID == "" || participantID == "" {
		return errors.InvalidArgument("session and participant are required")
	}

	e.mu.Lock()
	if joined, ok := e.conns[conn.ID()]; ok {
		e.mu.Unlock()
		if joined == sessionID {
			return nil
		}
		return errors.FailedPrecondition("connection already joined session %s", joined)
	}
	e.conns[conn.ID()] = sessionID
	e.mu.Unlock()

	err := e.do(ctx, sessionID, func(ctx context.Context, r *room) error {
		return r.join(ctx, conn, participantID)
	})
	if err != nil {
		e.forget(conn.ID(), sessionID)
		return err
	}

	telemetry.ConnectionsActive.Inc()
	return nil
}

// Answer records an answer for the participant bound to conn.
// Answers that arrive for a finished session or a participant who is done with the stage are ignored.
func (e *Engine) Answer(ctx context.Context, conn Conn, a Answer) error {
	sessionID, ok := e.sessionOf(conn.ID())
	if !ok {
		return errors.FailedPrecondition("join a session first")
	}

	return e.do(ctx, sessionID, func(ctx context.Context, r *room) error {
		return r.answer(ctx, conn, a)
	})
}

// Disconnect removes a closed connection from its room. Unknown connections are ignored.
func (e *Engine) Disconnect(ctx context.Context, conn Conn) {
	e.mu.Lock()
	sessionID, ok := e.conns[conn.ID()]
	delete(e.conns, conn.ID())
	e.mu.Unlock()

	if !ok {
		return
	}
	telemetry.ConnectionsActive.Dec()

	err := e.do(ctx, sessionID, func(ctx context.Context, r *room) error {
		r.leave(ctx, conn)
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "engine: disconnect failed", "session", sessionID, "error", err)
	}
}

// Leave cancels the session conn is joined to.
func (e *Engine) Leave(ctx context.Context, conn Conn) error {
	sessionID, ok := e.sessionOf(conn.ID())
	if !ok {
		return errors.FailedPrecondition("join a session first")
	}

	_, err := e.Cancel(ctx, sessionID)
	return err
}

// Cancel moves a waiting or in-progress session to cancelled. Terminal sessions are returned unchanged.
func (e *Engine) Cancel(ctx context.Context, sessionID string) (*domain.Session, error) {
	var ss domain.Session
	err := e.do(ctx, sessionID, func(ctx context.Context, r *room) error {
		if err := r.load(ctx); err != nil {
			return err
		}
		r.cancel(ctx)
		ss = r.state()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &ss, nil
}

// Recover replays cleanup checks recorded before a restart: overdue ones run now, the others are rescheduled.
func (e *Engine) Recover(ctx context.Context) error {
	if e.cleanup == nil {
		return nil
	}

	checks, err := e.cleanup.Pending(ctx)
	if err != nil {
		return err
	}

	for _, c := range checks {
		remaining := c.Deadline.Sub(e.now())
		err := e.do(ctx, c.SessionID, func(ctx context.Context, r *room) error {
			if remaining <= 0 {
				r.cleanupGen = e.seq.Add(1)
				r.checkEmpty(ctx, r.cleanupGen)
				return nil
			}
			r.scheduleCleanup(ctx, remaining)
			return nil
		})
		if err != nil {
			slog.ErrorContext(ctx, "engine: recover cleanup failed", "session", c.SessionID, "error", err)
		}
	}

	slog.InfoContext(ctx, "engine: recovered pending cleanups", "count", len(checks))
	return nil
}

// Close stops every room and pending timer. A room with unsaved state gets one last write attempt.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, r := range e.rooms {
		close(r.stop)
	}
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Engine) sessionOf(connID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.conns[connID]
	return id, ok
}

func (e *Engine) forget(connID, sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conns[connID] == sessionID {
		delete(e.conns, connID)
	}
}

// do runs fn on the room of a session and waits for its result.
func (e *Engine) do(ctx context.Context, sessionID string, fn func(ctx context.Context, r *room) error) error {
	errc := make(chan error, 1)

	ok := e.submit(sessionID, func(r *room) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
		defer cancel()
		errc <- fn(ctx, r)
	})
	if !ok {
		return ErrClosed
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit queues op on the room of a session, starting the room if needed.
func (e *Engine) submit(sessionID string, op func(r *room)) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}

	r, ok := e.rooms[sessionID]
	if !ok {
		r = newRoom(e, sessionID)
		e.rooms[sessionID] = r
		e.wg.Add(1)
		telemetry.RoomsActive.Inc()
		go r.run()
	}
	r.pending++
	e.mu.Unlock()

	select {
	case r.ops <- op:
		return true
	case <-r.stop:
		return false
	}
}

// release is called by a room after each op. It removes the room once it has nothing left to do.
func (e *Engine) release(r *room) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	r.pending--
	if r.pending > 0 || !r.idle() {
		return false
	}

	if e.rooms[r.id] == r {
		delete(e.rooms, r.id)
	}
	telemetry.RoomsActive.Dec()
	return true
}
