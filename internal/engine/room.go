package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/victornm/couplequiz/internal/domain"
	"github.com/victornm/couplequiz/internal/errors"
	"github.com/victornm/couplequiz/internal/score"
	"github.com/victornm/couplequiz/internal/telemetry"
)

type member struct {
	conn        Conn
	participant string
}

// room serializes every event of one session. All fields below ops are owned by the room goroutine.
type room struct {
	id   string
	e    *Engine
	ops  chan func(r *room)
	stop chan struct{}

	pending int // guarded by e.mu

	session  *domain.Session
	template *domain.Template
	members  map[string]member // connection ID -> member

	// announced is set once quiz-start was sent for the current in-progress session.
	announced bool

	// Timer ops carry the generation they were scheduled with and are dropped when it is no longer current.
	startTimer   *time.Timer
	startGen     uint64
	cleanupTimer *time.Timer
	cleanupGen   uint64

	// dirty is set while the store has not accepted the in-memory session. resultPending is set while a finished
	// session has no stored result. Either one keeps a retry timer running and the room alive.
	dirty         bool
	resultPending bool
	retryTimer    *time.Timer
	retryGen      uint64
	retries       int

	// keepCheck is set when a cleanup check cancelled the session but the write failed.
	// The durable check is kept until the write lands.
	keepCheck bool
}

func newRoom(e *Engine, id string) *room {
	return &room{
		id:      id,
		e:       e,
		ops:     make(chan func(r *room)),
		stop:    make(chan struct{}),
		members: make(map[string]member),
	}
}

func (r *room) run() {
	defer r.e.wg.Done()

	for {
		select {
		case op := <-r.ops:
			op(r)
			if r.e.release(r) {
				return
			}
		case <-r.stop:
			r.stopTimers()
			r.flush()
			return
		}
	}
}

func (r *room) idle() bool {
	return len(r.members) == 0 && r.startTimer == nil && r.cleanupTimer == nil && r.retryTimer == nil
}

func (r *room) stopTimers() {
	if r.startTimer != nil {
		r.startTimer.Stop()
		r.startTimer = nil
	}
	if r.cleanupTimer != nil {
		r.cleanupTimer.Stop()
		r.cleanupTimer = nil
	}
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
}

// load reads the session and its template once per room lifetime. Afterwards the in-memory copy is authoritative
// and every write stores its absolute state.
func (r *room) load(ctx context.Context) error {
	if r.session != nil {
		return nil
	}

	ss, err := r.e.sessions.Get(ctx, r.id)
	if err != nil {
		return err
	}

	t, err := r.e.manager.Template(ctx, ss.QuizID)
	if err != nil {
		return err
	}

	r.session, r.template = ss, t
	r.announced = ss.Status == domain.StatusInProgress

	if ss.Status == domain.StatusFinished {
		// A finish whose result write failed earlier is reconciled here, SaveResult is idempotent.
		r.saveResult(ctx)
	}

	return nil
}

func (r *room) state() domain.Session {
	ss := *r.session
	ss.Template = r.template
	return ss
}

// persist stores the absolute state of the session. A failure marks the room dirty and schedules a retry.
func (r *room) persist(ctx context.Context) bool {
	if err := r.e.sessions.Save(ctx, r.session); err != nil {
		telemetry.PersistFailuresTotal.Inc()
		slog.ErrorContext(ctx, "engine: save session failed", "session", r.id, "status", r.session.Status, "error", err)
		r.dirty = true
		r.scheduleRetry()
		return false
	}

	r.dirty = false
	if r.keepCheck && r.cleanupTimer == nil {
		r.keepCheck = false
		r.forgetCleanup(ctx)
	}
	r.settle()
	return true
}

func (r *room) saveResult(ctx context.Context) *domain.Result {
	res, err := r.e.manager.SaveResult(ctx, r.session)
	if err != nil {
		slog.ErrorContext(ctx, "engine: save result failed", "session", r.id, "error", err)
		r.resultPending = true
		r.scheduleRetry()
		return nil
	}

	r.resultPending = false
	r.settle()
	return res
}

func (r *room) scheduleRetry() {
	if r.retryTimer != nil {
		return
	}

	d := r.e.retry << min(r.retries, maxRetryShift)
	r.retries++

	gen := r.e.seq.Add(1)
	r.retryGen = gen
	r.retryTimer = time.AfterFunc(d, func() {
		r.e.submit(r.id, func(r *room) {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			r.reconcile(ctx, gen)
		})
	})
}

// settle stops the retry timer once nothing is left to write.
func (r *room) settle() {
	if r.dirty || r.resultPending {
		return
	}
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	r.retryGen = 0
	r.retries = 0
}

// reconcile writes what an earlier attempt failed to write. Every failure schedules the next attempt.
func (r *room) reconcile(ctx context.Context, gen uint64) {
	if gen == 0 || gen != r.retryGen {
		return
	}
	r.retryTimer = nil

	if r.dirty && !r.persist(ctx) {
		return
	}
	if r.resultPending {
		r.saveResult(ctx)
	}
}

// flush makes a last write attempt when the room is stopped with unsaved state.
func (r *room) flush() {
	if !r.dirty && !r.resultPending {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if r.dirty {
		r.persist(ctx)
	}
	if r.resultPending {
		r.saveResult(ctx)
	}
	r.stopTimers()

	if r.dirty || r.resultPending {
		slog.ErrorContext(ctx, "engine: room stopped with unsaved state", "session", r.id, "dirty", r.dirty, "result_pending", r.resultPending)
	}
}

func (r *room) join(ctx context.Context, conn Conn, participant string) error {
	if err := r.load(ctx); err != nil {
		return err
	}

	if _, err := r.bind(ctx, participant); err != nil {
		return err
	}

	r.members[conn.ID()] = member{conn: conn, participant: participant}
	r.cancelCleanup(ctx)

	participants := r.participants()
	r.broadcast(ctx, EventParticipantJoined, ParticipantJoined{
		ParticipantID: participant,
		Connections:   len(r.members),
		Participants:  participants,
	})

	if len(participants) == 2 && r.session.Status == domain.StatusWaiting {
		r.start(ctx)
		return nil
	}

	if r.session.Status == domain.StatusFinished {
		r.send(ctx, conn, EventQuizFinished, r.state())
		return nil
	}

	r.send(ctx, conn, EventQuizState, r.state())
	if r.session.Status == domain.StatusInProgress && r.announced {
		r.pushQuestion(ctx, conn, participant)
	}

	return nil
}

// bind returns the slot of a participant. While the couple is incomplete the partner is looked up again and,
// if still unknown, the first newcomer of a waiting session takes the free slot.
func (r *room) bind(ctx context.Context, participant string) (domain.Side, error) {
	c := &r.session.Couple
	if side, ok := c.Side(participant); ok {
		return side, nil
	}

	if !c.Complete() {
		if fresh, err := r.e.manager.Couple(ctx, c.CoupleID); err == nil && fresh.Complete() {
			*c = fresh
			r.persist(ctx)
			if side, ok := c.Side(participant); ok {
				return side, nil
			}
		}
	}

	if !c.Complete() && r.session.Status == domain.StatusWaiting {
		side := domain.SideB
		if c.PartnerA == "" {
			side = domain.SideA
		}
		if c.PartnerA != participant {
			if side == domain.SideA {
				c.PartnerA = participant
			} else {
				c.PartnerB = participant
			}
			r.persist(ctx)
			slog.InfoContext(ctx, "engine: bound participant", "session", r.id, "participant", participant)
			return side, nil
		}
	}

	return domain.SideA, errors.PermissionDenied("participant is not a member of the session: session=%s participant=%s", r.id, participant)
}

// start moves a waiting session with both participants present to the self stage.
// The state is persisted and announced after the start delay.
func (r *room) start(ctx context.Context) {
	now := r.e.now().UTC()

	ss := r.session
	ss.Status = domain.StatusInProgress
	ss.Stage = domain.StageSelf
	ss.StartTime = &now
	ss.Progress = domain.Pair[int]{A: 0, B: 0}
	r.announced = false

	r.broadcast(ctx, EventQuizGenerating, QuizGenerating{SessionID: r.id})

	gen := r.e.seq.Add(1)
	r.startGen = gen
	r.startTimer = time.AfterFunc(r.e.startDelay, func() {
		r.e.submit(r.id, func(r *room) {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			r.announce(ctx, gen)
		})
	})
}

func (r *room) announce(ctx context.Context, gen uint64) {
	if gen == 0 || gen != r.startGen {
		return
	}
	r.startTimer = nil

	if r.session == nil || r.session.Status != domain.StatusInProgress || r.announced {
		return
	}
	r.announced = true

	r.persist(ctx)
	r.broadcast(ctx, EventQuizStart, r.state())
	for _, m := range r.members {
		r.pushQuestion(ctx, m.conn, m.participant)
	}
}

// pushQuestion sends a participant their current question. Nothing is sent once they are done with the stage.
func (r *room) pushQuestion(ctx context.Context, conn Conn, participant string) {
	side, ok := r.session.Couple.Side(participant)
	if !ok {
		return
	}

	idx := r.session.Progress.Get(side)
	if idx == domain.ProgressDone || idx < 0 || idx >= domain.QuestionCount {
		return
	}

	q := r.template.Questions[idx]
	r.send(ctx, conn, EventQuestionNew, QuestionNew{
		SessionID: r.id,
		Stage:     r.session.Stage,
		Index:     idx,
		Total:     domain.QuestionCount,
		Text:      q.Text,
		Options:   q.Options,
	})
}

func (r *room) answer(ctx context.Context, conn Conn, a Answer) error {
	m, ok := r.members[conn.ID()]
	if !ok {
		return errors.FailedPrecondition("join a session first")
	}
	if err := r.load(ctx); err != nil {
		return err
	}

	ss := r.session
	if ss.Status != domain.StatusInProgress {
		slog.DebugContext(ctx, "engine: answer ignored, session not in progress", "session", r.id, "status", ss.Status)
		return nil
	}
	if !r.announced {
		slog.DebugContext(ctx, "engine: answer ignored, quiz not started yet", "session", r.id, "participant", m.participant)
		return nil
	}

	side, ok := ss.Couple.Side(m.participant)
	if !ok {
		return errors.New(errors.CodePermissionDenied)
	}

	idx := ss.Progress.Get(side)
	if idx == domain.ProgressDone || idx < 0 || idx >= domain.QuestionCount {
		slog.DebugContext(ctx, "engine: answer ignored, participant done with stage", "session", r.id, "participant", m.participant)
		return nil
	}
	if a.Index != nil && *a.Index != idx {
		slog.DebugContext(ctx, "engine: answer ignored, stale index", "session", r.id, "participant", m.participant, "index", *a.Index)
		return nil
	}

	if !r.template.Questions[idx].HasOption(a.Answer) {
		return errors.InvalidArgument("answer is not an option of question %d", idx)
	}

	ss.QuestionsData[idx].Record(ss.Stage, side, a.Answer)
	telemetry.AnswersTotal.WithLabelValues(string(ss.Stage)).Inc()

	if idx+1 < domain.QuestionCount {
		ss.Progress.Set(side, idx+1)
		r.persist(ctx)
		r.sendParticipantQuestion(ctx, m.participant)
		return nil
	}

	ss.Progress.Set(side, domain.ProgressDone)

	if ss.Progress.Get(side.Other()) != domain.ProgressDone {
		r.persist(ctx)
		r.sendParticipant(ctx, m.participant, EventWaitingPartner, WaitingPartner{SessionID: r.id, Stage: ss.Stage})
		r.e.eb.Publish(ctx, domain.EventPartnerWaiting{Session: r.state(), Waiting: m.participant})
		return nil
	}

	if ss.Stage == domain.StageSelf {
		r.advanceStage(ctx)
		return nil
	}

	r.finish(ctx)
	return nil
}

// advanceStage moves both participants, who are done with the self stage, to the guess stage.
func (r *room) advanceStage(ctx context.Context) {
	ss := r.session
	ss.Stage = domain.StageGuess
	ss.Progress = domain.Pair[int]{A: 0, B: 0}

	r.persist(ctx)
	r.broadcast(ctx, EventStageChanged, StageChanged{SessionID: r.id, Stage: ss.Stage})
	for _, m := range r.members {
		r.pushQuestion(ctx, m.conn, m.participant)
	}
}

func (r *room) finish(ctx context.Context) {
	now := r.e.now().UTC()

	ss := r.session
	ss.Scores = score.Compute(ss.QuestionsData)
	ss.Status = domain.StatusFinished
	ss.FinishTime = &now

	r.persist(ctx)
	res := r.saveResult(ctx)

	state := r.state()
	r.broadcast(ctx, EventQuizFinished, state)

	if res == nil {
		// Stored later by reconcile, the notification goes out now without a result ID.
		res = &domain.Result{
			QuizID:        ss.QuizID,
			SessionID:     ss.SessionID,
			CoupleID:      ss.Couple.CoupleID,
			Category:      ss.Category,
			Scores:        ss.Scores,
			Compatibility: score.Compatibility(ss.Scores),
			QuestionsData: ss.QuestionsData,
			FinishTime:    now,
		}
	}
	r.e.eb.Publish(ctx, domain.EventSessionFinished{Session: state, Result: *res})
}

// cancel moves a non-terminal session to cancelled.
func (r *room) cancel(ctx context.Context) {
	if r.session.Status.Terminal() {
		return
	}

	r.session.Status = domain.StatusCancelled
	if r.startTimer != nil {
		r.startTimer.Stop()
		r.startTimer = nil
		r.startGen = 0
	}

	r.persist(ctx)
	state := r.state()
	r.broadcast(ctx, EventQuizCancelled, state)
	r.e.eb.Publish(ctx, domain.EventSessionCancelled{Session: state})

	slog.InfoContext(ctx, "engine: session cancelled", "session", r.id)
}

func (r *room) leave(ctx context.Context, conn Conn) {
	m, ok := r.members[conn.ID()]
	if !ok {
		return
	}
	delete(r.members, conn.ID())

	if r.dirty {
		r.persist(ctx)
	}

	r.broadcast(ctx, EventParticipantLeft, ParticipantLeft{
		ParticipantID: m.participant,
		Connections:   len(r.members),
	})

	if len(r.members) == 0 && (r.session == nil || !r.session.Status.Terminal()) {
		r.scheduleCleanup(ctx, r.e.grace)
	}
}

// scheduleCleanup checks the room again after d and cancels the session if nobody is connected by then.
func (r *room) scheduleCleanup(ctx context.Context, d time.Duration) {
	if r.cleanupTimer != nil {
		r.cleanupTimer.Stop()
	}

	gen := r.e.seq.Add(1)
	r.cleanupGen = gen
	r.cleanupTimer = time.AfterFunc(d, func() {
		r.e.submit(r.id, func(r *room) {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			r.checkEmpty(ctx, gen)
		})
	})

	if r.e.cleanup != nil {
		if err := r.e.cleanup.Schedule(ctx, r.id, r.e.now().Add(d)); err != nil {
			slog.ErrorContext(ctx, "engine: record cleanup failed", "session", r.id, "error", err)
		}
	}
}

func (r *room) cancelCleanup(ctx context.Context) {
	if r.cleanupTimer == nil {
		return
	}

	r.cleanupTimer.Stop()
	r.cleanupTimer = nil
	r.cleanupGen = 0
	r.forgetCleanup(ctx)
}

func (r *room) forgetCleanup(ctx context.Context) {
	if r.e.cleanup == nil {
		return
	}
	if err := r.e.cleanup.Cancel(ctx, r.id); err != nil {
		slog.ErrorContext(ctx, "engine: forget cleanup failed", "session", r.id, "error", err)
	}
}

func (r *room) checkEmpty(ctx context.Context, gen uint64) {
	if gen == 0 || gen != r.cleanupGen {
		return
	}
	r.cleanupTimer = nil

	if len(r.members) > 0 {
		r.forgetCleanup(ctx)
		return
	}

	if err := r.load(ctx); err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			slog.WarnContext(ctx, "engine: cleanup dropped, session is gone", "session", r.id)
			r.forgetCleanup(ctx)
			return
		}
		slog.ErrorContext(ctx, "engine: cleanup load session failed", "session", r.id, "error", err)
		r.scheduleCleanup(ctx, r.e.grace)
		return
	}

	r.cancel(ctx)
	if r.dirty {
		r.keepCheck = true
		return
	}
	r.forgetCleanup(ctx)
}

func (r *room) participants() []string {
	seen := make(map[string]struct{}, 2)
	ps := make([]string, 0, 2)
	for _, m := range r.members {
		if _, ok := seen[m.participant]; ok {
			continue
		}
		seen[m.participant] = struct{}{}
		ps = append(ps, m.participant)
	}
	sort.Strings(ps)
	return ps
}

func (r *room) send(ctx context.Context, conn Conn, event string, data any) {
	if err := conn.Send(event, data); err != nil {
		slog.WarnContext(ctx, "engine: send failed", "session", r.id, "event", event, "conn", conn.ID(), "error", err)
	}
}

func (r *room) broadcast(ctx context.Context, event string, data any) {
	for _, m := range r.members {
		r.send(ctx, m.conn, event, data)
	}
}

// sendParticipant sends to every connection of one participant.
func (r *room) sendParticipant(ctx context.Context, participant, event string, data any) {
	for _, m := range r.members {
		if m.participant == participant {
			r.send(ctx, m.conn, event, data)
		}
	}
}

func (r *room) sendParticipantQuestion(ctx context.Context, participant string) {
	for _, m := range r.members {
		if m.participant == participant {
			r.pushQuestion(ctx, m.conn, participant)
		}
	}
}
