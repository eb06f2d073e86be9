package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/victornm/couplequiz/internal/domain"
	"github.com/victornm/couplequiz/internal/errors"
	"github.com/victornm/couplequiz/internal/event"
	"github.com/victornm/couplequiz/internal/generator"
	"github.com/victornm/couplequiz/internal/score"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ContentStore persists couples, immutable quiz templates and results.
type ContentStore interface {
	Couple(ctx context.Context, coupleID string) (domain.Couple, error)
	UnsolvedTemplate(ctx context.Context, coupleID, category string) (*domain.Template, error)
	InsertTemplate(ctx context.Context, t *domain.Template) error
	Template(ctx context.Context, quizID string) (*domain.Template, error)
	InsertResult(ctx context.Context, r *domain.Result) (*domain.Result, error)
	ResultBySession(ctx context.Context, sessionID string) (*domain.Result, error)
	Result(ctx context.Context, resultID string) (*domain.Result, error)
	ListResults(ctx context.Context, coupleID string, offset, limit int) ([]domain.Result, error)
}

// SessionStore holds the mutable state of sessions.
type SessionStore interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	Save(ctx context.Context, ss *domain.Session) error
	Active(ctx context.Context, coupleID string) (*domain.Session, error)
}

type Config struct {
	Content   ContentStore
	Sessions  SessionStore
	Generator generator.Generator
	EventBus  *event.Bus
	Now       func() time.Time
}

type Service struct {
	content  ContentStore
	sessions SessionStore
	gen      generator.Generator
	eb       *event.Bus
	now      func() time.Time

	creating singleflight.Group
}

func NewService(c Config) *Service {
	now := c.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		content:  c.Content,
		sessions: c.Sessions,
		gen:      c.Generator,
		eb:       c.EventBus,
		now:      now,
	}
}

// CreateSessionRequest represents a request to create a new quiz session.
type CreateSessionRequest struct {
	CoupleID string
	Category string
}

// CreateSession returns the couple's active session if there is one, otherwise creates a waiting session
// from an unsolved template of the category, generating a new template when none is left.
// Concurrent calls for the same couple share a single creation.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.Session, error) {
	category := strings.TrimSpace(req.Category)
	if req.CoupleID == "" || category == "" {
		return nil, errors.InvalidArgument("couple and category are required")
	}

	v, err, _ := s.creating.Do(req.CoupleID, func() (any, error) {
		return s.createSession(ctx, req.CoupleID, category)
	})
	if err != nil {
		return nil, err
	}

	return v.(*domain.Session), nil
}

func (s *Service) createSession(ctx context.Context, coupleID, category string) (*domain.Session, error) {
	active, err := s.sessions.Active(ctx, coupleID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return s.attachTemplate(ctx, active)
	}

	couple, err := s.content.Couple(ctx, coupleID)
	if err != nil {
		return nil, err
	}

	t, err := s.selectTemplate(ctx, coupleID, category)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}

	ss := &domain.Session{
		SessionID:  id.String(),
		Couple:     couple,
		QuizID:     t.QuizID,
		Category:   t.Category,
		Status:     domain.StatusWaiting,
		CreateTime: s.now().UTC(),
	}

	if err := s.sessions.Save(ctx, ss); err != nil {
		return nil, err
	}
	ss.Template = t

	s.eb.Publish(ctx, domain.EventSessionCreated{
		Session: *ss,
	})

	return ss, nil
}

func (s *Service) selectTemplate(ctx context.Context, coupleID, category string) (*domain.Template, error) {
	t, err := s.content.UnsolvedTemplate(ctx, coupleID, category)
	if err != nil {
		return nil, err
	}
	if t != nil {
		return t, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate quiz ID: %w", err)
	}

	t = &domain.Template{
		QuizID:     id.String(),
		Category:   category,
		Questions:  generator.Questions(ctx, s.gen, category),
		Active:     true,
		CreateTime: s.now().UTC(),
	}

	if err := s.content.InsertTemplate(ctx, t); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "session: generated quiz template", "quiz", t.QuizID, "category", category)

	return t, nil
}

type GetSessionRequest struct {
	SessionID string
}

// GetSession returns the session with its template attached.
func (s *Service) GetSession(ctx context.Context, req GetSessionRequest) (*domain.Session, error) {
	ss, err := s.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	return s.attachTemplate(ctx, ss)
}

// GetActiveSession returns the waiting or in-progress session of the couple, nil if there is none.
func (s *Service) GetActiveSession(ctx context.Context, coupleID string) (*domain.Session, error) {
	ss, err := s.sessions.Active(ctx, coupleID)
	if err != nil || ss == nil {
		return nil, err
	}

	return s.attachTemplate(ctx, ss)
}

func (s *Service) attachTemplate(ctx context.Context, ss *domain.Session) (*domain.Session, error) {
	t, err := s.content.Template(ctx, ss.QuizID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", ss.SessionID, err)
	}

	ss.Template = t
	return ss, nil
}

func (s *Service) Template(ctx context.Context, quizID string) (*domain.Template, error) {
	return s.content.Template(ctx, quizID)
}

func (s *Service) Couple(ctx context.Context, coupleID string) (domain.Couple, error) {
	return s.content.Couple(ctx, coupleID)
}

// SaveResult persists the outcome of a finished session. It writes at most one result per session:
// if one already exists it is returned unchanged.
func (s *Service) SaveResult(ctx context.Context, ss *domain.Session) (*domain.Result, error) {
	if ss.Status != domain.StatusFinished {
		return nil, errors.FailedPrecondition("session is not finished: session=%s status=%s", ss.SessionID, ss.Status)
	}

	existing, err := s.content.ResultBySession(ctx, ss.SessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate result ID: %w", err)
	}

	finished := s.now().UTC()
	if ss.FinishTime != nil {
		finished = *ss.FinishTime
	}

	return s.content.InsertResult(ctx, &domain.Result{
		ResultID:      id.String(),
		QuizID:        ss.QuizID,
		SessionID:     ss.SessionID,
		CoupleID:      ss.Couple.CoupleID,
		Category:      ss.Category,
		Scores:        ss.Scores,
		Compatibility: score.Compatibility(ss.Scores),
		QuestionsData: ss.QuestionsData,
		FinishTime:    finished,
	})
}

type ListResultsRequest struct {
	CoupleID string
	Offset   int
	Limit    int
}

// ListResults returns the couple's results newest first.
func (s *Service) ListResults(ctx context.Context, req ListResultsRequest) ([]domain.Result, error) {
	if req.Offset < 0 {
		return nil, errors.InvalidArgument("offset must not be negative: %d", req.Offset)
	}

	limit := req.Limit
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	return s.content.ListResults(ctx, req.CoupleID, req.Offset, limit)
}

func (s *Service) GetResult(ctx context.Context, resultID string) (*domain.Result, error) {
	return s.content.Result(ctx, resultID)
}

type NotifyPartnerRequest struct {
	CoupleID      string
	ParticipantID string
}

// NotifyPartner asks for an out-of-band ping of the participant's partner.
// Delivery is at-most-once and never retried.
func (s *Service) NotifyPartner(ctx context.Context, req NotifyPartnerRequest) error {
	c, err := s.content.Couple(ctx, req.CoupleID)
	if err != nil {
		return err
	}

	side, ok := c.Side(req.ParticipantID)
	if !ok {
		return errors.PermissionDenied("participant is not a member of the couple: couple=%s participant=%s", req.CoupleID, req.ParticipantID)
	}

	partner := c.Participant(side.Other())
	if partner == "" {
		return errors.FailedPrecondition("partner is not known yet: couple=%s", req.CoupleID)
	}

	s.eb.Publish(ctx, domain.EventPartnerNudged{
		CoupleID: req.CoupleID,
		From:     req.ParticipantID,
		To:       partner,
	})

	return nil
}
