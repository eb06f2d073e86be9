package api

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/victornm/couplequiz/internal/domain"
	"github.com/victornm/couplequiz/internal/session"
)

type Config struct {
	GRPC    grpc.ServiceRegistrar
	Session *session.Service
	Engine  Canceller
}

// Canceller cancels sessions through the realtime engine, so connected clients are told.
type Canceller interface {
	Cancel(ctx context.Context, sessionID string) (*domain.Session, error)
}

type API struct {
	qss    *session.Service
	engine Canceller
}

func New(c Config) *API {
	a := &API{
		qss:    c.Session,
		engine: c.Engine,
	}

	RegisterQuizServiceServer(c.GRPC, a)

	return a
}

type (
	CreateSessionRequest struct {
		CoupleID string `json:"couple_id"`
		Category string `json:"category"`
	}

	CreateSessionResponse struct {
		Session *Session `json:"session"`
	}

	GetSessionRequest struct {
		SessionID string `json:"session_id"`
	}

	GetSessionResponse struct {
		Session *Session `json:"session"`
	}

	GetActiveSessionRequest struct {
		CoupleID string `json:"couple_id"`
	}

	// GetActiveSessionResponse has no session when the couple has none waiting or in progress.
	GetActiveSessionResponse struct {
		Session *Session `json:"session,omitempty"`
	}

	CancelSessionRequest struct {
		SessionID string `json:"session_id"`
	}

	CancelSessionResponse struct {
		Session *Session `json:"session"`
	}

	GetResultRequest struct {
		ResultID string `json:"result_id"`
	}

	GetResultResponse struct {
		Result *Result `json:"result"`
	}

	ListResultsRequest struct {
		CoupleID string `json:"couple_id"`
		Offset   int    `json:"offset"`
		Limit    int    `json:"limit"`
	}

	ListResultsResponse struct {
		Results []*Result `json:"results"`
	}

	NotifyPartnerRequest struct {
		CoupleID      string `json:"couple_id"`
		ParticipantID string `json:"participant_id"`
	}

	NotifyPartnerResponse struct{}
)

type (
	Session struct {
		SessionID  string           `json:"session_id"`
		CoupleID   string           `json:"couple_id"`
		PartnerA   string           `json:"partner_a"`
		PartnerB   string           `json:"partner_b,omitempty"`
		QuizID     string           `json:"quiz_id"`
		Category   string           `json:"category"`
		Status     string           `json:"status"`
		Stage      string           `json:"stage,omitempty"`
		Progress   domain.Pair[int] `json:"progress"`
		Scores     domain.Pair[int] `json:"scores"`
		Questions  []Question       `json:"questions"`
		Slots      []Slot           `json:"slots"`
		CreateTime time.Time        `json:"create_time"`
		StartTime  *time.Time       `json:"start_time,omitempty"`
		FinishTime *time.Time       `json:"finish_time,omitempty"`
	}

	Question struct {
		Text    string   `json:"text"`
		Options []string `json:"options"`
	}

	Slot struct {
		Answers domain.Pair[string] `json:"answers"`
		Guesses domain.Pair[string] `json:"guesses"`
	}

	Result struct {
		ResultID      string           `json:"result_id"`
		SessionID     string           `json:"session_id"`
		QuizID        string           `json:"quiz_id"`
		CoupleID      string           `json:"couple_id"`
		Category      string           `json:"category"`
		Scores        domain.Pair[int] `json:"scores"`
		Compatibility string           `json:"compatibility"`
		Slots         []Slot           `json:"slots"`
		FinishTime    time.Time        `json:"finish_time"`
	}
)

func (a *API) CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	ss, err := a.qss.CreateSession(ctx, session.CreateSessionRequest{
		CoupleID: req.CoupleID,
		Category: req.Category,
	})
	if err != nil {
		return nil, err
	}

	return &CreateSessionResponse{Session: toSession(ss)}, nil
}

func (a *API) GetSession(ctx context.Context, req *GetSessionRequest) (*GetSessionResponse, error) {
	ss, err := a.qss.GetSession(ctx, session.GetSessionRequest{SessionID: req.SessionID})
	if err != nil {
		return nil, err
	}

	return &GetSessionResponse{Session: toSession(ss)}, nil
}

func (a *API) GetActiveSession(ctx context.Context, req *GetActiveSessionRequest) (*GetActiveSessionResponse, error) {
	ss, err := a.qss.GetActiveSession(ctx, req.CoupleID)
	if err != nil {
		return nil, err
	}

	return &GetActiveSessionResponse{Session: toSession(ss)}, nil
}

func (a *API) CancelSession(ctx context.Context, req *CancelSessionRequest) (*CancelSessionResponse, error) {
	ss, err := a.engine.Cancel(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	return &CancelSessionResponse{Session: toSession(ss)}, nil
}

func (a *API) GetResult(ctx context.Context, req *GetResultRequest) (*GetResultResponse, error) {
	r, err := a.qss.GetResult(ctx, req.ResultID)
	if err != nil {
		return nil, err
	}

	return &GetResultResponse{Result: toResult(r)}, nil
}

func (a *API) ListResults(ctx context.Context, req *ListResultsRequest) (*ListResultsResponse, error) {
	rs, err := a.qss.ListResults(ctx, session.ListResultsRequest{
		CoupleID: req.CoupleID,
		Offset:   req.Offset,
		Limit:    req.Limit,
	})
	if err != nil {
		return nil, err
	}

	resp := &ListResultsResponse{
		Results: make([]*Result, 0, len(rs)),
	}
	for i := range rs {
		resp.Results = append(resp.Results, toResult(&rs[i]))
	}

	return resp, nil
}

func (a *API) NotifyPartner(ctx context.Context, req *NotifyPartnerRequest) (*NotifyPartnerResponse, error) {
	err := a.qss.NotifyPartner(ctx, session.NotifyPartnerRequest{
		CoupleID:      req.CoupleID,
		ParticipantID: req.ParticipantID,
	})
	if err != nil {
		return nil, err
	}

	return &NotifyPartnerResponse{}, nil
}

func toSession(ss *domain.Session) *Session {
	if ss == nil {
		return nil
	}

	s := &Session{
		SessionID:  ss.SessionID,
		CoupleID:   ss.Couple.CoupleID,
		PartnerA:   ss.Couple.PartnerA,
		PartnerB:   ss.Couple.PartnerB,
		QuizID:     ss.QuizID,
		Category:   ss.Category,
		Status:     string(ss.Status),
		Stage:      string(ss.Stage),
		Progress:   ss.Progress,
		Scores:     ss.Scores,
		Slots:      toSlots(ss.QuestionsData),
		CreateTime: ss.CreateTime,
		StartTime:  ss.StartTime,
		FinishTime: ss.FinishTime,
	}

	if ss.Template != nil {
		s.Questions = make([]Question, 0, len(ss.Template.Questions))
		for _, q := range ss.Template.Questions {
			s.Questions = append(s.Questions, Question{
				Text:    q.Text,
				Options: q.Options[:],
			})
		}
	}

	return s
}

func toResult(r *domain.Result) *Result {
	return &Result{
		ResultID:      r.ResultID,
		SessionID:     r.SessionID,
		QuizID:        r.QuizID,
		CoupleID:      r.CoupleID,
		Category:      r.Category,
		Scores:        r.Scores,
		Compatibility: r.Compatibility.StringFixed(1),
		Slots:         toSlots(r.QuestionsData),
		FinishTime:    r.FinishTime,
	}
}

func toSlots(data [domain.QuestionCount]domain.Slot) []Slot {
	slots := make([]Slot, 0, len(data))
	for _, d := range data {
		slots = append(slots, Slot{Answers: d.Answers, Guesses: d.Guesses})
	}
	return slots
}
