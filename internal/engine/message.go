package engine

import (
	"github.com/victornm/couplequiz/internal/domain"
)

// Events sent to clients.
const (
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventQuizGenerating    = "quiz-generating"
	EventQuizStart         = "quiz-start"
	EventQuizState         = "quiz-state"
	EventQuestionNew       = "question-new"
	EventStageChanged      = "stage-changed"
	EventWaitingPartner    = "player-waiting-partner"
	EventQuizFinished      = "quiz-finished"
	EventQuizCancelled     = "quiz-cancelled"
	EventError             = "error"
)

// Conn is one realtime client connection. Send must be safe to call from any goroutine.
type Conn interface {
	ID() string
	Send(event string, data any) error
}

type (
	ParticipantJoined struct {
		ParticipantID string   `json:"participant_id"`
		Connections   int      `json:"connections"`
		Participants  []string `json:"participants"`
	}

	ParticipantLeft struct {
		ParticipantID string `json:"participant_id"`
		Connections   int    `json:"connections"`
	}

	QuizGenerating struct {
		SessionID string `json:"session_id"`
	}

	QuestionNew struct {
		SessionID string                     `json:"session_id"`
		Stage     domain.Stage               `json:"stage"`
		Index     int                        `json:"index"`
		Total     int                        `json:"total"`
		Text      string                     `json:"text"`
		Options   [domain.OptionCount]string `json:"options"`
	}

	StageChanged struct {
		SessionID string       `json:"session_id"`
		Stage     domain.Stage `json:"stage"`
	}

	WaitingPartner struct {
		SessionID string       `json:"session_id"`
		Stage     domain.Stage `json:"stage"`
	}
)

// Answer is an answer submitted by a participant for their current question.
type Answer struct {
	Answer string `json:"answer"`
	// Index is the question the client is answering. When set and different from the participant's progress
	// the answer is a late duplicate and is dropped.
	Index *int `json:"index,omitempty"`
}
