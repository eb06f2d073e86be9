package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// QuestionCount is the number of questions in every quiz template.
	QuestionCount = 5
	// OptionCount is the number of options of every question.
	OptionCount = 4

	// ProgressDone marks a participant who has answered every question of the current stage.
	ProgressDone = -1
)

type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no transition can leave the status.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

// Active reports whether a session with the status blocks creating another one for the couple.
func (s Status) Active() bool {
	return s == StatusWaiting || s == StatusInProgress
}

type Stage string

const (
	StageSelf  Stage = "self"
	StageGuess Stage = "guess"
)

// Side is one of the two fixed slots of a couple.
type Side int

const (
	SideA Side = iota
	SideB
)

func (s Side) Other() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// Pair holds one value per participant of a couple.
type Pair[T any] struct {
	A T `json:"a"`
	B T `json:"b"`
}

func (p Pair[T]) Get(s Side) T {
	if s == SideA {
		return p.A
	}
	return p.B
}

func (p *Pair[T]) Set(s Side, v T) {
	if s == SideA {
		p.A = v
		return
	}
	p.B = v
}

// Couple is the fixed pair of participants a session belongs to.
// PartnerB is empty until the second participant can be resolved.
type Couple struct {
	CoupleID string `json:"couple_id"`
	PartnerA string `json:"partner_a"`
	PartnerB string `json:"partner_b,omitempty"`
}

// Complete reports whether both participants are known.
func (c Couple) Complete() bool {
	return c.PartnerA != "" && c.PartnerB != ""
}

// Side returns the slot of a participant.
func (c Couple) Side(participant string) (Side, bool) {
	switch {
	case participant == "":
		return SideA, false
	case participant == c.PartnerA:
		return SideA, true
	case participant == c.PartnerB:
		return SideB, true
	}
	return SideA, false
}

// Participant returns the identifier bound to a slot.
func (c Couple) Participant(s Side) string {
	if s == SideA {
		return c.PartnerA
	}
	return c.PartnerB
}

type Question struct {
	Text    string              `json:"text"`
	Options [OptionCount]string `json:"options"`
}

// HasOption reports whether answer is one of the question's options.
func (q Question) HasOption(answer string) bool {
	for _, o := range q.Options {
		if o == answer {
			return true
		}
	}
	return false
}

// Template is an immutable set of questions for a category.
type Template struct {
	QuizID     string                  `json:"quiz_id"`
	Category   string                  `json:"category"`
	Questions  [QuestionCount]Question `json:"questions"`
	Active     bool                    `json:"active"`
	CreateTime time.Time               `json:"create_time"`
}

// Slot holds what both participants answered for one question.
type Slot struct {
	Answers Pair[string] `json:"answers"`
	Guesses Pair[string] `json:"guesses"`
}

// Record stores an answer into the map selected by stage.
func (s *Slot) Record(stage Stage, side Side, answer string) {
	if stage == StageGuess {
		s.Guesses.Set(side, answer)
		return
	}
	s.Answers.Set(side, answer)
}

// Session is the mutable state of one quiz between a couple.
type Session struct {
	SessionID     string              `json:"session_id"`
	Couple        Couple              `json:"couple"`
	QuizID        string              `json:"quiz_id"`
	Category      string              `json:"category"`
	Status        Status              `json:"status"`
	Stage         Stage               `json:"stage,omitempty"`
	Progress      Pair[int]           `json:"progress"`
	QuestionsData [QuestionCount]Slot `json:"questions_data"`
	Scores        Pair[int]           `json:"scores"`
	CreateTime    time.Time           `json:"create_time"`
	StartTime     *time.Time          `json:"start_time,omitempty"`
	FinishTime    *time.Time          `json:"finish_time,omitempty"`

	// Template is attached for callers, it is not part of the stored state.
	Template *Template `json:"template,omitempty"`
}

// Result is the immutable outcome of a finished session.
type Result struct {
	ResultID      string              `json:"result_id"`
	QuizID        string              `json:"quiz_id"`
	SessionID     string              `json:"session_id"`
	CoupleID      string              `json:"couple_id"`
	Category      string              `json:"category"`
	Scores        Pair[int]           `json:"scores"`
	Compatibility decimal.Decimal     `json:"compatibility"`
	QuestionsData [QuestionCount]Slot `json:"questions_data"`
	FinishTime    time.Time           `json:"finish_time"`
}
