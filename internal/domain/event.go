package domain

const (
	EventNameSessionCreated   = "session.created"
	EventNameSessionFinished  = "session.finished"
	EventNameSessionCancelled = "session.cancelled"
	EventNamePartnerWaiting   = "partner.waiting"
	EventNamePartnerNudged    = "partner.nudged"
)

type EventSessionCreated struct {
	Session Session
}

func (EventSessionCreated) Name() string { return EventNameSessionCreated }

type EventSessionFinished struct {
	Session Session
	Result  Result
}

func (EventSessionFinished) Name() string { return EventNameSessionFinished }

type EventSessionCancelled struct {
	Session Session
}

func (EventSessionCancelled) Name() string { return EventNameSessionCancelled }

// EventPartnerWaiting is published when a participant finished a stage before the partner.
type EventPartnerWaiting struct {
	Session Session
	// Waiting is the participant who is done with the stage.
	Waiting string
}

func (EventPartnerWaiting) Name() string { return EventNamePartnerWaiting }

// EventPartnerNudged is an explicit request to ping the partner out of band.
type EventPartnerNudged struct {
	CoupleID string
	From     string
	To       string
}

func (EventPartnerNudged) Name() string { return EventNamePartnerNudged }
