package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/couplequiz/internal/domain"
	"github.com/victornm/couplequiz/internal/event"
)

type Config struct {
	EventBus *event.Bus
	Redis    Redis
	Prefix   string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Publisher forwards session events to participants who are not connected, one Redis channel per participant.
// Delivery is at-most-once: a message nobody is subscribed to is lost.
type Publisher struct {
	redis  Redis
	prefix string
}

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Invite struct {
		SessionID string `json:"session_id"`
		CoupleID  string `json:"couple_id"`
		Category  string `json:"category"`
	}

	PartnerWaiting struct {
		SessionID string       `json:"session_id"`
		Stage     domain.Stage `json:"stage"`
		Partner   string       `json:"partner"`
	}

	Nudge struct {
		CoupleID string `json:"couple_id"`
		From     string `json:"from"`
	}

	Result struct {
		SessionID     string           `json:"session_id"`
		ResultID      string           `json:"result_id,omitempty"`
		Scores        domain.Pair[int] `json:"scores"`
		Compatibility string           `json:"compatibility"`
	}
)

func New(c Config) *Publisher {
	p := &Publisher{
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	c.EventBus.Subscribe(domain.EventNameSessionCreated, func(ctx context.Context, e event.Event) error {
		return p.PublishSessionCreated(ctx, e.(domain.EventSessionCreated))
	})
	c.EventBus.Subscribe(domain.EventNamePartnerWaiting, func(ctx context.Context, e event.Event) error {
		return p.PublishPartnerWaiting(ctx, e.(domain.EventPartnerWaiting))
	})
	c.EventBus.Subscribe(domain.EventNamePartnerNudged, func(ctx context.Context, e event.Event) error {
		return p.PublishPartnerNudged(ctx, e.(domain.EventPartnerNudged))
	})
	c.EventBus.Subscribe(domain.EventNameSessionFinished, func(ctx context.Context, e event.Event) error {
		return p.PublishSessionFinished(ctx, e.(domain.EventSessionFinished))
	})

	return p
}

// PublishSessionCreated invites both partners to the new session.
func (p *Publisher) PublishSessionCreated(ctx context.Context, e domain.EventSessionCreated) error {
	ss := e.Session
	return p.publishAll(ctx, participants(ss.Couple), e.Name(), Invite{
		SessionID: ss.SessionID,
		CoupleID:  ss.Couple.CoupleID,
		Category:  ss.Category,
	})
}

// PublishPartnerWaiting tells the partner of the waiting participant that it is their turn.
func (p *Publisher) PublishPartnerWaiting(ctx context.Context, e domain.EventPartnerWaiting) error {
	c := e.Session.Couple
	side, ok := c.Side(e.Waiting)
	if !ok {
		return nil
	}

	partner := c.Participant(side.Other())
	if partner == "" {
		return nil
	}

	return p.publish(ctx, partner, e.Name(), PartnerWaiting{
		SessionID: e.Session.SessionID,
		Stage:     e.Session.Stage,
		Partner:   e.Waiting,
	})
}

func (p *Publisher) PublishPartnerNudged(ctx context.Context, e domain.EventPartnerNudged) error {
	return p.publish(ctx, e.To, e.Name(), Nudge{
		CoupleID: e.CoupleID,
		From:     e.From,
	})
}

// PublishSessionFinished sends the final scores to both partners.
func (p *Publisher) PublishSessionFinished(ctx context.Context, e domain.EventSessionFinished) error {
	data := Result{
		SessionID:     e.Session.SessionID,
		ResultID:      e.Result.ResultID,
		Scores:        e.Session.Scores,
		Compatibility: e.Result.Compatibility.StringFixed(1),
	}

	return p.publishAll(ctx, participants(e.Session.Couple), e.Name(), data)
}

func (p *Publisher) publishAll(ctx context.Context, to []string, event string, data any) error {
	var eg errgroup.Group
	for _, u := range to {
		eg.Go(func() error {
			return p.publish(ctx, u, event, data)
		})
	}

	return eg.Wait()
}

func (p *Publisher) publish(ctx context.Context, participant, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %v", event, err)
	}

	if err := p.redis.Publish(ctx, p.Channel(participant), b).Err(); err != nil {
		return fmt.Errorf("notify: publish %s to %s: %w", event, participant, err)
	}

	slog.DebugContext(ctx, "notify: published", "event", event, "participant", participant)
	return nil
}

// Channel is the pubsub channel of a participant.
func (p *Publisher) Channel(participant string) string {
	return fmt.Sprintf("%s:user:%s", p.prefix, participant)
}

func participants(c domain.Couple) []string {
	ps := make([]string, 0, 2)
	for _, s := range []domain.Side{domain.SideA, domain.SideB} {
		if id := c.Participant(s); id != "" {
			ps = append(ps, id)
		}
	}
	return ps
}
