package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/couplequiz/internal/domain"
	"github.com/victornm/couplequiz/internal/errors"
)

const defaultTTL = 30 * 24 * time.Hour

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
	// TTL of a session document, refreshed on every save.
	TTL time.Duration
}

// Sessions stores the mutable state of quiz sessions in Redis, one JSON document per session.
// Every save writes the absolute state, so replaying a save is harmless.
type Sessions struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewSessions(c Config) *Sessions {
	ttl := c.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	return &Sessions{
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    ttl,
	}
}

// releaseActive deletes the couple's active pointer only if it still points at the given session.
var releaseActive = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Get returns the session or a NotFound error.
func (s *Sessions) Get(ctx context.Context, id string) (*domain.Session, error) {
	b, err := s.redis.Get(ctx, s.sessionKey(id)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.NotFound("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}

	var ss domain.Session
	if err := json.Unmarshal(b, &ss); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}

	return &ss, nil
}

// Save overwrites the session and keeps the couple's active pointer in sync with its status.
func (s *Sessions) Save(ctx context.Context, ss *domain.Session) error {
	doc := *ss
	doc.Template = nil

	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", ss.SessionID, err)
	}

	if err := s.redis.Set(ctx, s.sessionKey(ss.SessionID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", ss.SessionID, err)
	}

	activeKey := s.activeKey(ss.Couple.CoupleID)
	if ss.Status.Active() {
		if err := s.redis.Set(ctx, activeKey, ss.SessionID, s.ttl).Err(); err != nil {
			return fmt.Errorf("set active session %s: %w", ss.SessionID, err)
		}
		return nil
	}

	if err := releaseActive.Run(ctx, s.redis, []string{activeKey}, ss.SessionID).Err(); err != nil {
		return fmt.Errorf("release active session %s: %w", ss.SessionID, err)
	}

	return nil
}

// Active returns the waiting or in-progress session of a couple, nil if there is none.
func (s *Sessions) Active(ctx context.Context, coupleID string) (*domain.Session, error) {
	id, err := s.redis.Get(ctx, s.activeKey(coupleID)).Result()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session of couple %s: %w", coupleID, err)
	}

	ss, err := s.Get(ctx, id)
	if errors.Is(err, errors.CodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !ss.Status.Active() {
		return nil, nil
	}

	return ss, nil
}

func (s *Sessions) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

func (s *Sessions) activeKey(coupleID string) string {
	return fmt.Sprintf("%s:couple:%s:active", s.prefix, coupleID)
}
