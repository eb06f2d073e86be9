package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/couplequiz/internal/domain"
	"github.com/victornm/couplequiz/internal/errors"
	"github.com/victornm/couplequiz/internal/store"
)

func TestSessions_SaveGet(t *testing.T) {
	s, _ := makeSessions(t)
	ctx := context.Background()

	ss := newSession("s1", "c1")
	ss.Template = &domain.Template{QuizID: "q1"}
	ss.QuestionsData[2].Record(domain.StageSelf, domain.SideB, "Mavi")

	require.NoError(t, s.Save(ctx, ss))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, got.Template, "template should not be stored with the session")
	require.Equal(t, "Mavi", got.QuestionsData[2].Answers.B)
	require.Equal(t, ss.Couple, got.Couple)
	require.Len(t, got.QuestionsData, domain.QuestionCount)

	_, err = s.Get(ctx, "missing")
	require.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestSessions_Active(t *testing.T) {
	tests := map[string]struct {
		arrange func(t *testing.T, s *store.Sessions)
		wantID  string
	}{
		"no session should return nil": {
			arrange: func(t *testing.T, s *store.Sessions) {},
		},

		"waiting session should be active": {
			arrange: func(t *testing.T, s *store.Sessions) {
				require.NoError(t, s.Save(context.Background(), newSession("s1", "c1")))
			},
			wantID: "s1",
		},

		"finished session should release the couple": {
			arrange: func(t *testing.T, s *store.Sessions) {
				ss := newSession("s1", "c1")
				require.NoError(t, s.Save(context.Background(), ss))
				ss.Status = domain.StatusFinished
				require.NoError(t, s.Save(context.Background(), ss))
			},
		},

		"terminal save of an older session should not release a newer one": {
			arrange: func(t *testing.T, s *store.Sessions) {
				old := newSession("s1", "c1")
				old.Status = domain.StatusCancelled
				require.NoError(t, s.Save(context.Background(), newSession("s2", "c1")))
				require.NoError(t, s.Save(context.Background(), old))
			},
			wantID: "s2",
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			s, _ := makeSessions(t)
			tt.arrange(t, s)

			got, err := s.Active(context.Background(), "c1")
			require.NoError(t, err)
			if tt.wantID == "" {
				require.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			require.Equal(t, tt.wantID, got.SessionID)
		})
	}
}

func TestSessions_TTL(t *testing.T) {
	s, mr := makeSessions(t)
	require.NoError(t, s.Save(context.Background(), newSession("s1", "c1")))

	mr.FastForward(2 * time.Hour)

	_, err := s.Get(context.Background(), "s1")
	require.True(t, errors.Is(err, errors.CodeNotFound))
}

func newSession(id, couple string) *domain.Session {
	return &domain.Session{
		SessionID:  id,
		Couple:     domain.Couple{CoupleID: couple, PartnerA: "a", PartnerB: "b"},
		QuizID:     "q1",
		Category:   "fun",
		Status:     domain.StatusWaiting,
		CreateTime: time.Now().UTC(),
	}
}

func makeSessions(t *testing.T) (*store.Sessions, *miniredis.Miniredis) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	mr := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	return store.NewSessions(store.Config{
		Redis:  rc,
		Prefix: "test",
		TTL:    time.Hour,
	}), mr
}
