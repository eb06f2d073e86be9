package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/couplequiz/internal/content"
	"github.com/victornm/couplequiz/internal/domain"
	qerrors "github.com/victornm/couplequiz/internal/errors"
	"github.com/victornm/couplequiz/internal/event"
	"github.com/victornm/couplequiz/internal/generator"
	"github.com/victornm/couplequiz/internal/session"
	"github.com/victornm/couplequiz/internal/store"
)

func TestService_CreateSession(t *testing.T) {
	type deps struct {
		content *content.Memory
		calls   *atomic.Int32
	}

	tests := map[string]struct {
		generate func(ctx context.Context, category string) ([]generator.RawQuestion, error)
		arrange  func(t *testing.T, s *session.Service, d deps)
		assert   func(t *testing.T, ss *domain.Session, err error, d deps)
	}{
		"should create a waiting session from a generated template": {
			assert: func(t *testing.T, ss *domain.Session, err error, d deps) {
				require.NoError(t, err)
				require.Equal(t, domain.StatusWaiting, ss.Status)
				require.Equal(t, domain.Couple{CoupleID: "c1", PartnerA: "a", PartnerB: "b"}, ss.Couple)
				require.Equal(t, [domain.QuestionCount]domain.Slot{}, ss.QuestionsData)
				require.Equal(t, domain.Pair[int]{}, ss.Scores)
				require.NotNil(t, ss.Template)
				require.Equal(t, "Soru?", ss.Template.Questions[0].Text)
				require.Equal(t, int32(1), d.calls.Load())
			},
		},

		"should reuse an unsolved template of the category": {
			arrange: func(t *testing.T, s *session.Service, d deps) {
				require.NoError(t, d.content.InsertTemplate(context.Background(), &domain.Template{
					QuizID: "q-existing", Category: "fun", Active: true, Questions: generator.Placeholder("fun"),
				}))
			},
			assert: func(t *testing.T, ss *domain.Session, err error, d deps) {
				require.NoError(t, err)
				require.Equal(t, "q-existing", ss.QuizID)
				require.Equal(t, int32(0), d.calls.Load(), "generator should not be called")
			},
		},

		"should not reuse a template the couple already solved": {
			arrange: func(t *testing.T, s *session.Service, d deps) {
				ctx := context.Background()
				require.NoError(t, d.content.InsertTemplate(ctx, &domain.Template{QuizID: "q-solved", Category: "fun", Active: true}))
				_, err := d.content.InsertResult(ctx, &domain.Result{ResultID: "r1", QuizID: "q-solved", SessionID: "old", CoupleID: "c1"})
				require.NoError(t, err)
			},
			assert: func(t *testing.T, ss *domain.Session, err error, d deps) {
				require.NoError(t, err)
				require.NotEqual(t, "q-solved", ss.QuizID)
				require.Equal(t, int32(1), d.calls.Load())
			},
		},

		"generator failure should fall back to the placeholder": {
			generate: func(ctx context.Context, category string) ([]generator.RawQuestion, error) {
				return nil, errors.New("model unavailable")
			},
			assert: func(t *testing.T, ss *domain.Session, err error, d deps) {
				require.NoError(t, err)
				require.Equal(t, generator.Placeholder("fun"), ss.Template.Questions)
			},
		},

		"should return the active session instead of creating another": {
			arrange: func(t *testing.T, s *session.Service, d deps) {
				_, err := s.CreateSession(context.Background(), session.CreateSessionRequest{CoupleID: "c1", Category: "deep"})
				require.NoError(t, err)
			},
			assert: func(t *testing.T, ss *domain.Session, err error, d deps) {
				require.NoError(t, err)
				require.Equal(t, "deep", ss.Category, "existing session should be returned unchanged")
				require.NotNil(t, ss.Template)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			calls := new(atomic.Int32)
			generate := tt.generate
			if generate == nil {
				generate = oneQuestion
			}

			s, cs := makeService(t, withGenerator(generator.GeneratorFunc(func(ctx context.Context, category string) ([]generator.RawQuestion, error) {
				calls.Add(1)
				return generate(ctx, category)
			})))
			d := deps{content: cs, calls: calls}

			if tt.arrange != nil {
				tt.arrange(t, s, d)
			}

			ss, err := s.CreateSession(context.Background(), session.CreateSessionRequest{CoupleID: "c1", Category: "fun"})
			tt.assert(t, ss, err, d)
		})
	}
}

func TestService_CreateSession_Idempotent(t *testing.T) {
	s, _ := makeService(t)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]struct{})
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ss, err := s.CreateSession(ctx, session.CreateSessionRequest{CoupleID: "c1", Category: "fun"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[ss.SessionID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	ss, err := s.CreateSession(ctx, session.CreateSessionRequest{CoupleID: "c1", Category: "fun"})
	require.NoError(t, err)
	ids[ss.SessionID] = struct{}{}

	require.Len(t, ids, 1, "all calls should return the same session")
}

func TestService_CreateSession_Errors(t *testing.T) {
	s, _ := makeService(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, session.CreateSessionRequest{CoupleID: "unknown", Category: "fun"})
	require.True(t, qerrors.Is(err, qerrors.CodeNotFound))

	_, err = s.CreateSession(ctx, session.CreateSessionRequest{CoupleID: "c1", Category: "  "})
	require.True(t, qerrors.Is(err, qerrors.CodeInvalidArgument))

	_, err = s.GetSession(ctx, session.GetSessionRequest{SessionID: "missing"})
	require.True(t, qerrors.Is(err, qerrors.CodeNotFound))
}

func TestService_SaveResult(t *testing.T) {
	s, cs := makeService(t)
	ctx := context.Background()

	ss, err := s.CreateSession(ctx, session.CreateSessionRequest{CoupleID: "c1", Category: "fun"})
	require.NoError(t, err)

	_, err = s.SaveResult(ctx, ss)
	require.True(t, qerrors.Is(err, qerrors.CodeFailedPrecondition), "unfinished session should not be resulted")

	finished := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	ss.Status = domain.StatusFinished
	ss.FinishTime = &finished
	ss.Scores = domain.Pair[int]{A: 3, B: 2}

	first, err := s.SaveResult(ctx, ss)
	require.NoError(t, err)
	second, err := s.SaveResult(ctx, ss)
	require.NoError(t, err)

	require.Equal(t, first.ResultID, second.ResultID)
	require.Len(t, cs.Results(), 1, "exactly one result should be stored")
	require.Equal(t, "50", first.Compatibility.String())
	require.Equal(t, finished, first.FinishTime)

	got, err := s.GetResult(ctx, first.ResultID)
	require.NoError(t, err)
	require.Equal(t, ss.SessionID, got.SessionID)

	list, err := s.ListResults(ctx, session.ListResultsRequest{CoupleID: "c1", Limit: 1000})
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = s.ListResults(ctx, session.ListResultsRequest{CoupleID: "c1", Offset: -1})
	require.True(t, qerrors.Is(err, qerrors.CodeInvalidArgument))
}

func TestService_NotifyPartner(t *testing.T) {
	eb := event.NewBus()

	var (
		mu     sync.Mutex
		nudges []domain.EventPartnerNudged
	)
	eb.Subscribe(domain.EventNamePartnerNudged, func(ctx context.Context, e event.Event) error {
		mu.Lock()
		nudges = append(nudges, e.(domain.EventPartnerNudged))
		mu.Unlock()
		return nil
	})

	s, cs := makeService(t, withEventBus(eb))
	cs.PutCouple(domain.Couple{CoupleID: "solo", PartnerA: "a"})
	ctx := context.Background()

	require.NoError(t, s.NotifyPartner(ctx, session.NotifyPartnerRequest{CoupleID: "c1", ParticipantID: "b"}))

	err := s.NotifyPartner(ctx, session.NotifyPartnerRequest{CoupleID: "c1", ParticipantID: "stranger"})
	require.True(t, qerrors.Is(err, qerrors.CodePermissionDenied))

	err = s.NotifyPartner(ctx, session.NotifyPartnerRequest{CoupleID: "solo", ParticipantID: "a"})
	require.True(t, qerrors.Is(err, qerrors.CodeFailedPrecondition))

	eb.Stop()

	require.Equal(t, []domain.EventPartnerNudged{{CoupleID: "c1", From: "b", To: "a"}}, nudges)
}

func oneQuestion(ctx context.Context, category string) ([]generator.RawQuestion, error) {
	return []generator.RawQuestion{
		{Question: "Soru?", Options: []string{"1", "2", "3", "4"}},
	}, nil
}

func makeService(t *testing.T, opts ...options) (*session.Service, *content.Memory) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	cs := content.NewMemory()
	cs.PutCouple(domain.Couple{CoupleID: "c1", PartnerA: "a", PartnerB: "b"})

	c := session.Config{
		Content:   cs,
		Sessions:  store.NewSessions(store.Config{Redis: rc, Prefix: "test"}),
		Generator: generator.GeneratorFunc(oneQuestion),
		EventBus:  event.NewBus(),
	}

	for _, opt := range opts {
		opt(&c)
	}

	return session.NewService(c), cs
}

type options func(c *session.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *session.Config) {
		c.EventBus = eb
	}
}

func withGenerator(g generator.Generator) options {
	return func(c *session.Config) {
		c.Generator = g
	}
}
