package notify_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/victornm/couplequiz/internal/domain"
	"github.com/victornm/couplequiz/internal/event"
	"github.com/victornm/couplequiz/internal/notify"
)

type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func TestPublisher(t *testing.T) {
	couple := domain.Couple{CoupleID: "c1", PartnerA: "a", PartnerB: "b"}
	ss := domain.Session{
		SessionID: "s1",
		Couple:    couple,
		Category:  "fun",
		Stage:     domain.StageSelf,
		Scores:    domain.Pair[int]{A: 3, B: 2},
	}

	tests := map[string]struct {
		event  event.Event
		assert func(t *testing.T, got map[string][]received)
	}{
		"session created should invite both partners": {
			event: domain.EventSessionCreated{Session: ss},
			assert: func(t *testing.T, got map[string][]received) {
				for _, u := range []string{"a", "b"} {
					require.Len(t, got[u], 1)
					require.Equal(t, domain.EventNameSessionCreated, got[u][0].Event)
					require.JSONEq(t, `{"session_id":"s1","couple_id":"c1","category":"fun"}`, string(got[u][0].Data))
				}
			},
		},

		"a waiting participant should ping only the partner": {
			event: domain.EventPartnerWaiting{Session: ss, Waiting: "a"},
			assert: func(t *testing.T, got map[string][]received) {
				require.Empty(t, got["a"])
				require.Len(t, got["b"], 1)
				require.JSONEq(t, `{"session_id":"s1","stage":"self","partner":"a"}`, string(got["b"][0].Data))
			},
		},

		"a nudge should reach its target": {
			event: domain.EventPartnerNudged{CoupleID: "c1", From: "b", To: "a"},
			assert: func(t *testing.T, got map[string][]received) {
				require.Empty(t, got["b"])
				require.Len(t, got["a"], 1)
				require.Equal(t, domain.EventNamePartnerNudged, got["a"][0].Event)
				require.JSONEq(t, `{"couple_id":"c1","from":"b"}`, string(got["a"][0].Data))
			},
		},

		"a finished session should send the result to both partners": {
			event: domain.EventSessionFinished{
				Session: ss,
				Result:  domain.Result{ResultID: "r1", Compatibility: decimal.NewFromInt(50)},
			},
			assert: func(t *testing.T, got map[string][]received) {
				for _, u := range []string{"a", "b"} {
					require.Len(t, got[u], 1)
					require.JSONEq(t, `{"session_id":"s1","result_id":"r1","scores":{"a":3,"b":2},"compatibility":"50.0"}`, string(got[u][0].Data))
				}
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			rc := makeRedis(t)
			eb := event.NewBus()
			p := notify.New(notify.Config{EventBus: eb, Redis: rc, Prefix: "test"})

			sub := rc.Subscribe(ctx, p.Channel("a"), p.Channel("b"))
			t.Cleanup(func() { sub.Close() })
			for range 2 {
				_, err := sub.Receive(ctx)
				require.NoError(t, err, "should confirm the subscription")
			}

			eb.Publish(ctx, tt.event)
			eb.Stop()

			got := make(map[string][]received)
			for {
				msg, err := sub.ReceiveTimeout(ctx, 100*time.Millisecond)
				if err != nil {
					break
				}

				m, ok := msg.(*redis.Message)
				if !ok {
					continue
				}

				var r received
				require.NoError(t, json.Unmarshal([]byte(m.Payload), &r))

				switch m.Channel {
				case p.Channel("a"):
					got["a"] = append(got["a"], r)
				case p.Channel("b"):
					got["b"] = append(got["b"], r)
				}
			}

			tt.assert(t, got)
		})
	}
}

func makeRedis(t *testing.T) redis.UniversalClient {
	mr := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	t.Cleanup(func() { rc.Close() })
	return rc
}
