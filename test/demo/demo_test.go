//go:build integration_test

package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/victornm/couplequiz/internal/api"
	"github.com/victornm/couplequiz/internal/domain"
	"github.com/victornm/couplequiz/internal/engine"
	"github.com/victornm/couplequiz/internal/realtime"
)

// Expects a server started with config.local.yaml.
const (
	grpcAddr = "localhost:8081"
	wsAddr   = "ws://localhost:8080/ws"
	couple   = "demo-couple"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func TestQuiz(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		qc = makeQuizClient(t)
		wg = new(sync.WaitGroup)
	)

	// Prepare Redis subscriber
	subscribeAsUser(t, makeRedis(t), wg, "alice")

	resp, err := qc.CreateSession(ctx, &api.CreateSessionRequest{CoupleID: couple, Category: "demo"})
	require.NoError(t, err)
	session := resp.Session.SessionID
	t.Logf("Session %s created with quiz %s", session, resp.Session.QuizID)

	var eg errgroup.Group
	for _, p := range []struct {
		user        string
		copyPartner bool
	}{{"alice", true}, {"bob", false}} {
		eg.Go(func() error {
			return play(t, session, p.user, p.copyPartner)
		})
	}
	require.NoError(t, eg.Wait())

	got, err := qc.GetSession(ctx, &api.GetSessionRequest{SessionID: session})
	require.NoError(t, err)
	require.Equal(t, string(domain.StatusFinished), got.Session.Status)
	t.Logf("Final scores: %+v", got.Session.Scores)

	results, err := qc.ListResults(ctx, &api.ListResultsRequest{CoupleID: couple, Limit: 1})
	require.NoError(t, err)
	require.NotEmpty(t, results.Results)
	t.Logf("Compatibility: %s%%", results.Results[0].Compatibility)

	wg.Wait()
}

// play joins the session over websocket and answers every question with the first option.
// In the guess stage the participant either picks the first option too or the last one.
func play(t *testing.T, session, user string, copyPartner bool) error {
	ws, _, err := websocket.DefaultDialer.Dial(wsAddr, nil)
	if err != nil {
		return fmt.Errorf("%s dial: %w", user, err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(realtime.ClientMessage{Type: realtime.TypeJoin, SessionID: session, ParticipantID: user}); err != nil {
		return fmt.Errorf("%s join: %w", user, err)
	}

	for {
		_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))

		var e envelope
		if err := ws.ReadJSON(&e); err != nil {
			return fmt.Errorf("%s read: %w", user, err)
		}
		t.Logf("%s <- %s", user, e.Event)

		switch e.Event {
		case engine.EventQuestionNew:
			var q engine.QuestionNew
			if err := json.Unmarshal(e.Data, &q); err != nil {
				return err
			}

			answer := q.Options[0]
			if q.Stage == domain.StageGuess && !copyPartner {
				answer = q.Options[domain.OptionCount-1]
			}

			idx := q.Index
			if err := ws.WriteJSON(realtime.ClientMessage{Type: realtime.TypeAnswer, Answer: answer, Index: &idx}); err != nil {
				return fmt.Errorf("%s answer: %w", user, err)
			}

		case engine.EventError:
			return fmt.Errorf("%s got error: %s", user, e.Data)

		case engine.EventQuizFinished:
			return nil
		}
	}
}

func makeQuizClient(t *testing.T) *api.QuizServiceClient {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return api.NewQuizServiceClient(conn)
}

func subscribeAsUser(t *testing.T, rc redis.UniversalClient, wg *sync.WaitGroup, u string) {
	wg.Add(1)
	sub := subscribeRedis(t, rc, fmt.Sprintf("local:pubsub:user:%s", u))
	go func() {
		defer wg.Done()

		for msg := range sub {
			var n envelope
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				t.Logf("unmarshal notification: %v", err)
				continue
			}

			t.Logf("%s notified: %s %s", u, n.Event, n.Data)
			if n.Event == domain.EventNameSessionFinished {
				return
			}
		}
	}()
}

func subscribeRedis(t *testing.T, rc redis.UniversalClient, channel string) <-chan *redis.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)

	sub := rc.Subscribe(ctx, channel)
	t.Cleanup(func() {
		cancel()
		sub.Close()
	})

	c := make(chan *redis.Message)
	go func() {
		defer close(c)

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				t.Log(err)
				return
			}

			c <- msg
		}
	}()

	return c
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}
