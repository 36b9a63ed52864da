package vitalink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestStreamConfigDefaults(t *testing.T) {
	cfg := &StreamConfig{}
	cfg.defaults()

	if cfg.ReconnectBaseDelay != time.Second {
		t.Errorf("unexpected base delay: %v", cfg.ReconnectBaseDelay)
	}
	if cfg.ReconnectMaxDelay != 30*time.Second {
		t.Errorf("unexpected max delay: %v", cfg.ReconnectMaxDelay)
	}
	if cfg.MaxReconnectAttempts != 10 {
		t.Errorf("unexpected max attempts: %d", cfg.MaxReconnectAttempts)
	}
	if cfg.HeartbeatInterval != 25*time.Second {
		t.Errorf("unexpected heartbeat interval: %v", cfg.HeartbeatInterval)
	}
	if cfg.Logger == nil {
		t.Error("logger should default")
	}
}

func TestDispatcher(t *testing.T) {
	t.Run("routes envelopes by type", func(t *testing.T) {
		d := newStreamDispatcher()

		var gotMsg *MessageCreatedPayload
		subscribe(d, d.onMessage, func(p MessageCreatedPayload) { gotMsg = &p })
		var gotReaction *ReactionUpdatedPayload
		subscribe(d, d.onReaction, func(p ReactionUpdatedPayload) { gotReaction = &p })

		d.dispatch(StreamEnvelope{
			Type:    "message.created",
			Payload: mustJSON(MessageCreatedPayload{ID: "m1", ConversationID: "c1"}),
		})
		d.dispatch(StreamEnvelope{
			Type:    "reaction.updated",
			Payload: mustJSON(ReactionUpdatedPayload{MessageID: "m1", ReactionType: "like"}),
		})
		d.dispatch(StreamEnvelope{Type: "something.unknown", Payload: mustJSON(map[string]string{})})

		if gotMsg == nil || gotMsg.ID != "m1" {
			t.Errorf("message handler not invoked: %+v", gotMsg)
		}
		if gotReaction == nil || gotReaction.ReactionType != "like" {
			t.Errorf("reaction handler not invoked: %+v", gotReaction)
		}
	})

	t.Run("unsubscribe detaches", func(t *testing.T) {
		d := newStreamDispatcher()

		calls := 0
		unsub := subscribe(d, d.onMessage, func(p MessageCreatedPayload) { calls++ })

		env := StreamEnvelope{Type: "message.created", Payload: mustJSON(MessageCreatedPayload{ID: "m1"})}
		d.dispatch(env)
		unsub()
		unsub() // second call is a no-op
		d.dispatch(env)

		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("handlers are independent", func(t *testing.T) {
		d := newStreamDispatcher()

		a, b := 0, 0
		unsubA := subscribe(d, d.onMessage, func(p MessageCreatedPayload) { a++ })
		subscribe(d, d.onMessage, func(p MessageCreatedPayload) { b++ })

		env := StreamEnvelope{Type: "message.created", Payload: mustJSON(MessageCreatedPayload{ID: "m1"})}
		d.dispatch(env)
		unsubA()
		d.dispatch(env)

		if a != 1 || b != 2 {
			t.Errorf("expected a=1 b=2, got a=%d b=%d", a, b)
		}
	})
}

func TestReconnector(t *testing.T) {
	t.Run("delays grow and cap", func(t *testing.T) {
		cfg := &StreamConfig{ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: time.Second, MaxReconnectAttempts: 100}
		r := newReconnector(cfg)

		var prev time.Duration
		for i := 0; i < 8; i++ {
			d := r.nextDelay()
			if d > time.Second {
				t.Fatalf("attempt %d: delay %v exceeds cap", i, d)
			}
			if d < prev && d != time.Second {
				t.Fatalf("attempt %d: delay %v shrank from %v before the cap", i, d, prev)
			}
			prev = d
		}
	})

	t.Run("attempt budget", func(t *testing.T) {
		cfg := &StreamConfig{MaxReconnectAttempts: 2}
		cfg.defaults()
		r := newReconnector(cfg)

		if !r.shouldReconnect() {
			t.Fatal("fresh reconnector should allow attempts")
		}
		r.nextDelay()
		r.nextDelay()
		if r.shouldReconnect() {
			t.Error("budget must be exhausted after max attempts")
		}
	})

	t.Run("stable connection resets the attempt counter", func(t *testing.T) {
		cfg := &StreamConfig{MaxReconnectAttempts: 2}
		cfg.defaults()
		r := newReconnector(cfg)
		r.nextDelay()
		r.nextDelay()

		r.connectedAt = time.Now().Add(-2 * time.Minute)
		r.nextDelay()
		if r.attempt != 1 {
			t.Errorf("expected attempt reset to 1, got %d", r.attempt)
		}
	})
}

// streamTestServer accepts one websocket connection and runs fn over it.
func streamTestServer(t *testing.T, fn func(ctx context.Context, c *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "done")
		fn(r.Context(), c)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamDeliversEvents(t *testing.T) {
	srv := streamTestServer(t, func(ctx context.Context, c *websocket.Conn) {
		env := StreamEnvelope{
			Type: "message.created",
			Payload: mustJSON(MessageCreatedPayload{
				ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hi",
				CreatedAt: time.Now().UTC(),
			}),
		}
		data, _ := json.Marshal(env)
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}
		// Hold the connection open until the client leaves.
		c.Read(ctx)
	})

	client := NewClient("tok", WithBaseURL(srv.URL))
	sc := client.Chat().Realtime.Connect(&StreamConfig{Logger: quietLogger()})

	received := make(chan MessageCreatedPayload, 1)
	sc.OnMessageCreated(func(p MessageCreatedPayload) { received <- p })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sc.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer sc.Disconnect()

	if sc.State() != StateConnected {
		t.Errorf("expected connected state, got %s", sc.State())
	}

	select {
	case p := <-received:
		if p.ID != "m1" || p.Content != "hi" {
			t.Errorf("unexpected payload: %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for stream event")
	}
}

func TestStreamPing(t *testing.T) {
	srv := streamTestServer(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var env StreamEnvelope
			if json.Unmarshal(data, &env) != nil || env.Type != "ping" {
				continue
			}
			var p struct {
				RequestID string `json:"request_id"`
			}
			json.Unmarshal(env.Payload, &p)
			pong, _ := json.Marshal(StreamEnvelope{
				Type:    "pong",
				Payload: mustJSON(map[string]string{"request_id": p.RequestID}),
			})
			if c.Write(ctx, websocket.MessageText, pong) != nil {
				return
			}
		}
	})

	client := NewClient("tok", WithBaseURL(srv.URL))
	sc := client.Chat().Realtime.Connect(&StreamConfig{Logger: quietLogger()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sc.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer sc.Disconnect()

	if err := sc.Ping(ctx); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}

func TestSendTypingRequiresConnection(t *testing.T) {
	client := NewClient("tok", WithBaseURL("http://localhost:0"))
	sc := client.Chat().Realtime.Connect(&StreamConfig{Logger: quietLogger()})

	err := sc.SendTyping(context.Background(), "c1", true)
	if err == nil {
		t.Fatal("expected error while disconnected")
	}
}
