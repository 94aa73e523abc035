package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	xerrors "ChainFlow-Nodes/internal/errors"
)

type fakeStream struct {
	mu       sync.Mutex
	received []phoenixMessage
	token    string
	reject   bool
	left     chan struct{}
}

func (f *fakeStream) record(msg phoenixMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg)
}

func (f *fakeStream) events(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.received {
		if m.Event == name {
			n++
		}
	}
	return n
}

func (f *fakeStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.token = r.URL.Query().Get("token")
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	write := func(topic, event, payload string, ref *string) {
		frame, _ := json.Marshal(phoenixMessage{Topic: topic, Event: event, Payload: json.RawMessage(payload), Ref: ref})
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg phoenixMessage
		_ = json.Unmarshal(data, &msg)
		f.record(msg)
		switch msg.Event {
		case "phx_join":
			if f.reject {
				write(msg.Topic, "phx_reply", `{"status":"error","response":{"reason":"unauthorized"}}`, msg.Ref)
				continue
			}
			write(msg.Topic, "phx_reply", `{"status":"ok","response":{}}`, msg.Ref)
			write(msg.Topic, "item_sold", `{"event_type":"item_sold","payload":{"item":{"nft_id":"ethereum/0x1/1"}}}`, nil)
			write("collection:other", "item_listed", `{"event_type":"item_listed"}`, nil)
			write(msg.Topic, "item_listed", `{"event_type":"item_listed","payload":{"base_price":"1000"}}`, nil)
		case "phx_leave":
			close(f.left)
		}
	}
}

func startStream(t *testing.T, f *fakeStream) string {
	t.Helper()
	ts := httptest.NewServer(f)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket/websocket?token=k"
}

func TestOpenSeaStreamFiltersEventsAndLeaves(t *testing.T) {
	fake := &fakeStream{left: make(chan struct{})}
	url := startStream(t, fake)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := SubscribeOpenSea(ctx, url, "doodles-official", []string{"item_listed"}, WithHeartbeat(20*time.Millisecond))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case payload := <-stream.Events():
		var got map[string]any
		_ = json.Unmarshal(payload, &got)
		if got["event_type"] != "item_listed" {
			t.Fatalf("unexpected event %s", payload)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}

	deadline := time.Now().Add(2 * time.Second)
	for fake.events("heartbeat") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fake.events("heartbeat") == 0 {
		t.Fatal("no heartbeat sent")
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-fake.left:
	case <-time.After(2 * time.Second):
		t.Fatal("phx_leave not sent")
	}
	if fake.token != "k" {
		t.Fatalf("token not forwarded: %q", fake.token)
	}
	fake.mu.Lock()
	first := fake.received[0]
	fake.mu.Unlock()
	if first.Event != "phx_join" || first.Topic != "collection:doodles-official" {
		t.Fatalf("unexpected join frame %+v", first)
	}
}

func TestOpenSeaStreamJoinRejected(t *testing.T) {
	fake := &fakeStream{left: make(chan struct{}), reject: true}
	url := startStream(t, fake)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := SubscribeOpenSea(ctx, url, "", nil)
	if xerrors.CodeOf(err) != xerrors.CodeSubscriptionFailure {
		t.Fatalf("expected subscription failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("reply reason missing: %v", err)
	}
}
