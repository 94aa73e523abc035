package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"

	xerrors "ChainFlow-Nodes/internal/errors"
	"ChainFlow-Nodes/internal/network"
	"ChainFlow-Nodes/internal/subscription"
)

type chainService struct {
	closed chan struct{}
}

func (s *chainService) NewHeads(ctx context.Context) (*gethrpc.Subscription, error) {
	notifier, _ := gethrpc.NotifierFromContext(ctx)
	sub := notifier.CreateSubscription()
	go func() {
		for i := uint64(100); i < 102; i++ {
			_ = notifier.Notify(sub.ID, map[string]string{"number": hexutil.EncodeUint64(i)})
		}
		<-sub.Err()
		close(s.closed)
	}()
	return sub, nil
}

func TestEthTriggerLifecycle(t *testing.T) {
	svc := &chainService{closed: make(chan struct{})}
	server := gethrpc.NewServer()
	if err := server.RegisterName("eth", svc); err != nil {
		t.Fatalf("register: %v", err)
	}
	ts := httptest.NewServer(server.WebsocketHandler([]string{"*"}))
	defer ts.Close()
	defer server.Stop()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?key={apiKey}"
	trigger := NewEthTrigger("alchemy", "Alchemy", defaultCatalog(t), testTable("http://unused", wsURL))

	got := make(chan json.RawMessage, 4)
	h, err := trigger.RunTrigger(context.Background(), Input{
		Operation:   "newHeads",
		Credentials: network.Credentials{"apiKey": "k"},
	}, func(p json.RawMessage) { got <- p })
	if err != nil {
		t.Fatalf("run trigger: %v", err)
	}

	for _, want := range []string{"0x64", "0x65"} {
		select {
		case p := <-got:
			if !strings.Contains(string(p), want) {
				t.Fatalf("expected %s in %s", want, p)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for head")
		}
	}

	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("handle not done after close")
	}
	select {
	case <-svc.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("unsubscribe never reached the server")
	}
}

func TestEthTriggerRejectsActionOperation(t *testing.T) {
	trigger := NewEthTrigger("alchemy", "Alchemy", defaultCatalog(t), testTable("http://unused", "ws://unused"))
	_, err := trigger.RunTrigger(context.Background(), Input{
		Operation:   "eth_blockNumber",
		Credentials: network.Credentials{"apiKey": "k"},
	}, func(json.RawMessage) {})
	if xerrors.CodeOf(err) != xerrors.CodeUnsupportedOperation {
		t.Fatalf("expected unsupported operation, got %v", err)
	}
}

type phoenixFrame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

// openSeaServer accepts one Phoenix join and pushes a listing then a sale.
type openSeaServer struct {
	mu          sync.Mutex
	topic       string
	token       string
	subprotocol string
}

func (s *openSeaServer) joined() (topic, token, subprotocol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topic, s.token, s.subprotocol
}

func (s *openSeaServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{Subprotocols: []string{"phoenix"}}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.mu.Lock()
	s.token = r.URL.Query().Get("token")
	s.subprotocol = conn.Subprotocol()
	s.mu.Unlock()

	write := func(topic, event, payload string, ref *string) {
		frame, _ := json.Marshal(phoenixFrame{Topic: topic, Event: event, Payload: json.RawMessage(payload), Ref: ref})
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg phoenixFrame
		_ = json.Unmarshal(data, &msg)
		if msg.Event != "phx_join" {
			continue
		}
		s.mu.Lock()
		s.topic = msg.Topic
		s.mu.Unlock()
		write(msg.Topic, "phx_reply", `{"status":"ok","response":{}}`, msg.Ref)
		write(msg.Topic, "item_listed", `{"event_type":"item_listed"}`, nil)
		write(msg.Topic, "item_sold", `{"event_type":"item_sold"}`, nil)
	}
}

func TestOpenSeaTriggerDefaultsCollectionAndFiltersEvent(t *testing.T) {
	fake := &openSeaServer{}
	ts := httptest.NewServer(fake)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket/websocket?token={apiKey}"

	dialer := &websocket.Dialer{HandshakeTimeout: 2 * time.Second, Subprotocols: []string{"phoenix"}}
	registry := NewRegistry(defaultCatalog(t), testTable("http://unused", wsURL),
		WithStreamOptions(subscription.WithDialer(dialer), subscription.WithHeartbeat(time.Hour)))
	trigger, ok := registry.Trigger("openseaTrigger")
	if !ok {
		t.Fatal("openseaTrigger not registered")
	}

	got := make(chan json.RawMessage, 4)
	h, err := trigger.RunTrigger(context.Background(), Input{
		Operation:   "itemSold",
		Credentials: network.Credentials{"apiKey": "os-key"},
	}, func(p json.RawMessage) { got <- p })
	if err != nil {
		t.Fatalf("run trigger: %v", err)
	}
	defer h.Close()

	select {
	case p := <-got:
		if !strings.Contains(string(p), "item_sold") {
			t.Fatalf("event outside the operation leaked: %s", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sale")
	}
	topic, token, subprotocol := fake.joined()
	if topic != "collection:*" {
		t.Fatalf("expected all-collections topic, got %q", topic)
	}
	if token != "os-key" {
		t.Fatalf("api key not bound into stream url: %q", token)
	}
	if subprotocol != "phoenix" {
		t.Fatal("configured dialer not used")
	}
}

func TestOpenSeaTriggerRejectsPositionalParams(t *testing.T) {
	trigger := NewOpenSeaTrigger(defaultCatalog(t), testTable("http://unused", "ws://unused"))
	_, err := trigger.RunTrigger(context.Background(), Input{
		Operation:   "itemListed",
		Params:      json.RawMessage(`["doodles-official"]`),
		Credentials: network.Credentials{"apiKey": "k"},
	}, func(json.RawMessage) {})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidParams {
		t.Fatalf("expected invalid params, got %v", err)
	}
}

func TestPollInterval(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
		code xerrors.Code
	}{
		{"", defaultPollInterval, ""},
		{"  ", defaultPollInterval, ""},
		{"30s", 30 * time.Second, ""},
		{"250ms", minPollInterval, ""},
		{"-5s", minPollInterval, ""},
		{"1s", time.Second, ""},
		{"fast", 0, xerrors.CodeInvalidParams},
		{"10", 0, xerrors.CodeInvalidParams},
	}
	for _, tc := range cases {
		got, err := pollInterval(tc.raw)
		if tc.code != "" {
			if xerrors.CodeOf(err) != tc.code {
				t.Fatalf("%q: expected %s, got %v", tc.raw, tc.code, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %v %v, want %v", tc.raw, got, err, tc.want)
		}
	}
}
