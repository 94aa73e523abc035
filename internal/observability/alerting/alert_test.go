package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	xerrors "ChainFlow-Nodes/internal/errors"
)

type recordingNotifier struct {
	mu     sync.Mutex
	ch     Channel
	events []Event
	err    error
}

func (r *recordingNotifier) Channel() Channel { return r.ch }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{ch: ChannelLog}
	b := &recordingNotifier{ch: ChannelWebhook, err: errors.New("unreachable")}
	d := NewFanout(a, nil, b)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeProviderUnavailable, ExecutionID: "e1"})
	if err == nil || !strings.Contains(err.Error(), "channel webhook") {
		t.Fatalf("expected webhook error to be reported, got %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both notifiers to be called: %d %d", len(a.events), len(b.events))
	}
	if a.events[0].OccurredAt.IsZero() {
		t.Fatal("expected occurrence time to be stamped")
	}
	if got := d.Channels(); len(got) != 2 || got[0] != ChannelLog {
		t.Fatalf("unexpected channels: %v", got)
	}
}

func TestWebhookNotifierPostsEvent(t *testing.T) {
	var received Event
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Token")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}
	event := Event{Code: xerrors.CodeProviderRejected, Message: "rejected", Node: "alchemy", Operation: "eth_call", Attempts: 1, MaxRetries: 3}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.Code != xerrors.CodeProviderRejected || received.Node != "alchemy" {
		t.Fatalf("unexpected payload: %+v", received)
	}
	if header != "secret" {
		t.Fatalf("expected custom header, got %q", header)
	}
}

func TestWebhookNotifierReportsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodeUnknown}); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestLogNotifierWritesAttributes(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	event := Event{
		Code:        xerrors.CodeProviderUnavailable,
		Message:     "provider unavailable",
		Severity:    xerrors.SeverityCritical,
		ExecutionID: "exec-1",
		Metadata:    map[string]string{"stage": "terminal"},
	}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"level":"ERROR"`, `"execution_id":"exec-1"`, `"stage":"terminal"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}
