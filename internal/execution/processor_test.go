package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ChainFlow-Nodes/internal/errors"
	"ChainFlow-Nodes/internal/network"
	"ChainFlow-Nodes/internal/node"
	"ChainFlow-Nodes/internal/observability/alerting"
)

type fakeRunner struct {
	calls   atomic.Int32
	latency time.Duration
	mu      sync.Mutex
	creds   []network.Credentials
	fail    func(call int32, in node.Input) error
}

func (f *fakeRunner) Run(ctx context.Context, nodeType string, in node.Input) (json.RawMessage, error) {
	call := f.calls.Add(1)
	f.mu.Lock()
	f.creds = append(f.creds, in.Credentials)
	f.mu.Unlock()
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		if err := f.fail(call, in); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"result":%q}`, nodeType+":"+in.Operation)), nil
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerts) snapshot() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

func (r *recordingAlerts) waitFor(t *testing.T, n int) []alerting.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if events := r.snapshot(); len(events) >= n {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	return r.snapshot()
}

func startProcessor(t *testing.T, p *Processor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	return cancel
}

func TestProcessorHandlesConcurrentExecutions(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	runner := &fakeRunner{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	cancel := startProcessor(t, NewProcessor(runner, store, queue, queue, WithWorkerCount(8)))
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()

	const total = 100
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		exec, err := service.Submit(ctx, Request{Node: "alchemy", Operation: "eth_blockNumber", Network: "eth-mainnet"})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, exec.ID)
	}
	for _, id := range ids {
		exec, err := service.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("wait %s: %v", id, err)
		}
		if exec.Status != StatusSucceeded {
			t.Fatalf("unexpected status %s", exec.Status)
		}
		if string(exec.Response) != `{"jsonrpc":"2.0","id":1,"result":"alchemy:eth_blockNumber"}` {
			t.Fatalf("response not stored verbatim: %s", exec.Response)
		}
	}
	if got := runner.calls.Load(); got != total {
		t.Fatalf("expected %d runs, got %d", total, got)
	}
}

func TestProcessorRetriesRetryableErrors(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	runner := &fakeRunner{fail: func(call int32, _ node.Input) error {
		if call < 3 {
			return xerrors.New(xerrors.CodeProviderUnavailable, "upstream 503")
		}
		return nil
	}}

	service := NewService(store, queue, 3)
	cancel := startProcessor(t, NewProcessor(runner, store, queue, queue))
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	exec, err := service.Submit(ctx, Request{Node: "infura", Operation: "eth_chainId"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := service.WaitUntilCompleted(ctx, exec.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusSucceeded || final.Attempts != 3 {
		t.Fatalf("expected success on third attempt, got %+v", final)
	}
}

func TestProcessorStopsOnNonRetryableErrorAndAlerts(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	alerts := &recordingAlerts{}
	runner := &fakeRunner{fail: func(int32, node.Input) error {
		return xerrors.New(xerrors.CodeProviderRejected, "invalid params",
			xerrors.WithMetadata("provider", "alchemy"), xerrors.WithAlert(true))
	}}

	service := NewService(store, queue, 5)
	cancel := startProcessor(t, NewProcessor(runner, store, queue, queue, WithAlertDispatcher(alerts)))
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	exec, err := service.Submit(ctx, Request{Node: "alchemy", Operation: "eth_call"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := service.WaitUntilCompleted(ctx, exec.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusFailed || !final.Terminal || final.Attempts != 1 {
		t.Fatalf("expected terminal failure after one attempt, got %+v", final)
	}
	if final.ErrorCode != string(xerrors.CodeProviderRejected) {
		t.Fatalf("unexpected error code %s", final.ErrorCode)
	}
	events := alerts.waitFor(t, 1)
	if len(events) != 1 || events[0].ExecutionID != exec.ID || events[0].Metadata["provider"] != "alchemy" {
		t.Fatalf("unexpected alerts: %+v", events)
	}
	if runner.calls.Load() != 1 {
		t.Fatalf("non-retryable error must not be retried, got %d calls", runner.calls.Load())
	}
}

func TestProcessorAlertsWhenRetriesExhausted(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	alerts := &recordingAlerts{}
	runner := &fakeRunner{fail: func(int32, node.Input) error {
		return xerrors.New(xerrors.CodeProviderUnavailable, "")
	}}

	service := NewService(store, queue, 2)
	cancel := startProcessor(t, NewProcessor(runner, store, queue, queue, WithAlertDispatcher(alerts)))
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	exec, err := service.Submit(ctx, Request{Node: "quicknode", Operation: "eth_chainId"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := service.WaitUntilCompleted(ctx, exec.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusFailed || final.Attempts != 2 {
		t.Fatalf("expected two failed attempts, got %+v", final)
	}
	events := alerts.waitFor(t, 1)
	if len(events) != 1 || events[0].Metadata["stage"] != "exhausted" {
		t.Fatalf("expected a single exhausted alert, got %+v", events)
	}
}

func TestProcessorResolvesCredentialsByProfile(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	runner := &fakeRunner{}
	creds := EnvCredentials{
		Profiles: map[string]map[string]string{"team": {"apiKey": "TEAM_KEY"}},
		Lookup: func(name string) (string, bool) {
			if name == "TEAM_KEY" {
				return "k-123", true
			}
			return "", false
		},
	}

	service := NewService(store, queue, 1)
	cancel := startProcessor(t, NewProcessor(runner, store, queue, queue, WithCredentialSource(creds)))
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	exec, err := service.Submit(ctx, Request{Node: "alchemy", Operation: "eth_chainId", Profile: "team"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := service.WaitUntilCompleted(ctx, exec.ID, 10*time.Millisecond); err != nil {
		t.Fatalf("wait: %v", err)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.creds) != 1 || runner.creds[0]["apiKey"] != "k-123" {
		t.Fatalf("unexpected credentials: %+v", runner.creds)
	}

	stored, _ := service.Get(ctx, exec.ID)
	raw, _ := json.Marshal(stored)
	if strings.Contains(string(raw), "k-123") {
		t.Fatalf("credentials leaked into execution record: %s", raw)
	}
}
