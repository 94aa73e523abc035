// Package trigger runs trigger nodes on behalf of the daemon: it owns the
// long-lived subscription contexts, forwards every payload to a Sink and
// tracks the active set.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/puzpuzpuz/xsync"

	xerrors "ChainFlow-Nodes/internal/errors"
	"ChainFlow-Nodes/internal/network"
	"ChainFlow-Nodes/internal/node"
	"ChainFlow-Nodes/internal/observability/metrics"
	"ChainFlow-Nodes/pkg/logger"
)

// Request starts one trigger.
type Request struct {
	ID        string          `json:"id,omitempty"`
	Node      string          `json:"node"`
	Operation string          `json:"operation"`
	Network   string          `json:"network,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Interval  string          `json:"interval,omitempty"`
	Profile   string          `json:"profile,omitempty"`
	// Filter is an optional JSONPath expression; payloads without a match are dropped.
	Filter string `json:"filter,omitempty"`
}

// Info describes a running trigger.
type Info struct {
	ID        string    `json:"id"`
	Node      string    `json:"node"`
	Operation string    `json:"operation"`
	Network   string    `json:"network,omitempty"`
	Profile   string    `json:"profile,omitempty"`
	Filter    string    `json:"filter,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Events    int64     `json:"events"`
	Dropped   int64     `json:"dropped"`
}

// Event is one payload delivered by a trigger.
type Event struct {
	TriggerID  string          `json:"trigger_id"`
	Node       string          `json:"node"`
	Operation  string          `json:"operation"`
	Network    string          `json:"network,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Nodes resolves trigger node types; *node.Registry satisfies it.
type Nodes interface {
	Trigger(typ string) (node.TriggerNode, bool)
}

// CredentialSource resolves provider credentials for a profile at start time.
type CredentialSource interface {
	Credentials(ctx context.Context, profile string) (network.Credentials, error)
}

// Option customises a Manager.
type Option func(*Manager)

// WithCredentialSource sets how profiles are turned into credentials.
func WithCredentialSource(src CredentialSource) Option {
	return func(m *Manager) {
		m.creds = src
	}
}

// WithDeliveryTimeout bounds a single Sink delivery.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.deliveryTimeout = d
		}
	}
}

// Manager keeps the set of running triggers.
type Manager struct {
	nodes           Nodes
	sink            Sink
	creds           CredentialSource
	deliveryTimeout time.Duration
	log             *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	active *xsync.MapOf[string, *running]
	wg     sync.WaitGroup
	closed atomic.Bool
}

type running struct {
	info    Info
	handle  node.Handle
	cancel  context.CancelFunc
	events  atomic.Int64
	dropped atomic.Int64
	stopped atomic.Bool
}

func (r *running) snapshot() Info {
	info := r.info
	info.Events = r.events.Load()
	info.Dropped = r.dropped.Load()
	return info
}

// NewManager creates a manager delivering to sink. Triggers live until Stop
// or Close; they are not bound to the context of the call that started them.
func NewManager(nodes Nodes, sink Sink, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		nodes:           nodes,
		sink:            sink,
		deliveryTimeout: 10 * time.Second,
		log:             logger.Named("trigger.manager"),
		ctx:             ctx,
		cancel:          cancel,
		active:          xsync.NewMapOf[*running](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.sink == nil {
		m.sink = NewLogSink(nil)
	}
	return m
}

// Start subscribes a trigger node and returns once the subscription is live.
func (m *Manager) Start(ctx context.Context, req Request) (Info, error) {
	if m.closed.Load() {
		return Info{}, xerrors.New(xerrors.CodeInitializationFailure, "trigger manager is closed")
	}
	tn, ok := m.nodes.Trigger(strings.TrimSpace(req.Node))
	if !ok {
		return Info{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("unknown trigger node %q", req.Node))
	}

	var filter jp.Expr
	if expr := strings.TrimSpace(req.Filter); expr != "" {
		parsed, err := jp.ParseString(expr)
		if err != nil {
			return Info{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid JSONPath filter")
		}
		filter = parsed
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := m.active.Load(id); exists {
		return Info{}, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("trigger %s already running", id))
	}

	var creds network.Credentials
	if m.creds != nil {
		resolved, err := m.creds.Credentials(ctx, req.Profile)
		if err != nil {
			return Info{}, err
		}
		creds = resolved
	}

	r := &running{info: Info{
		ID:        id,
		Node:      tn.Describe().Type,
		Operation: req.Operation,
		Network:   req.Network,
		Profile:   req.Profile,
		Filter:    req.Filter,
		StartedAt: time.Now().UTC(),
	}}
	if r.info.Network == "" {
		r.info.Network = tn.Describe().DefaultNetwork
	}

	runCtx, cancel := context.WithCancel(m.ctx)
	r.cancel = cancel
	stopStart := context.AfterFunc(ctx, cancel)

	handle, err := tn.RunTrigger(runCtx, node.Input{
		Operation:   req.Operation,
		Network:     req.Network,
		Params:      req.Params,
		Interval:    req.Interval,
		Credentials: creds,
	}, m.emitter(r, filter))
	// The caller's context only governs the subscribe handshake.
	stopStart()
	if err != nil {
		cancel()
		return Info{}, err
	}
	if runCtx.Err() != nil {
		_ = handle.Close()
		return Info{}, xerrors.Wrap(xerrors.CodeTimeout, runCtx.Err(), "trigger start cancelled")
	}
	r.handle = handle

	if _, loaded := m.active.LoadOrStore(id, r); loaded {
		_ = handle.Close()
		cancel()
		return Info{}, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("trigger %s already running", id))
	}
	metrics.TriggerStarted()
	m.log.Info("trigger started",
		slog.String("trigger_id", id),
		slog.String("node", r.info.Node),
		slog.String("operation", r.info.Operation),
		slog.String("network", r.info.Network))

	m.wg.Add(1)
	go m.watch(r)
	return r.snapshot(), nil
}

func (m *Manager) emitter(r *running, filter jp.Expr) node.Emit {
	return func(payload json.RawMessage) {
		if filter != nil && !matches(filter, payload) {
			r.dropped.Add(1)
			return
		}
		event := Event{
			TriggerID:  r.info.ID,
			Node:       r.info.Node,
			Operation:  r.info.Operation,
			Network:    r.info.Network,
			Payload:    payload,
			ReceivedAt: time.Now().UTC(),
		}
		ctx, cancel := context.WithTimeout(m.ctx, m.deliveryTimeout)
		defer cancel()
		if err := m.sink.Deliver(ctx, event); err != nil {
			r.dropped.Add(1)
			m.log.Warn("trigger event delivery failed",
				slog.String("trigger_id", r.info.ID),
				slog.Any("error", err))
			return
		}
		r.events.Add(1)
		metrics.ObserveTriggerEvent(r.info.Node, r.info.Operation)
	}
}

func matches(filter jp.Expr, payload json.RawMessage) bool {
	doc, err := oj.Parse(payload)
	if err != nil {
		return false
	}
	return len(filter.Get(doc)) > 0
}

func (m *Manager) watch(r *running) {
	defer m.wg.Done()
	<-r.handle.Done()
	m.active.Delete(r.info.ID)
	r.cancel()
	metrics.TriggerStopped()

	err := r.handle.Err()
	switch {
	case r.stopped.Load() || err == nil:
		m.log.Info("trigger stopped", slog.String("trigger_id", r.info.ID), slog.Int64("events", r.events.Load()))
	default:
		m.log.Error("trigger failed",
			slog.String("trigger_id", r.info.ID),
			slog.String("node", r.info.Node),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
	}
}

// Get returns a running trigger.
func (m *Manager) Get(id string) (Info, error) {
	r, ok := m.active.Load(id)
	if !ok {
		return Info{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("trigger %s not found", id))
	}
	return r.snapshot(), nil
}

// Stop unsubscribes a trigger and waits for it to finish.
func (m *Manager) Stop(id string) error {
	r, ok := m.active.Load(id)
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("trigger %s not found", id))
	}
	r.stopped.Store(true)
	err := r.handle.Close()
	r.cancel()
	<-r.handle.Done()
	m.active.Delete(id)
	return err
}

// List returns the running triggers ordered by start time.
func (m *Manager) List() []Info {
	out := make([]Info, 0, m.active.Size())
	m.active.Range(func(_ string, r *running) bool {
		out = append(out, r.snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Close stops every trigger and closes the sink.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	var ids []string
	m.active.Range(func(id string, _ *running) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		if err := m.Stop(id); err != nil {
			m.log.Warn("trigger stop failed", slog.String("trigger_id", id), slog.Any("error", err))
		}
	}
	m.cancel()
	m.wg.Wait()
	return m.sink.Close()
}
