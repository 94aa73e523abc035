package node

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ChainFlow-Nodes/internal/catalog"
	xerrors "ChainFlow-Nodes/internal/errors"
	"ChainFlow-Nodes/internal/network"
	"ChainFlow-Nodes/internal/rpc"
	"ChainFlow-Nodes/internal/subscription"
	"ChainFlow-Nodes/pkg/logger"
)

const (
	defaultPollInterval = 15 * time.Second
	minPollInterval     = time.Second
)

// EthTrigger subscribes through eth_subscribe on a JSON-RPC provider.
type EthTrigger struct {
	base
}

// NewEthTrigger builds the trigger node of a JSON-RPC provider.
func NewEthTrigger(provider, display string, cat *catalog.Catalog, table *network.Table) *EthTrigger {
	return &EthTrigger{
		base: newBase(provider+"Trigger", provider, display+" Trigger",
			display+" WebSocket subscriptions", KindTrigger, cat, table, catalog.KindSubscription),
	}
}

// RunTrigger opens the WebSocket, subscribes and emits every notification
// until the handle is closed or ctx ends.
func (t *EthTrigger) RunTrigger(ctx context.Context, in Input, emit Emit) (Handle, error) {
	started := time.Now()
	h, resolved, err := t.subscribe(ctx, in, emit)
	if resolved != "" {
		in.Network = resolved
	}
	if err = t.finish("trigger subscribe", in, started, err); err != nil {
		return nil, err
	}
	return h, nil
}

func (t *EthTrigger) subscribe(ctx context.Context, in Input, emit Emit) (Handle, string, error) {
	op, ep, err := t.operation(in)
	if err != nil {
		return nil, "", err
	}
	body, err := requestBody(op, in.Params)
	if err != nil {
		return nil, ep.Network.Key, err
	}
	req, err := rpc.DecodeRequest(body)
	if err != nil {
		return nil, ep.Network.Key, err
	}
	wsURL, err := ep.WebSocket()
	if err != nil {
		return nil, ep.Network.Key, err
	}
	sub, err := subscription.SubscribeEth(ctx, wsURL, req.Method, req.Args()...)
	if err != nil {
		return nil, ep.Network.Key, err
	}
	return relay(ctx, sub, emit, t.log.With(slog.String("operation", op.Name))), ep.Network.Key, nil
}

// OpenSeaTrigger listens to OpenSea Stream API events.
type OpenSeaTrigger struct {
	base
	opts []subscription.StreamOption
}

// NewOpenSeaTrigger builds the OpenSea stream trigger node.
func NewOpenSeaTrigger(cat *catalog.Catalog, table *network.Table, opts ...subscription.StreamOption) *OpenSeaTrigger {
	return &OpenSeaTrigger{
		base: newBase(openSeaProvider+"Trigger", openSeaProvider, "OpenSea Trigger",
			"OpenSea Stream API events", KindTrigger, cat, table, catalog.KindStream),
		opts: opts,
	}
}

// RunTrigger joins the collection channel selected by collection_slug.
func (t *OpenSeaTrigger) RunTrigger(ctx context.Context, in Input, emit Emit) (Handle, error) {
	started := time.Now()
	h, resolved, err := t.subscribe(ctx, in, emit)
	if resolved != "" {
		in.Network = resolved
	}
	if err = t.finish("trigger subscribe", in, started, err); err != nil {
		return nil, err
	}
	return h, nil
}

func (t *OpenSeaTrigger) subscribe(ctx context.Context, in Input, emit Emit) (Handle, string, error) {
	op, ep, err := t.operation(in)
	if err != nil {
		return nil, "", err
	}
	p, err := params(op, in.Params)
	if err != nil {
		return nil, ep.Network.Key, err
	}
	if p.IsList() {
		return nil, ep.Network.Key, xerrors.New(xerrors.CodeInvalidParams, "opensea stream takes named params")
	}
	collection, _ := catalog.WithDefaults(op, p.Named)["collection_slug"].(string)
	wsURL, err := ep.WebSocket()
	if err != nil {
		return nil, ep.Network.Key, err
	}
	stream, err := subscription.SubscribeOpenSea(ctx, wsURL, collection, []string{op.Event}, t.opts...)
	if err != nil {
		return nil, ep.Network.Key, err
	}
	return relay(ctx, stream, emit, t.log.With(slog.String("event", op.Event))), ep.Network.Key, nil
}

// PollTrigger calls a JSON-RPC operation on an interval and emits the
// response whenever it differs from the previous one.
type PollTrigger struct {
	base
	action *RPCNode
}

// NewPollTrigger wraps an action node into a polling trigger.
func NewPollTrigger(action *RPCNode) *PollTrigger {
	b := action.base
	b.typ = action.provider + "Poll"
	b.displayName = action.displayName + " Poll"
	b.description = "Emits when a " + action.displayName + " call result changes"
	b.kind = KindTrigger
	b.log = logger.Named("node." + b.typ)
	return &PollTrigger{base: b, action: action}
}

// RunTrigger performs the first call synchronously so bad input fails fast.
func (t *PollTrigger) RunTrigger(ctx context.Context, in Input, emit Emit) (Handle, error) {
	started := time.Now()
	interval, err := pollInterval(in.Interval)
	if err != nil {
		return nil, t.finish("trigger subscribe", in, started, err)
	}
	first, resolved, err := t.action.call(ctx, in)
	if resolved != "" {
		in.Network = resolved
	}
	if err = t.finish("trigger subscribe", in, started, err); err != nil {
		return nil, err
	}
	emit(first)

	p := &poller{done: make(chan struct{}), stop: make(chan struct{})}
	go p.loop(ctx, interval, first, func(ctx context.Context) (json.RawMessage, error) {
		polled := time.Now()
		resp, _, err := t.action.call(ctx, in)
		if err != nil {
			return nil, t.finish("trigger poll", in, polled, err)
		}
		return resp, nil
	}, emit, t.log.With(slog.String("operation", in.Operation)))
	return p, nil
}

func pollInterval(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultPollInterval, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidParams, err, "invalid poll interval")
	}
	if d < minPollInterval {
		return minPollInterval, nil
	}
	return d, nil
}

// relay pumps subscription events into emit.
type relayHandle struct {
	sub  subscription.Subscription
	done chan struct{}
	err  error
}

func relay(ctx context.Context, sub subscription.Subscription, emit Emit, log *slog.Logger) *relayHandle {
	h := &relayHandle{sub: sub, done: make(chan struct{})}
	go h.loop(ctx, emit, log)
	return h
}

func (h *relayHandle) loop(ctx context.Context, emit Emit, log *slog.Logger) {
	defer close(h.done)
	defer h.sub.Close()
	for {
		select {
		case msg, ok := <-h.sub.Events():
			if !ok {
				select {
				case h.err = <-h.sub.Err():
				default:
				}
				log.Info("subscription ended", slog.Any("error", h.err))
				return
			}
			emit(msg)
		case err := <-h.sub.Err():
			h.err = err
			log.Warn("subscription failed", slog.Any("error", err))
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *relayHandle) Done() <-chan struct{} { return h.done }

func (h *relayHandle) Err() error {
	<-h.done
	return h.err
}

func (h *relayHandle) Close() error {
	err := h.sub.Close()
	<-h.done
	return err
}

type poller struct {
	done chan struct{}
	stop chan struct{}
	once sync.Once
	err  error
}

func (p *poller) loop(ctx context.Context, interval time.Duration, last json.RawMessage,
	call func(context.Context) (json.RawMessage, error), emit Emit, log *slog.Logger) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			resp, err := call(ctx)
			if err != nil {
				if xerrors.RetryableError(err) {
					log.Warn("poll failed, retrying next tick", slog.Any("error", err))
					continue
				}
				p.err = err
				return
			}
			if !bytes.Equal(resp, last) {
				last = resp
				emit(resp)
			}
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *poller) Done() <-chan struct{} { return p.done }

func (p *poller) Err() error {
	<-p.done
	return p.err
}

func (p *poller) Close() error {
	p.once.Do(func() { close(p.stop) })
	<-p.done
	return nil
}
