package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "ChainFlow-Nodes/internal/errors"
)

// EthSubscriber holds one WebSocket JSON-RPC connection.
type EthSubscriber struct {
	client *gethrpc.Client
}

// DialEth opens the WebSocket connection.
func DialEth(ctx context.Context, wsURL string) (*EthSubscriber, error) {
	client, err := gethrpc.DialContext(ctx, wsURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubscriptionFailure, scrub(err), "dial websocket endpoint")
	}
	return &EthSubscriber{client: client}, nil
}

// Subscribe issues <namespace>_subscribe with args. The method of the
// request template decides the namespace, e.g. "eth_subscribe".
func (s *EthSubscriber) Subscribe(ctx context.Context, method string, args ...any) (Subscription, error) {
	namespace, ok := strings.CutSuffix(method, "_subscribe")
	if !ok || namespace == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s is not a subscription method", method))
	}
	raw := make(chan json.RawMessage, eventBuffer)
	sub, err := s.client.Subscribe(ctx, namespace, raw, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubscriptionFailure, scrub(err), "subscribe")
	}
	es := &ethSubscription{
		sub:    sub,
		raw:    raw,
		events: make(chan json.RawMessage, eventBuffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go es.forward()
	return es, nil
}

// Close terminates the connection and every subscription on it.
func (s *EthSubscriber) Close() {
	s.client.Close()
}

// SubscribeEth dials, subscribes and ties the connection's lifetime to the
// returned subscription.
func SubscribeEth(ctx context.Context, wsURL, method string, args ...any) (Subscription, error) {
	subscriber, err := DialEth(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	sub, err := subscriber.Subscribe(ctx, method, args...)
	if err != nil {
		subscriber.Close()
		return nil, err
	}
	return &owned{Subscription: sub, release: subscriber.Close}, nil
}

type ethSubscription struct {
	sub    *gethrpc.ClientSubscription
	raw    chan json.RawMessage
	events chan json.RawMessage
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func (s *ethSubscription) forward() {
	defer close(s.events)
	for {
		select {
		case msg := <-s.raw:
			select {
			case s.events <- msg:
			case <-s.done:
				return
			}
		case err, ok := <-s.sub.Err():
			if ok && err != nil {
				s.errs <- xerrors.Wrap(xerrors.CodeSubscriptionFailure, err, "subscription dropped")
			}
			return
		case <-s.done:
			return
		}
	}
}

func (s *ethSubscription) Events() <-chan json.RawMessage { return s.events }

func (s *ethSubscription) Err() <-chan error { return s.errs }

// Close sends the matching unsubscribe call.
func (s *ethSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.sub.Unsubscribe()
	})
	return nil
}

type owned struct {
	Subscription
	release func()
	once    sync.Once
}

func (o *owned) Close() error {
	err := o.Subscription.Close()
	o.once.Do(o.release)
	return err
}
