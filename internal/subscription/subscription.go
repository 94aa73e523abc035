// Package subscription runs the WebSocket side of trigger nodes: eth_subscribe
// streams over go-ethereum's RPC client and OpenSea's Phoenix channel stream.
package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// Subscription is a live stream of provider notifications. Events is closed
// once the subscription ends; Err yields at most one terminal error.
type Subscription interface {
	Events() <-chan json.RawMessage
	Err() <-chan error
	Close() error
}

const eventBuffer = 64

// scrub removes URLs (and the API keys inside them) from dial errors.
func scrub(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}
