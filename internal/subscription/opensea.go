package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	xerrors "ChainFlow-Nodes/internal/errors"
)

const (
	defaultHeartbeat   = 30 * time.Second
	defaultJoinTimeout = 10 * time.Second
	writeWait          = 5 * time.Second

	// AllCollections subscribes to every collection on the stream.
	AllCollections = "*"
)

// phoenixMessage is the frame format of Phoenix channels.
type phoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

type phoenixReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// StreamOption customises an OpenSea stream.
type StreamOption func(*OpenSeaStream)

// WithHeartbeat overrides the heartbeat interval.
func WithHeartbeat(d time.Duration) StreamOption {
	return func(s *OpenSeaStream) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) StreamOption {
	return func(s *OpenSeaStream) {
		if d != nil {
			s.dialer = d
		}
	}
}

// OpenSeaStream is a single collection subscription on the OpenSea Stream API.
type OpenSeaStream struct {
	dialer      *websocket.Dialer
	heartbeat   time.Duration
	joinTimeout time.Duration

	conn    *websocket.Conn
	writeMu sync.Mutex
	ref     atomic.Uint64
	topic   string
	filter  map[string]struct{}

	joinRef string
	joined  chan error
	events  chan json.RawMessage
	errs    chan error
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// SubscribeOpenSea joins collection:<slug> and forwards payloads whose event
// type is listed in events. No events means every event type.
func SubscribeOpenSea(ctx context.Context, wsURL, collection string, events []string, opts ...StreamOption) (*OpenSeaStream, error) {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		collection = AllCollections
	}
	s := &OpenSeaStream{
		dialer:      websocket.DefaultDialer,
		heartbeat:   defaultHeartbeat,
		joinTimeout: defaultJoinTimeout,
		topic:       "collection:" + collection,
		filter:      make(map[string]struct{}, len(events)),
		joined:      make(chan error, 1),
		events:      make(chan json.RawMessage, eventBuffer),
		errs:        make(chan error, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			s.filter[e] = struct{}{}
		}
	}

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubscriptionFailure, scrub(err), "dial opensea stream")
	}
	s.conn = conn

	s.joinRef = s.nextRef()
	if err := s.send(s.topic, "phx_join", s.joinRef); err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeSubscriptionFailure, err, "join collection channel")
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.heartbeatLoop()

	timer := time.NewTimer(s.joinTimeout)
	defer timer.Stop()
	select {
	case err := <-s.joined:
		if err != nil {
			s.Close()
			return nil, err
		}
	case <-timer.C:
		s.Close()
		return nil, xerrors.New(xerrors.CodeSubscriptionFailure, "timed out joining "+s.topic)
	case <-ctx.Done():
		s.Close()
		return nil, xerrors.Wrap(xerrors.CodeSubscriptionFailure, ctx.Err(), "join cancelled")
	}
	return s, nil
}

func (s *OpenSeaStream) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *OpenSeaStream) send(topic, event, ref string) error {
	frame, err := json.Marshal(phoenixMessage{Topic: topic, Event: event, Payload: json.RawMessage(`{}`), Ref: &ref})
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *OpenSeaStream) readLoop() {
	defer s.wg.Done()
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.fail(xerrors.Wrap(xerrors.CodeSubscriptionFailure, err, "stream connection lost"))
			}
			return
		}
		var msg phoenixMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case "phx_reply":
			if msg.Topic == s.topic && msg.Ref != nil && *msg.Ref == s.joinRef {
				select {
				case s.joined <- joinResult(msg.Payload, s.topic):
				default:
				}
			}
			continue
		case "phx_error", "phx_close":
			if msg.Topic == s.topic {
				s.fail(xerrors.New(xerrors.CodeSubscriptionFailure, fmt.Sprintf("channel %s closed by server (%s)", s.topic, msg.Event)))
				return
			}
			continue
		}
		if msg.Topic != s.topic || !s.selected(msg.Event) {
			continue
		}
		select {
		case s.events <- msg.Payload:
		case <-s.done:
			return
		}
	}
}

func joinResult(payload json.RawMessage, topic string) error {
	var reply phoenixReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		return xerrors.Wrap(xerrors.CodeSubscriptionFailure, err, "decode join reply")
	}
	if reply.Status != "ok" {
		return xerrors.New(xerrors.CodeSubscriptionFailure,
			fmt.Sprintf("join %s rejected: %s %s", topic, reply.Status, string(reply.Response)))
	}
	return nil
}

func (s *OpenSeaStream) selected(event string) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[event]
	return ok
}

func (s *OpenSeaStream) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.send("phoenix", "heartbeat", s.nextRef()); err != nil {
				s.fail(xerrors.Wrap(xerrors.CodeSubscriptionFailure, err, "send heartbeat"))
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *OpenSeaStream) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
	select {
	case s.joined <- err:
	default:
	}
}

// Events yields the payload of every selected stream event.
func (s *OpenSeaStream) Events() <-chan json.RawMessage { return s.events }

// Err yields the terminal stream error, if any.
func (s *OpenSeaStream) Err() <-chan error { return s.errs }

// Close leaves the channel and closes the socket.
func (s *OpenSeaStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.send(s.topic, "phx_leave", s.nextRef())
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	s.wg.Wait()
	return nil
}
