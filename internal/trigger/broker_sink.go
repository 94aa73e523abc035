package trigger

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	xerrors "ChainFlow-Nodes/internal/errors"
)

const (
	defaultRedisChannel   = "chainflow:trigger-events"
	defaultRabbitExchange = "chainflow.triggers"
	defaultKafkaTopic     = "chainflow.trigger-events"
)

// RedisSinkConfig configures RedisSink.
type RedisSinkConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Channel  string
}

// RedisSink publishes events on a Redis pub/sub channel.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisSink connects and pings the server.
func NewRedisSink(ctx context.Context, cfg RedisSinkConfig) (*RedisSink, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis ping failed")
	}
	return NewRedisSinkWithClient(client, cfg.Channel), nil
}

// NewRedisSinkWithClient reuses an existing client.
func NewRedisSinkWithClient(client redis.UniversalClient, channel string) *RedisSink {
	if channel == "" {
		channel = defaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Deliver(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode trigger event")
	}
	if err := s.client.Publish(ctx, s.channel, body).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis publish failed")
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

// RabbitMQSinkConfig configures RabbitMQSink.
type RabbitMQSinkConfig struct {
	URL      string
	Exchange string
}

// RabbitMQSink publishes events to a topic exchange routed by
// "<node>.<operation>".
type RabbitMQSink struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbitMQSink dials the broker and declares the exchange.
func NewRabbitMQSink(cfg RabbitMQSinkConfig) (*RabbitMQSink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "rabbitmq url is required")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = defaultRabbitExchange
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "rabbitmq dial failed")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "rabbitmq channel failed")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "rabbitmq exchange declare failed")
	}
	return &RabbitMQSink{conn: conn, ch: ch, exchange: exchange}, nil
}

func (s *RabbitMQSink) Deliver(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode trigger event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.ch.PublishWithContext(ctx, s.exchange, routingKey(event), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.TriggerID,
		Timestamp:    event.ReceivedAt,
		Body:         body,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "rabbitmq publish failed")
	}
	return nil
}

func (s *RabbitMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func routingKey(event Event) string {
	return event.Node + "." + event.Operation
}

// KafkaSinkConfig configures KafkaSink.
type KafkaSinkConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
	// Timeout bounds one send: broker acks and network writes. Zero keeps
	// the sarama defaults.
	Timeout time.Duration
}

// KafkaSink produces events keyed by trigger ID so one subscription keeps
// its ordering within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink creates a synchronous producer.
func NewKafkaSink(cfg KafkaSinkConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "kafka brokers are required")
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig(cfg))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "kafka producer init failed")
	}
	return NewKafkaSinkWithProducer(producer, cfg.Topic), nil
}

func kafkaConfig(cfg KafkaSinkConfig) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID
	if config.ClientID == "" {
		config.ClientID = "chainflowd"
	}
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	if cfg.Timeout > 0 {
		config.Producer.Timeout = cfg.Timeout
		config.Net.DialTimeout = cfg.Timeout
		config.Net.WriteTimeout = cfg.Timeout
		config.Net.ReadTimeout = cfg.Timeout
	}
	return config
}

// NewKafkaSinkWithProducer reuses an existing producer.
func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string) *KafkaSink {
	if topic == "" {
		topic = defaultKafkaTopic
	}
	return &KafkaSink{producer: producer, topic: topic}
}

// Deliver sends one event. SyncProducer takes no context, so ctx is only
// checked before the send; the send itself is bounded by KafkaSinkConfig.Timeout.
func (s *KafkaSink) Deliver(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "kafka send cancelled")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode trigger event")
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.ByteEncoder(event.TriggerID),
		Value: sarama.ByteEncoder(body),
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "kafka send failed")
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
