package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"ChainFlow-Nodes/internal/config"
	"ChainFlow-Nodes/internal/execution"
	"ChainFlow-Nodes/internal/node"
	"ChainFlow-Nodes/internal/observability/alerting"
	"ChainFlow-Nodes/internal/rpc"
	mysqlstore "ChainFlow-Nodes/internal/storage/mysql"
	"ChainFlow-Nodes/internal/subscription"
	"ChainFlow-Nodes/internal/trigger"
)

// buildRegistry 合并内置目录、网络表与配置中的扩展文件。
func buildRegistry(cfg *config.Config) (*node.Registry, error) {
	client := rpc.NewClient(
		rpc.WithTimeout(cfg.RPC.Timeout.Std()),
		rpc.WithUserAgent(cfg.RPC.UserAgent),
		rpc.WithMaxResponseBytes(cfg.RPC.MaxResponseBytes),
	)
	return node.LoadRegistry(cfg.Catalog.Dir, cfg.Networks.File,
		node.WithRPCClient(client),
		node.WithStreamOptions(streamOptions(cfg)...),
	)
}

// streamOptions 让 OpenSea 流复用 RPC 超时作为握手超时。
func streamOptions(cfg *config.Config) []subscription.StreamOption {
	return []subscription.StreamOption{
		subscription.WithHeartbeat(cfg.Triggers.StreamHeartbeat.Std()),
		subscription.WithDialer(&websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.RPC.Timeout.Std(),
		}),
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (execution.Store, error) {
	switch cfg.Execution.Store.Driver {
	case config.DriverMemory:
		return execution.NewMemoryStore(), nil
	case config.DriverMySQL:
		m := cfg.Execution.Store.MySQL
		return mysqlstore.NewExecutionStore(ctx, mysqlstore.Config{
			DSN:             m.DSN,
			MaxOpenConns:    m.MaxOpenConns,
			MaxIdleConns:    m.MaxIdleConns,
			ConnMaxLifetime: m.ConnMaxLifetime.Std(),
			ConnMaxIdleTime: m.ConnMaxIdleTime.Std(),
		})
	default:
		return nil, fmt.Errorf("未知的执行存储: %s", cfg.Execution.Store.Driver)
	}
}

func buildQueue(ctx context.Context, cfg *config.Config) (execution.Queue, error) {
	q := cfg.Execution.Queue
	switch q.Driver {
	case config.DriverMemory:
		return execution.NewMemoryQueue(q.Size), nil
	case config.DriverRedis:
		return execution.NewRedisQueue(ctx, execution.RedisQueueConfig{
			Address:   q.Redis.Address,
			Password:  q.Redis.Password,
			DB:        q.Redis.DB,
			Queue:     q.Redis.Queue,
			BlockWait: q.Redis.Wait.Std(),
		})
	case config.DriverRabbitMQ:
		return execution.NewRabbitMQQueue(execution.RabbitMQConfig{
			URL:      q.RabbitMQ.URL,
			Queue:    q.RabbitMQ.Queue,
			Prefetch: q.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", q.Driver)
	}
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if cfg.Alerting.Webhook.URL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:     cfg.Alerting.Webhook.URL,
			Headers: cfg.Alerting.Webhook.Headers,
		})
	}
	if cfg.Alerting.Slack.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{WebhookURL: cfg.Alerting.Slack.WebhookURL})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

// buildSinks 按配置创建触发器事件输出；内存缓冲由调用方单独创建。
func buildSinks(ctx context.Context, cfg *config.Config) ([]trigger.Sink, error) {
	t := cfg.Triggers
	var sinks []trigger.Sink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}
	for _, name := range t.Sinks {
		var (
			sink trigger.Sink
			err  error
		)
		switch name {
		case config.DriverMemory:
			continue
		case config.SinkLog:
			sink = trigger.NewLogSink(nil)
		case config.DriverRedis:
			sink, err = trigger.NewRedisSink(ctx, trigger.RedisSinkConfig{
				Addr:     t.Redis.Address,
				Username: t.Redis.Username,
				Password: t.Redis.Password,
				DB:       t.Redis.DB,
				Channel:  t.Redis.Channel,
			})
		case config.DriverRabbitMQ:
			sink, err = trigger.NewRabbitMQSink(trigger.RabbitMQSinkConfig{
				URL:      t.RabbitMQ.URL,
				Exchange: t.RabbitMQ.Exchange,
			})
		case config.SinkKafka:
			sink, err = trigger.NewKafkaSink(trigger.KafkaSinkConfig{
				Brokers:  t.Kafka.Brokers,
				Topic:    t.Kafka.Topic,
				ClientID: t.Kafka.ClientID,
				Timeout:  t.DeliveryTimeout.Std(),
			})
		default:
			err = fmt.Errorf("未知的触发器输出: %s", name)
		}
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}
