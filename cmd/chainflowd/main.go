package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"ChainFlow-Nodes/internal/api"
	"ChainFlow-Nodes/internal/config"
	"ChainFlow-Nodes/internal/execution"
	"ChainFlow-Nodes/internal/trigger"
	"ChainFlow-Nodes/pkg/logger"
)

// main 是 chainflowd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("chainflowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	appLog := logger.Named("chainflowd")

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	defer registry.Close()

	creds := execution.EnvCredentials{Profiles: cfg.Credentials}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	queue, err := buildQueue(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return err
	}
	service := execution.NewService(store, queue, cfg.Execution.MaxRetries, execution.WithNodeLookup(registry))
	defer func() {
		if err := service.Close(); err != nil {
			appLog.Warn("关闭执行服务失败", slog.Any("error", err))
		}
	}()

	processor := execution.NewProcessor(registry, store, queue, queue,
		execution.WithWorkerCount(cfg.Execution.Workers),
		execution.WithCredentialSource(creds),
		execution.WithCallTimeout(cfg.Execution.CallTimeout.Std()),
		execution.WithAlertDispatcher(buildAlerts(cfg)),
	)

	events := trigger.NewMemorySink(cfg.Triggers.MemoryCapacity)
	sinks, err := buildSinks(ctx, cfg)
	if err != nil {
		return err
	}
	manager := trigger.NewManager(registry, trigger.NewMultiSink(append([]trigger.Sink{events}, sinks...)...),
		trigger.WithCredentialSource(creds),
		trigger.WithDeliveryTimeout(cfg.Triggers.DeliveryTimeout.Std()),
	)
	defer func() {
		if err := manager.Close(); err != nil {
			appLog.Warn("关闭触发器失败", slog.Any("error", err))
		}
	}()

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.Disabled {
		metricsPath = ""
	}
	server := api.NewServer(cfg.Server.Address,
		api.WithRegistry(registry),
		api.WithExecutions(service),
		api.WithTriggers(manager),
		api.WithEventBuffer(events),
		api.WithCredentials(creds),
		api.WithMetricsPath(metricsPath),
		api.WithTimeouts(cfg.Server.ReadHeaderTimeout.Std(), cfg.Server.ShutdownTimeout.Std()),
	)

	appLog.Info("chainflowd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("store", cfg.Execution.Store.Driver),
		slog.String("queue", cfg.Execution.Queue.Driver),
		slog.Int("workers", cfg.Execution.Workers),
		slog.Any("trigger_sinks", cfg.Triggers.Sinks),
		slog.Any("credential_profiles", creds.Names()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return processor.Start(gctx)
	})
	g.Go(func() error {
		return server.Start(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	appLog.Info("chainflowd 已停止")
	return nil
}
