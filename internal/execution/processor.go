package execution

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "ChainFlow-Nodes/internal/errors"
	"ChainFlow-Nodes/internal/node"
	"ChainFlow-Nodes/internal/observability/alerting"
	"ChainFlow-Nodes/internal/observability/metrics"
	"ChainFlow-Nodes/pkg/logger"
)

// Runner 执行一次节点调用，*node.Registry 满足该接口。
type Runner interface {
	Run(ctx context.Context, nodeType string, in node.Input) (json.RawMessage, error)
}

// Processor 负责从队列消费执行 ID 并调用对应节点。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	credentials CredentialSource
	workerCount int
	callTimeout time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithCredentialSource 配置凭证解析方式。
func WithCredentialSource(source CredentialSource) ProcessorOption {
	return func(p *Processor) {
		p.credentials = source
	}
}

// WithCallTimeout 为单次节点调用设置超时。
func WithCallTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.callTimeout = timeout
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		credentials: EnvCredentials{},
		workerCount: 1,
		callTimeout: time.Minute,
		logger:      logger.Named("execution.processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置执行队列消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, id string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	exec, err := p.store.Claim(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrExecutionNotFound) || stdErrors.Is(err, ErrExecutionCompleted) ||
			stdErrors.Is(err, ErrExecutionExhausted) || stdErrors.Is(err, ErrExecutionConflict) {
			p.logger.Debug("跳过执行", slog.String("execution_id", id), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取执行失败", slog.Any("error", err), slog.String("execution_id", id))
		p.emitAlert(ctx, &Execution{ID: id}, CodeExecutionProcessing, err, "claim")
		return err
	}

	response, runErr := p.run(ctx, exec)
	if runErr != nil {
		return p.handleFailure(ctx, exec, runErr)
	}

	if err := p.store.MarkSucceeded(ctx, exec.ID, response); err != nil {
		p.logger.Error("标记执行成功状态失败", slog.Any("error", err), slog.String("execution_id", exec.ID))
		if storeErr := p.store.MarkFailed(ctx, exec.ID, xerrors.CodeStorageFailure, err.Error(), false); storeErr != nil {
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, exec.ID); pubErr != nil {
			return xerrors.Wrap(CodeExecutionPublish, pubErr, fmt.Sprintf("执行 %s 在标记成功失败后重投失败", exec.ID))
		}
		return nil
	}
	metrics.ObserveExecution(exec.Node, string(StatusSucceeded))
	logger.Audit().Info("执行成功",
		slog.String("execution_id", exec.ID),
		slog.String("node", exec.Node),
		slog.String("operation", exec.Operation),
		slog.Int("attempts", exec.Attempts),
	)
	return nil
}

func (p *Processor) run(ctx context.Context, exec *Execution) (json.RawMessage, error) {
	creds, err := p.credentials.Credentials(ctx, exec.Profile)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return p.runner.Run(callCtx, exec.Node, node.Input{
		Operation:   exec.Operation,
		Network:     exec.Network,
		Params:      exec.Params,
		Credentials: creds,
	})
}

func (p *Processor) handleFailure(ctx context.Context, exec *Execution, runErr error) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeExecutionProcessing
	}
	retryable := xerrors.RetryableError(runErr)
	terminal := exec.Attempts >= exec.MaxRetries || !retryable

	if err := p.store.MarkFailed(ctx, exec.ID, code, runErr.Error(), terminal); err != nil {
		p.logger.Error("标记执行失败状态出错", slog.Any("error", err), slog.String("execution_id", exec.ID))
		return err
	}
	logger.Audit().Warn("执行失败",
		slog.String("execution_id", exec.ID),
		slog.String("node", exec.Node),
		slog.String("operation", exec.Operation),
		slog.Bool("terminal", terminal),
		slog.String("error_code", string(code)),
		slog.Int("attempts", exec.Attempts),
		slog.Int("max_retries", exec.MaxRetries),
	)

	if !terminal {
		metrics.ObserveExecution(exec.Node, "retry")
		if err := p.producer.Publish(ctx, exec.ID); err != nil {
			return xerrors.Wrap(CodeExecutionPublish, err, fmt.Sprintf("执行 %s 重投失败", exec.ID))
		}
		p.logger.Debug("执行已重新排队", slog.String("execution_id", exec.ID), slog.Int("attempts", exec.Attempts))
		return nil
	}

	metrics.ObserveExecution(exec.Node, string(StatusFailed))
	if xerrors.ShouldAlert(runErr) || (retryable && exec.Attempts >= exec.MaxRetries) {
		stage := "terminal"
		if retryable {
			stage = "exhausted"
		}
		p.emitAlert(ctx, exec, code, runErr, stage)
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, exec *Execution, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || exec == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:        code,
		Message:     attrs.Message,
		Severity:    xerrors.SeverityOf(cause),
		ExecutionID: exec.ID,
		Node:        exec.Node,
		Operation:   exec.Operation,
		Attempts:    exec.Attempts,
		MaxRetries:  exec.MaxRetries,
		Metadata:    map[string]string{"stage": stage},
		OccurredAt:  time.Now(),
	}
	if cause != nil {
		event.Message = cause.Error()
		if e, ok := xerrors.From(cause); ok {
			for k, v := range e.Metadata() {
				event.Metadata[k] = v
			}
		}
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("execution_id", exec.ID),
			slog.String("stage", stage),
		)
	}
}
