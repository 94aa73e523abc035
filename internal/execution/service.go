package execution

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ChainFlow-Nodes/internal/errors"
	"ChainFlow-Nodes/internal/observability/metrics"
	"ChainFlow-Nodes/pkg/logger"
)

// NodeLookup 用于在提交时校验节点类型是否存在。
type NodeLookup interface {
	HasNode(nodeType string) bool
}

// Service 负责执行的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	nodes      NodeLookup
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithNodeLookup 在提交时拒绝未注册的节点类型。
func WithNodeLookup(nodes NodeLookup) ServiceOption {
	return func(s *Service) {
		s.nodes = nodes
	}
}

// NewService 构造执行服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的执行并推送到队列。携带已存在 ID 的请求直接返回原记录。
func (s *Service) Submit(ctx context.Context, req Request) (*Execution, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行服务未初始化")
	}

	id := strings.TrimSpace(req.ID)
	if id != "" {
		existing, err := s.store.Get(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrExecutionNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.maxRetries
	}
	exec := &Execution{
		ID:         id,
		Node:       strings.TrimSpace(req.Node),
		Operation:  strings.TrimSpace(req.Operation),
		Network:    strings.TrimSpace(req.Network),
		Params:     cloneRaw(req.Params),
		Profile:    strings.TrimSpace(req.Profile),
		Status:     StatusPending,
		MaxRetries: maxRetries,
	}
	if err := s.store.Create(ctx, exec); err != nil {
		if stdErrors.Is(err, ErrExecutionConflict) {
			if existing, getErr := s.store.Get(ctx, id); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("执行入队失败", slog.Any("error", err), slog.String("execution_id", id))
		wrapped := xerrors.Wrap(CodeExecutionPublish, err, "发布执行到队列失败")
		_ = s.store.MarkFailed(ctx, id, CodeExecutionPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	metrics.ObserveExecution(exec.Node, string(StatusPending))
	logger.Audit().Info("执行入队成功",
		slog.String("execution_id", id),
		slog.String("node", exec.Node),
		slog.String("operation", exec.Operation),
		slog.String("network", exec.Network),
		slog.Int("max_retries", exec.MaxRetries),
	)
	return exec, nil
}

func (s *Service) validate(req Request) error {
	if strings.TrimSpace(req.Node) == "" {
		return xerrors.New(CodeExecutionValidation, "节点类型不能为空")
	}
	if strings.TrimSpace(req.Operation) == "" {
		return xerrors.New(CodeExecutionValidation, "操作名不能为空")
	}
	if s.nodes != nil && !s.nodes.HasNode(strings.TrimSpace(req.Node)) {
		return xerrors.New(CodeExecutionValidation, "未知的节点类型: "+req.Node)
	}
	if trimmed := bytes.TrimSpace(req.Params); len(trimmed) > 0 && !json.Valid(trimmed) {
		return xerrors.New(xerrors.CodeInvalidParams, "params 不是合法的 JSON")
	}
	return nil
}

// Get 返回指定执行的状态。
func (s *Service) Get(ctx context.Context, id string) (*Execution, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的执行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Execution, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "执行存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// WaitUntilCompleted 轮询直到执行进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Execution, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		exec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.Finished() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待执行完成超时")
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}
