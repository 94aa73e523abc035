package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "ChainFlow-Nodes/internal/errors"
)

// MemoryStore 以内存方式保存执行状态，用于测试与单机部署。
type MemoryStore struct {
	mu    sync.RWMutex
	execs map[string]*Execution
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{execs: make(map[string]*Execution)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, exec *Execution) error {
	if exec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution 不能为空")
	}
	if strings.TrimSpace(exec.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.execs[exec.ID]; ok {
		return ErrExecutionConflict
	}
	now := time.Now().Unix()
	if exec.CreatedAt == 0 {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	m.execs[exec.ID] = cloneExecution(exec)
	return nil
}

// Get 返回执行记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.execs[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return cloneExecution(exec), nil
}

// Claim 将执行状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	switch exec.Status {
	case StatusSucceeded:
		return cloneExecution(exec), ErrExecutionCompleted
	case StatusRunning:
		return cloneExecution(exec), ErrExecutionConflict
	}
	if exec.Terminal || exec.Attempts >= exec.MaxRetries {
		return cloneExecution(exec), ErrExecutionExhausted
	}
	exec.Status = StatusRunning
	exec.Attempts++
	exec.LastError = ""
	exec.ErrorCode = ""
	exec.UpdatedAt = time.Now().Unix()
	return cloneExecution(exec), nil
}

// MarkSucceeded 记录提供方响应。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, response json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return ErrExecutionNotFound
	}
	exec.Status = StatusSucceeded
	exec.Response = cloneRaw(response)
	exec.LastError = ""
	exec.ErrorCode = ""
	exec.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记执行失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return ErrExecutionNotFound
	}
	exec.Status = StatusFailed
	exec.LastError = lastError
	exec.ErrorCode = string(code)
	exec.Terminal = terminal
	exec.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合条件的执行记录。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Execution, 0, len(m.execs))
	for _, exec := range m.execs {
		if !matchesListFilters(exec, opts) {
			continue
		}
		results = append(results, cloneExecution(exec))
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			if a.UpdatedAt == b.UpdatedAt {
				if a.CreatedAt == b.CreatedAt {
					return a.ID < b.ID
				}
				return a.CreatedAt < b.CreatedAt
			}
			return a.UpdatedAt < b.UpdatedAt
		}
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID > b.ID
			}
			return a.CreatedAt > b.CreatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Execution{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的执行数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, exec := range m.execs {
		if !matchesListFilters(exec, opts) {
			continue
		}
		stats.Total++
		switch exec.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if exec.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = exec.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (exec.UpdatedAt != 0 && exec.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = exec.UpdatedAt
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(exec *Execution, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if exec.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Node != "" && exec.Node != opts.Node {
		return false
	}
	if opts.Operation != "" && exec.Operation != opts.Operation {
		return false
	}
	if opts.UpdatedGTE > 0 && exec.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && exec.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResponse != nil && hasResponse(exec) != *opts.HasResponse {
		return false
	}
	if opts.Query != "" {
		q := strings.ToLower(opts.Query)
		fields := []string{exec.ID, exec.Operation, exec.Network, exec.LastError}
		matched := false
		for _, f := range fields {
			if strings.Contains(strings.ToLower(f), q) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func hasResponse(exec *Execution) bool {
	return exec != nil && len(bytes.TrimSpace(exec.Response)) > 0
}

var _ Store = (*MemoryStore)(nil)
