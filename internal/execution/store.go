package execution

import (
	"context"
	"encoding/json"

	xerrors "ChainFlow-Nodes/internal/errors"
)

// Store 抽象了执行状态的持久化接口。
type Store interface {
	Create(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	Claim(ctx context.Context, id string) (*Execution, error)
	MarkSucceeded(ctx context.Context, id string, response json.RawMessage) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Execution, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}

// ApplyDefaults 供其他包的 Store 实现复用同一套默认值。
func (opts ListOptions) ApplyDefaults() ListOptions {
	opts.applyDefaults()
	return opts
}
