// Package execution 负责节点调用的排队执行：提交、持久化、按队列消费以及失败重试。
package execution

import (
	"encoding/json"
	stdErrors "errors"
	"net/http"

	xerrors "ChainFlow-Nodes/internal/errors"
)

// Status 表示一次执行在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Request 描述一次待提交的节点调用。
type Request struct {
	ID         string          `json:"id,omitempty"`
	Node       string          `json:"node"`
	Operation  string          `json:"operation"`
	Network    string          `json:"network,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Profile    string          `json:"profile,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
}

// Execution 记录一次排队的节点调用及其结果。
// Response 保存提供方返回的原始 JSON，不做任何改写。
type Execution struct {
	ID         string          `json:"id"`
	Node       string          `json:"node"`
	Operation  string          `json:"operation"`
	Network    string          `json:"network,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Profile    string          `json:"profile,omitempty"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Terminal   bool            `json:"terminal,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// Finished 判断执行是否已进入终态。
func (e *Execution) Finished() bool {
	if e == nil {
		return false
	}
	if e.Status == StatusSucceeded {
		return true
	}
	return e.Status == StatusFailed && (e.Terminal || e.Attempts >= e.MaxRetries)
}

const (
	CodeExecutionNotFound   xerrors.Code = "EXECUTION_NOT_FOUND"
	CodeExecutionConflict   xerrors.Code = "EXECUTION_CONFLICT"
	CodeExecutionCompleted  xerrors.Code = "EXECUTION_COMPLETED"
	CodeExecutionExhausted  xerrors.Code = "EXECUTION_RETRIES_EXHAUSTED"
	CodeExecutionValidation xerrors.Code = "EXECUTION_VALIDATION_FAILED"
	CodeExecutionPublish    xerrors.Code = "EXECUTION_PUBLISH_FAILED"
	CodeExecutionProcessing xerrors.Code = "EXECUTION_PROCESSING_FAILED"
)

var (
	// ErrExecutionNotFound 表示指定的执行不存在。
	ErrExecutionNotFound = xerrors.New(CodeExecutionNotFound, "execution not found")
	// ErrExecutionConflict 表示执行在当前状态下无法进行所请求的操作。
	ErrExecutionConflict = xerrors.New(CodeExecutionConflict, "execution conflict")
	// ErrExecutionCompleted 表示执行已经成功完成。
	ErrExecutionCompleted = xerrors.New(CodeExecutionCompleted, "execution already completed")
	// ErrExecutionExhausted 表示执行的重试次数已经耗尽。
	ErrExecutionExhausted = xerrors.New(CodeExecutionExhausted, "execution retries exhausted")
)

func init() {
	xerrors.Register(CodeExecutionNotFound, xerrors.Attributes{
		Message:    "execution not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeExecutionConflict, xerrors.Attributes{
		Message:    "execution conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeExecutionCompleted, xerrors.Attributes{
		Message:    "execution already completed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeExecutionExhausted, xerrors.Attributes{
		Message:    "execution retries exhausted",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeExecutionValidation, xerrors.Attributes{
		Message:    "execution validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeExecutionPublish, xerrors.Attributes{
		Message:    "failed to publish execution",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
	xerrors.Register(CodeExecutionProcessing, xerrors.Attributes{
		Message:    "execution failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}

// IsExecutionError 判断错误是否为指定的执行错误。
func IsExecutionError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeExecutionNotFound:
		return stdErrors.Is(err, ErrExecutionNotFound)
	case CodeExecutionConflict:
		return stdErrors.Is(err, ErrExecutionConflict)
	case CodeExecutionCompleted:
		return stdErrors.Is(err, ErrExecutionCompleted)
	case CodeExecutionExhausted:
		return stdErrors.Is(err, ErrExecutionExhausted)
	}
	return false
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func cloneExecution(e *Execution) *Execution {
	clone := *e
	clone.Params = cloneRaw(e.Params)
	clone.Response = cloneRaw(e.Response)
	return &clone
}
