package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "ChainFlow-Nodes/internal/errors"
	"ChainFlow-Nodes/internal/execution"
)

const executionColumns = `id, node, operation, network, params, profile, status, attempts, max_retries,
        last_error, error_code, terminal, response, created_at, updated_at`

// ExecutionStore 使用 MySQL 记录节点执行状态。
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore 打开连接池并执行迁移。
func NewExecutionStore(ctx context.Context, cfg Config) (*ExecutionStore, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ExecutionStore{db: db}, nil
}

// NewExecutionStoreWithDB 复用已建立的连接池，不执行迁移。
func NewExecutionStoreWithDB(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// Create 插入新的执行记录。
func (s *ExecutionStore) Create(ctx context.Context, exec *execution.Execution) error {
	if exec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution 不能为空")
	}
	if strings.TrimSpace(exec.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行 ID 不能为空")
	}

	now := time.Now().Unix()
	if exec.CreatedAt == 0 {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now

	const stmt = `INSERT INTO node_executions
        (id, node, operation, network, params, profile, status, attempts, max_retries, last_error, error_code, terminal, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', 0, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		exec.ID,
		exec.Node,
		exec.Operation,
		exec.Network,
		nullableRaw(exec.Params),
		exec.Profile,
		string(exec.Status),
		exec.Attempts,
		exec.MaxRetries,
		exec.CreatedAt,
		exec.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return execution.ErrExecutionConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入执行记录失败")
	}
	return nil
}

// Get 查询指定执行。
func (s *ExecutionStore) Get(ctx context.Context, id string) (*execution.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM node_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, execution.ErrExecutionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	return exec, nil
}

// Claim 将执行标记为运行中并返回最新状态。
func (s *ExecutionStore) Claim(ctx context.Context, id string) (*execution.Execution, error) {
	const stmt = `UPDATE node_executions SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND terminal = 0 AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, stmt,
		string(execution.StatusRunning),
		time.Now().Unix(),
		id,
		string(execution.StatusPending),
		string(execution.StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新执行状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	exec, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return exec, nil
	}
	switch {
	case exec.Status == execution.StatusSucceeded:
		return exec, execution.ErrExecutionCompleted
	case exec.Status == execution.StatusRunning:
		return exec, execution.ErrExecutionConflict
	case exec.Terminal || exec.Attempts >= exec.MaxRetries:
		return exec, execution.ErrExecutionExhausted
	default:
		return exec, execution.ErrExecutionConflict
	}
}

// MarkSucceeded 记录提供方的原始响应。
func (s *ExecutionStore) MarkSucceeded(ctx context.Context, id string, response json.RawMessage) error {
	const stmt = `UPDATE node_executions SET status = ?, response = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(execution.StatusSucceeded),
		nullableRaw(response),
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记执行成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return execution.ErrExecutionNotFound
	}
	return nil
}

// MarkFailed 将执行标记为失败；terminal 为 true 时不再允许重试。
func (s *ExecutionStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE node_executions SET status = ?, last_error = ?, error_code = ?, terminal = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(execution.StatusFailed),
		lastError,
		string(code),
		terminal,
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记执行失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return execution.ErrExecutionNotFound
	}
	return nil
}

// List 返回符合条件的执行记录。
func (s *ExecutionStore) List(ctx context.Context, opts execution.ListOptions) ([]*execution.Execution, error) {
	opts = opts.ApplyDefaults()

	query := `SELECT ` + executionColumns + ` FROM node_executions`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == execution.SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行列表失败")
	}
	defer rows.Close()

	out := make([]*execution.Execution, 0, opts.Limit)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return out, nil
}

// Stats 返回符合过滤条件的聚合信息。
func (s *ExecutionStore) Stats(ctx context.Context, opts execution.ListOptions) (execution.Stats, error) {
	opts = opts.ApplyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM node_executions`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(execution.StatusPending),
		string(execution.StatusRunning),
		string(execution.StatusSucceeded),
		string(execution.StatusFailed),
	}
	args = append(args, filterArgs...)

	var stats execution.Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return execution.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *ExecutionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*execution.Execution, error) {
	var (
		exec      execution.Execution
		status    string
		params    sql.NullString
		lastError sql.NullString
		response  sql.NullString
	)
	if err := row.Scan(
		&exec.ID,
		&exec.Node,
		&exec.Operation,
		&exec.Network,
		&params,
		&exec.Profile,
		&status,
		&exec.Attempts,
		&exec.MaxRetries,
		&lastError,
		&exec.ErrorCode,
		&exec.Terminal,
		&response,
		&exec.CreatedAt,
		&exec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	exec.Status = execution.Status(status)
	exec.LastError = lastError.String
	if params.Valid && params.String != "" {
		exec.Params = json.RawMessage(params.String)
	}
	if response.Valid && response.String != "" {
		exec.Response = json.RawMessage(response.String)
	}
	return &exec, nil
}

func nullableRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func buildFilterClause(opts execution.ListOptions) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Node != "" {
		conditions = append(conditions, "node = ?")
		args = append(args, opts.Node)
	}
	if opts.Operation != "" {
		conditions = append(conditions, "operation = ?")
		args = append(args, opts.Operation)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResponse != nil {
		if *opts.HasResponse {
			conditions = append(conditions, "(response IS NOT NULL AND response <> '')")
		} else {
			conditions = append(conditions, "(response IS NULL OR response = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR operation LIKE ? OR network LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}
	return strings.Join(conditions, " AND "), args
}

var _ execution.Store = (*ExecutionStore)(nil)
