package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// 错误分类哨兵。调用方用 errors.Is 匹配。
var (
	ErrConnection     = errors.New("connection error")
	ErrTimeout        = errors.New("query timeout")
	ErrDuplicateEntry = errors.New("duplicate entry")
	ErrForeignKey     = errors.New("foreign key violation")
	ErrConstraint     = errors.New("constraint violation")
	ErrNotFound       = errors.New("record not found")
	ErrTransaction    = errors.New("transaction error")
	ErrQuery          = errors.New("query error")
	ErrValidation     = errors.New("validation error")
	ErrConfig         = errors.New("configuration error")
	ErrClientClosed   = errors.New("client closed")
)

// DBError 包装底层数据库错误并归类。
type DBError struct {
	Kind    error
	Message string
	Cause   error
}

func (e *DBError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (original: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DBError) Is(target error) bool { return target == e.Kind }

func (e *DBError) Unwrap() error { return e.Cause }

func newError(kind error, message string, cause error) *DBError {
	return &DBError{Kind: kind, Message: message, Cause: cause}
}

// Wrap 把任意错误归类为 DBError。已归类的错误原样返回。
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	var de *DBError
	if errors.As(err, &de) {
		return err
	}
	return newError(classify(err), context, err)
}

// classify 归类底层错误。优先读 PostgreSQL SQLSTATE，读不到再退回文本关键字。
func classify(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, sql.ErrTxDone) {
		return ErrTransaction
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyCode(string(pqErr.Code))
	}
	return classifyMessage(err.Error())
}

// classifyCode 按 SQLSTATE 归类。
func classifyCode(code string) error {
	switch {
	case code == "23505":
		return ErrDuplicateEntry
	case code == "23503":
		return ErrForeignKey
	case strings.HasPrefix(code, "23"):
		return ErrConstraint
	case code == "40001", code == "40P01":
		// 串行化失败 / 死锁，可重试
		return ErrTransaction
	case code == "57014":
		return ErrTimeout
	case strings.HasPrefix(code, "08"):
		return ErrConnection
	case strings.HasPrefix(code, "42"):
		return ErrQuery
	default:
		return ErrQuery
	}
}

// classifyMessage 按关键字归类错误文本，SQLSTATE 缺失时的兜底。
func classifyMessage(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "duplicate key"), strings.Contains(lower, "unique constraint"):
		return ErrDuplicateEntry
	case strings.Contains(lower, "foreign key"):
		return ErrForeignKey
	case strings.Contains(lower, "violates"), strings.Contains(lower, "constraint"):
		return ErrConstraint
	case strings.Contains(lower, "no rows"):
		return ErrNotFound
	case strings.Contains(lower, "deadlock"), strings.Contains(lower, "serialize"):
		return ErrTransaction
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "canceling statement"):
		return ErrTimeout
	case strings.Contains(lower, "connection"), strings.Contains(lower, "connect"):
		return ErrConnection
	case strings.Contains(lower, "syntax"):
		return ErrQuery
	default:
		return ErrQuery
	}
}

// IsRetryable 判断错误是否值得重试：死锁、串行化失败与连接抖动。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		return code == "40001" || code == "40P01" || strings.HasPrefix(code, "08")
	}

	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "deadlock") ||
		strings.Contains(lower, "could not serialize") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "connection refused")
}
