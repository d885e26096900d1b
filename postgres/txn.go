package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	applog "datakit/internal/platform/log"
)

// IsolationLevel 事务隔离级别。
type IsolationLevel string

const (
	ReadCommitted  IsolationLevel = "read_committed"
	RepeatableRead IsolationLevel = "repeatable_read"
	Serializable   IsolationLevel = "serializable"
)

func (l IsolationLevel) sqlLevel() (sql.IsolationLevel, error) {
	switch l {
	case "", ReadCommitted:
		// PostgreSQL 的默认级别就是 read committed
		return sql.LevelDefault, nil
	case RepeatableRead:
		return sql.LevelRepeatableRead, nil
	case Serializable:
		return sql.LevelSerializable, nil
	default:
		return 0, newError(ErrValidation, fmt.Sprintf("unknown isolation level %q", l), nil)
	}
}

// Tx 事务句柄。提供与 Client 相同的 CRUD 接口，操作统计共享。
type Tx struct {
	executor
	tx *sql.Tx
}

// Transaction 在事务中执行 fn。fn 返回错误或 panic 时回滚，否则提交。
func (c *Client) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	return c.TransactionIsolation(ctx, ReadCommitted, fn)
}

// TransactionIsolation 指定隔离级别的事务。
func (c *Client) TransactionIsolation(ctx context.Context, level IsolationLevel, fn func(tx *Tx) error) error {
	if c.closed.Load() {
		return newError(ErrClientClosed, "client is closed", nil)
	}
	sqlLevel, err := level.sqlLevel()
	if err != nil {
		return err
	}

	start := time.Now()
	err = c.runTransaction(ctx, sqlLevel, fn)
	c.tracker.Record("transaction", time.Since(start), 0, err)
	return err
}

func (c *Client) runTransaction(ctx context.Context, level sql.IsolationLevel, fn func(tx *Tx) error) error {
	sqlxTx, err := c.db.BeginTxx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return Wrap(err, "begin transaction")
	}

	tx := &Tx{
		executor: executor{
			ext:        sqlxTx,
			driver:     c.driver,
			schemaName: c.schemaName,
			schema:     c.schema,
			tracker:    c.tracker,
		},
		tx: sqlxTx.Tx,
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlxTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := sqlxTx.Rollback(); rbErr != nil {
			applog.Error("[Storage] Rollback failed", "error", rbErr)
		}
		return Wrap(err, "transaction rolled back")
	}

	if err := sqlxTx.Commit(); err != nil {
		return Wrap(err, "commit transaction")
	}
	return nil
}

// RetryOnDeadlock 在死锁或串行化失败时重试整个事务。
// 初始间隔 100ms，每次翻倍。其他错误不重试。
func (c *Client) RetryOnDeadlock(ctx context.Context, maxRetries int, fn func(tx *Tx) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}

	delay := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = c.Transaction(ctx, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}

		applog.Warn("[Storage] Retrying transaction",
			"attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
