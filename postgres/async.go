package postgres

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
)

// Future 异步操作的结果句柄。
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(value T, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

// Wait 阻塞等待结果。ctx 取消时提前返回 ctx 错误。
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done 结果就绪时关闭的通道。
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// AsyncClient 在 worker 池上调度数据库操作的异步客户端。
// 底层复用同步 Client，连接池与统计共享。
type AsyncClient struct {
	client *Client
	pool   *ants.Pool
	closed atomic.Bool
}

// AsyncOption AsyncClient 可选配置。
type AsyncOption func(*asyncConfig)

type asyncConfig struct {
	poolSize int
}

// WithPoolSize 设置 worker 池大小。默认 runtime.NumCPU()/2，最小 1。
func WithPoolSize(size int) AsyncOption {
	return func(c *asyncConfig) {
		if size >= 1 {
			c.poolSize = size
		}
	}
}

// NewAsyncClient 基于同步客户端创建异步客户端。
func NewAsyncClient(client *Client, opts ...AsyncOption) (*AsyncClient, error) {
	cfg := asyncConfig{poolSize: max(runtime.NumCPU()/2, 1)}
	for _, opt := range opts {
		opt(&cfg)
	}

	pool, err := ants.NewPool(cfg.poolSize)
	if err != nil {
		return nil, err
	}
	return &AsyncClient{client: client, pool: pool}, nil
}

// Close 释放 worker 池。已提交的任务会完成，之后的提交返回 ErrClientClosed。
func (a *AsyncClient) Close() {
	if a.closed.CompareAndSwap(false, true) {
		a.pool.Release()
	}
}

// Client 返回底层同步客户端。
func (a *AsyncClient) Client() *Client { return a.client }

func submit[T any](a *AsyncClient, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	if a.closed.Load() {
		var zero T
		f.complete(zero, newError(ErrClientClosed, "async client is closed", nil))
		return f
	}
	if err := a.pool.Submit(func() {
		v, err := fn()
		f.complete(v, err)
	}); err != nil {
		var zero T
		f.complete(zero, Wrap(err, "submit async task"))
	}
	return f
}

// Create 异步插入。
func (a *AsyncClient) Create(ctx context.Context, table string, record map[string]any) *Future[map[string]any] {
	return submit(a, func() (map[string]any, error) {
		return a.client.Create(ctx, table, record)
	})
}

// Read 异步读取。
func (a *AsyncClient) Read(ctx context.Context, table string, where Where, opts *QueryOptions) *Future[[]map[string]any] {
	return submit(a, func() ([]map[string]any, error) {
		return a.client.Read(ctx, table, where, opts)
	})
}

// ReadOne 异步读取单行。
func (a *AsyncClient) ReadOne(ctx context.Context, table string, where Where) *Future[map[string]any] {
	return submit(a, func() (map[string]any, error) {
		return a.client.ReadOne(ctx, table, where)
	})
}

// Update 异步更新。
func (a *AsyncClient) Update(ctx context.Context, table string, where Where, changes map[string]any) *Future[int64] {
	return submit(a, func() (int64, error) {
		return a.client.Update(ctx, table, where, changes)
	})
}

// Delete 异步删除。
func (a *AsyncClient) Delete(ctx context.Context, table string, where Where) *Future[int64] {
	return submit(a, func() (int64, error) {
		return a.client.Delete(ctx, table, where)
	})
}

// Count 异步统计。
func (a *AsyncClient) Count(ctx context.Context, table string, where Where) *Future[int64] {
	return submit(a, func() (int64, error) {
		return a.client.Count(ctx, table, where)
	})
}

// BulkCreate 异步批量写入。
func (a *AsyncClient) BulkCreate(ctx context.Context, table string, records []map[string]any, opts *BulkInsertOptions) *Future[int64] {
	return submit(a, func() (int64, error) {
		return a.client.BulkCreate(ctx, table, records, opts)
	})
}

// Transaction 异步事务。
func (a *AsyncClient) Transaction(ctx context.Context, fn func(tx *Tx) error) *Future[struct{}] {
	return submit(a, func() (struct{}, error) {
		return struct{}{}, a.client.Transaction(ctx, fn)
	})
}
