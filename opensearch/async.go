package opensearch

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
)

// Future 异步操作的结果句柄。Wait 可被多个 goroutine 调用。
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

// Done 结果就绪时关闭的通道，用于 select。
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// AsyncClient 在 worker 池上调度搜索操作的异步客户端。
// 底层复用同步 Client，连接与统计共享。
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

// submit 把任务投递到池里并返回 future。
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

// Search 异步搜索。
func (a *AsyncClient) Search(ctx context.Context, index string, query *SearchQuery) *Future[*SearchResult] {
	return submit(a, func() (*SearchResult, error) {
		return a.client.Search(ctx, index, query)
	})
}

// GetDocument 异步读取文档。
func (a *AsyncClient) GetDocument(ctx context.Context, index, id string) *Future[map[string]any] {
	return submit(a, func() (map[string]any, error) {
		return a.client.GetDocument(ctx, index, id)
	})
}

// IndexDocument 异步写入文档。
func (a *AsyncClient) IndexDocument(ctx context.Context, index, id string, doc map[string]any, refresh bool) *Future[string] {
	return submit(a, func() (string, error) {
		return a.client.IndexDocument(ctx, index, id, doc, refresh)
	})
}

// UpdateDocument 异步部分更新。
func (a *AsyncClient) UpdateDocument(ctx context.Context, index, id string, partial map[string]any) *Future[struct{}] {
	return submit(a, func() (struct{}, error) {
		return struct{}{}, a.client.UpdateDocument(ctx, index, id, partial)
	})
}

// DeleteDocument 异步删除文档。
func (a *AsyncClient) DeleteDocument(ctx context.Context, index, id string) *Future[bool] {
	return submit(a, func() (bool, error) {
		return a.client.DeleteDocument(ctx, index, id)
	})
}

// Count 异步统计。
func (a *AsyncClient) Count(ctx context.Context, index string, query map[string]any) *Future[int64] {
	return submit(a, func() (int64, error) {
		return a.client.Count(ctx, index, query)
	})
}

// BulkIndex 异步批量写入。
func (a *AsyncClient) BulkIndex(ctx context.Context, index, docIDField string, docs []map[string]any, opts ...BulkOption) *Future[*BulkResult] {
	return submit(a, func() (*BulkResult, error) {
		return NewBulkProcessor(a.client, opts...).BulkIndex(ctx, index, docIDField, docs)
	})
}

// SearchMany 并发执行多个搜索，按提交顺序返回 future。
func (a *AsyncClient) SearchMany(ctx context.Context, index string, queries []*SearchQuery) []*Future[*SearchResult] {
	futures := make([]*Future[*SearchResult], len(queries))
	for i, q := range queries {
		futures[i] = a.Search(ctx, index, q)
	}
	return futures
}
