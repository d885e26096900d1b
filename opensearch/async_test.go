package opensearch

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
)

func TestAsyncSearch(t *testing.T) {
	var served atomic.Int64
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		w.Write([]byte(`{"hits":{"total":{"value":1},"hits":[{"_id":"a1","_source":{"name":"widget"}}]}}`))
	})

	async, err := NewAsyncClient(client, WithPoolSize(2))
	if err != nil {
		t.Fatalf("NewAsyncClient: %v", err)
	}
	defer async.Close()

	ctx := context.Background()
	futures := async.SearchMany(ctx, "products", []*SearchQuery{{}, {}, {}})
	for i, f := range futures {
		result, err := f.Wait(ctx)
		if err != nil {
			t.Fatalf("future %d: %v", i, err)
		}
		if result.Total != 1 {
			t.Errorf("future %d total = %d, want 1", i, result.Total)
		}
	}
	if served.Load() != 3 {
		t.Errorf("served = %d, want 3", served.Load())
	}
}

func TestAsyncClientClosed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	async, err := NewAsyncClient(client)
	if err != nil {
		t.Fatalf("NewAsyncClient: %v", err)
	}
	async.Close()

	_, err = async.Search(context.Background(), "products", nil).Wait(context.Background())
	if !errors.Is(err, ErrClientClosed) {
		t.Errorf("err = %v, want ErrClientClosed", err)
	}
}

func TestFutureWaitRespectsContext(t *testing.T) {
	f := newFuture[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	f.complete(42, nil)
	v, err := f.Wait(context.Background())
	if err != nil || v != 42 {
		t.Errorf("got %d/%v, want 42/nil", v, err)
	}
}
