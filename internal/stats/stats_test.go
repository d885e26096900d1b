package stats

import (
	"errors"
	"testing"
	"time"
)

// TestRecordAggregates 测试基础聚合：count / total / avg / min / max
func TestRecordAggregates(t *testing.T) {
	tr := NewTracker(0)

	tr.Record("search:products", 100*time.Millisecond, 10, nil)
	tr.Record("search:products", 200*time.Millisecond, 5, nil)
	tr.Record("create:orders", 300*time.Millisecond, 1, nil)

	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(snap))
	}

	s := snap["search:products"]
	if s.Count != 2 {
		t.Errorf("count: expected 2, got %d", s.Count)
	}
	if s.TotalTime != 300*time.Millisecond {
		t.Errorf("total: expected 300ms, got %v", s.TotalTime)
	}
	if s.AvgTime != 150*time.Millisecond {
		t.Errorf("avg: expected 150ms, got %v", s.AvgTime)
	}
	if s.MinTime != 100*time.Millisecond {
		t.Errorf("min: expected 100ms, got %v", s.MinTime)
	}
	if s.MaxTime != 200*time.Millisecond {
		t.Errorf("max: expected 200ms, got %v", s.MaxTime)
	}

	o := snap["create:orders"]
	if o.Count != 1 {
		t.Errorf("count: expected 1, got %d", o.Count)
	}
	if o.Rows != 1 {
		t.Errorf("rows: expected 1, got %d", o.Rows)
	}
}

// TestRecordErrors 测试错误计数与成功率
func TestRecordErrors(t *testing.T) {
	tr := NewTracker(0)

	tr.Record("read:users", 10*time.Millisecond, 0, nil)
	tr.Record("read:users", 10*time.Millisecond, 0, errors.New("boom"))

	s, ok := tr.Key("read:users")
	if !ok {
		t.Fatal("expected key read:users")
	}
	if s.Errors != 1 {
		t.Errorf("errors: expected 1, got %d", s.Errors)
	}
	if s.SuccessRate != 50 {
		t.Errorf("success rate: expected 50, got %v", s.SuccessRate)
	}
}

// TestReset 测试 Reset 后快照为空
func TestReset(t *testing.T) {
	tr := NewTracker(0)
	tr.Record("delete:items", time.Millisecond, 1, nil)

	tr.Reset()

	if snap := tr.Snapshot(); len(snap) != 0 {
		t.Fatalf("expected empty snapshot after reset, got %d keys", len(snap))
	}
}

// TestPercentiles 测试中位数与 p95
func TestPercentiles(t *testing.T) {
	tr := NewTracker(0)
	for i := 1; i <= 100; i++ {
		tr.Record("bulk:docs", time.Duration(i)*time.Millisecond, 0, nil)
	}

	s, _ := tr.Key("bulk:docs")
	if s.MedianTime != 50*time.Millisecond {
		t.Errorf("median: expected 50ms, got %v", s.MedianTime)
	}
	if s.P95Time != 95*time.Millisecond {
		t.Errorf("p95: expected 95ms, got %v", s.P95Time)
	}
}

// TestWindowBounded 测试滚动窗口不超过上限
func TestWindowBounded(t *testing.T) {
	tr := NewTracker(0)
	for i := 0; i < maxRecentSamples+500; i++ {
		tr.Record("index:docs", time.Microsecond, 0, nil)
	}

	tr.mu.Lock()
	n := len(tr.ops["index:docs"].recent)
	tr.mu.Unlock()

	if n != maxRecentSamples {
		t.Errorf("window: expected %d samples, got %d", maxRecentSamples, n)
	}
}

// TestSummarize 测试全局汇总与慢操作排序
func TestSummarize(t *testing.T) {
	tr := NewTracker(0)
	tr.Record("a", 10*time.Millisecond, 0, nil)
	tr.Record("b", 500*time.Millisecond, 0, errors.New("x"))

	sum := tr.Summarize()
	if sum.Operations != 2 || sum.Errors != 1 || sum.Keys != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.ErrorRate != 50 {
		t.Errorf("error rate: expected 50, got %v", sum.ErrorRate)
	}

	slow := tr.SlowOperations(1)
	if len(slow) != 1 || slow[0].Key != "b" {
		t.Fatalf("expected slowest key b, got %+v", slow)
	}
}
