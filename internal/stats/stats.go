// Package stats 提供进程内的操作级性能计数器。
// 所有读写由一把粗粒度互斥锁串行化：数据量小、更新频率远低于被测 I/O。
package stats

import (
	"sort"
	"sync"
	"time"
)

const (
	// 滚动窗口上限，超出后只保留最近的样本
	maxRecentSamples = 1000

	defaultRetention       = 24 * time.Hour
	defaultCleanupInterval = time.Hour
)

// metrics 单个操作 key 的累计指标。
type metrics struct {
	count        int64
	errors       int64
	rows         int64
	totalTime    time.Duration
	minTime      time.Duration
	maxTime      time.Duration
	lastExecuted time.Time
	recent       []time.Duration
}

// Tracker 按操作 key（如 "create:orders"）跟踪运行指标。
type Tracker struct {
	mu              sync.Mutex
	ops             map[string]*metrics
	start           time.Time
	retention       time.Duration
	cleanupInterval time.Duration
	lastCleanup     time.Time
}

// NewTracker 创建跟踪器。retention <= 0 时使用默认 24 小时。
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = defaultRetention
	}
	now := time.Now()
	return &Tracker{
		ops:             make(map[string]*metrics),
		start:           now,
		retention:       retention,
		cleanupInterval: defaultCleanupInterval,
		lastCleanup:     now,
	}
}

// Record 记录一次操作。opErr 非 nil 时计入错误数。
func (t *Tracker) Record(key string, d time.Duration, rows int64, opErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cleanupLocked()

	m, ok := t.ops[key]
	if !ok {
		m = &metrics{}
		t.ops[key] = m
	}

	m.count++
	m.totalTime += d
	m.rows += rows
	m.lastExecuted = time.Now()
	if opErr != nil {
		m.errors++
	}
	if m.count == 1 || d < m.minTime {
		m.minTime = d
	}
	if d > m.maxTime {
		m.maxTime = d
	}

	m.recent = append(m.recent, d)
	if len(m.recent) > maxRecentSamples {
		m.recent = m.recent[len(m.recent)-maxRecentSamples:]
	}
}

// OperationSnapshot 单个 key 的只读快照。
type OperationSnapshot struct {
	Count        int64
	Errors       int64
	Rows         int64
	TotalTime    time.Duration
	AvgTime      time.Duration
	MinTime      time.Duration
	MaxTime      time.Duration
	MedianTime   time.Duration
	P95Time      time.Duration
	SuccessRate  float64
	LastExecuted time.Time
}

// Snapshot 返回所有 key 的快照。
func (t *Tracker) Snapshot() map[string]OperationSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]OperationSnapshot, len(t.ops))
	for key, m := range t.ops {
		out[key] = m.snapshot()
	}
	return out
}

// Key 返回指定 key 的快照。
func (t *Tracker) Key(key string) (OperationSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.ops[key]
	if !ok {
		return OperationSnapshot{}, false
	}
	return m.snapshot(), true
}

// Summary 全局汇总。
type Summary struct {
	Operations int64
	Errors     int64
	TotalTime  time.Duration
	ErrorRate  float64
	Keys       int
	Uptime     time.Duration
}

// Summarize 返回全局汇总。
func (t *Tracker) Summarize() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{Keys: len(t.ops), Uptime: time.Since(t.start)}
	for _, m := range t.ops {
		s.Operations += m.count
		s.Errors += m.errors
		s.TotalTime += m.totalTime
	}
	if s.Operations > 0 {
		s.ErrorRate = float64(s.Errors) / float64(s.Operations) * 100
	}
	return s
}

// SlowOperation 慢操作条目。
type SlowOperation struct {
	Key     string
	MaxTime time.Duration
	AvgTime time.Duration
	P95Time time.Duration
	Count   int64
}

// SlowOperations 返回按最大耗时降序的前 n 个 key。
func (t *Tracker) SlowOperations(n int) []SlowOperation {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]SlowOperation, 0, len(t.ops))
	for key, m := range t.ops {
		if m.maxTime <= 0 {
			continue
		}
		snap := m.snapshot()
		out = append(out, SlowOperation{
			Key:     key,
			MaxTime: snap.MaxTime,
			AvgTime: snap.AvgTime,
			P95Time: snap.P95Time,
			Count:   snap.Count,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MaxTime > out[j].MaxTime })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Reset 清空所有统计。
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ops = make(map[string]*metrics)
	t.start = time.Now()
	t.lastCleanup = time.Now()
}

// cleanupLocked 淘汰超过保留期没有活动的 key。调用方必须已持锁。
func (t *Tracker) cleanupLocked() {
	now := time.Now()
	if now.Sub(t.lastCleanup) < t.cleanupInterval {
		return
	}
	cutoff := now.Add(-t.retention)
	for key, m := range t.ops {
		if m.lastExecuted.Before(cutoff) {
			delete(t.ops, key)
		}
	}
	t.lastCleanup = now
}

func (m *metrics) snapshot() OperationSnapshot {
	snap := OperationSnapshot{
		Count:        m.count,
		Errors:       m.errors,
		Rows:         m.rows,
		TotalTime:    m.totalTime,
		MinTime:      m.minTime,
		MaxTime:      m.maxTime,
		LastExecuted: m.lastExecuted,
		SuccessRate:  100,
	}
	if m.count > 0 {
		snap.AvgTime = m.totalTime / time.Duration(m.count)
		snap.SuccessRate = float64(m.count-m.errors) / float64(m.count) * 100
	}
	snap.MedianTime = percentile(m.recent, 50)
	snap.P95Time = percentile(m.recent, 95)
	return snap
}

// percentile 最近样本的最近秩百分位。
func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
