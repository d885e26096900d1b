package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	applog "datakit/internal/platform/log"
)

// 可重试的 bulk 失败关键字。命中任意一个即进入重试。
var retryableBulkKeywords = []string{
	"version_conflict",
	"document_missing",
	"cluster_block",
	"circuit_breaking",
	"429",
	"503",
	"timeout",
	"connection",
}

// BulkProcessor 批量写入处理器：分批提交、失败条目定向重试、指数退避。
type BulkProcessor struct {
	client            *Client
	batchSize         int
	maxRetries        int
	retryDelay        time.Duration
	refreshAfterBatch bool
}

// BulkOption BulkProcessor 可选配置。
type BulkOption func(*BulkProcessor)

// WithBatchSize 设置单批条数，上限 MaxBulkSize。
func WithBatchSize(n int) BulkOption {
	return func(p *BulkProcessor) {
		if n > 0 {
			p.batchSize = min(n, MaxBulkSize)
		}
	}
}

// WithMaxRetries 设置失败条目的最大重试次数。
func WithMaxRetries(n int) BulkOption {
	return func(p *BulkProcessor) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

// WithRetryDelay 设置重试基础延迟。
func WithRetryDelay(d time.Duration) BulkOption {
	return func(p *BulkProcessor) {
		if d > 0 {
			p.retryDelay = d
		}
	}
}

// WithRefreshAfterBatch 每批提交后刷新索引。写入吞吐会下降，只建议测试用。
func WithRefreshAfterBatch(enabled bool) BulkOption {
	return func(p *BulkProcessor) { p.refreshAfterBatch = enabled }
}

// NewBulkProcessor 创建批量处理器。
func NewBulkProcessor(client *Client, opts ...BulkOption) *BulkProcessor {
	p := &BulkProcessor{
		client:     client,
		batchSize:  DefaultBulkSize,
		maxRetries: defaultBulkRetries,
		retryDelay: defaultBulkRetryDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BulkIndex 批量写入文档。id 字段取 docIDField 指定的键，缺失时按内容生成。
// 部分失败不返回错误，结果里逐条记录；只有整体不可用才报错。
func (p *BulkProcessor) BulkIndex(ctx context.Context, index, docIDField string, docs []map[string]any) (*BulkResult, error) {
	actions := make([]bulkAction, 0, len(docs))
	for _, doc := range docs {
		normalized := NormalizeDocument(doc)
		id := ""
		if docIDField != "" {
			if v, ok := normalized[docIDField].(string); ok {
				id = v
			}
		}
		if id == "" {
			id = GenerateDocumentID(normalized)
		}
		actions = append(actions, bulkAction{op: "index", id: id, doc: normalized})
	}
	return p.run(ctx, index, actions)
}

// BulkUpdate 批量部分更新。updates 的键是文档 ID，值是要更新的字段。
func (p *BulkProcessor) BulkUpdate(ctx context.Context, index string, updates map[string]map[string]any) (*BulkResult, error) {
	actions := make([]bulkAction, 0, len(updates))
	for id, partial := range updates {
		actions = append(actions, bulkAction{op: "update", id: id, doc: NormalizeDocument(partial)})
	}
	return p.run(ctx, index, actions)
}

// BulkDelete 按 ID 批量删除。
func (p *BulkProcessor) BulkDelete(ctx context.Context, index string, ids []string) (*BulkResult, error) {
	actions := make([]bulkAction, 0, len(ids))
	for _, id := range ids {
		actions = append(actions, bulkAction{op: "delete", id: id})
	}
	return p.run(ctx, index, actions)
}

type bulkAction struct {
	op  string // index / update / delete
	id  string
	doc map[string]any
}

// run 分批执行全部动作并聚合结果。
func (p *BulkProcessor) run(ctx context.Context, index string, actions []bulkAction) (*BulkResult, error) {
	result := &BulkResult{Total: len(actions)}
	if len(actions) == 0 {
		return result, nil
	}

	fullIndex := p.client.cfg.IndexName(index)
	start := time.Now()
	for batchStart := 0; batchStart < len(actions); batchStart += p.batchSize {
		end := min(batchStart+p.batchSize, len(actions))
		batch, err := p.runBatch(ctx, fullIndex, actions[batchStart:end])
		if err != nil {
			p.client.track("bulk:"+index, start, int64(result.Successful), err)
			return result, err
		}
		result.merge(batch)

		if p.refreshAfterBatch {
			if err := p.client.RefreshIndex(ctx, index); err != nil {
				applog.Warn("[Search] Refresh after bulk batch failed", "index", index, "error", err)
			}
		}
	}

	p.client.track("bulk:"+index, start, int64(result.Successful), nil)
	p.client.invalidateCache(ctx, index)
	if result.HasErrors() {
		applog.Warn("[Search] Bulk finished with failures",
			"index", index, "total", result.Total, "failed", result.Failed)
	} else {
		applog.Info("[Search] Bulk finished", "index", index, "total", result.Total)
	}
	return result, nil
}

// runBatch 提交一批动作。失败条目可重试时收窄批次只重发失败 ID，指数退避。
func (p *BulkProcessor) runBatch(ctx context.Context, fullIndex string, batch []bulkAction) (BulkResult, error) {
	result := BulkResult{}
	pending := batch

	for attempt := 0; ; attempt++ {
		succeeded, failures, took, err := p.submit(ctx, fullIndex, pending)
		if err != nil {
			// 整批不可达：剩余条目全部记为失败
			if attempt >= p.maxRetries || !isRetryableReason(err.Error()) {
				for _, a := range pending {
					result.Failed++
					result.Errors = append(result.Errors, BulkItemError{
						ID: a.id, Status: 0, Type: "transport", Reason: err.Error(),
					})
				}
				return result, nil
			}
			if werr := sleepCtx(ctx, BackoffDelay(attempt, p.retryDelay)); werr != nil {
				return result, werr
			}
			continue
		}

		result.Successful += succeeded
		result.TookMs += took

		if len(failures) == 0 {
			return result, nil
		}

		retryable, fatal := splitFailures(failures)
		for _, f := range fatal {
			result.Failed++
			result.Errors = append(result.Errors, f)
		}
		if len(retryable) == 0 || attempt >= p.maxRetries {
			for _, f := range retryable {
				result.Failed++
				result.Errors = append(result.Errors, f)
			}
			return result, nil
		}

		// 收窄批次：只重发失败 ID
		pending = narrowBatch(pending, retryable)
		applog.Warn("[Search] Retrying failed bulk items",
			"index", fullIndex, "attempt", attempt+1, "items", len(pending))
		if werr := sleepCtx(ctx, BackoffDelay(attempt, p.retryDelay)); werr != nil {
			return result, werr
		}
	}
}

// submit 组装 NDJSON 并提交 _bulk，解析逐条结果。
func (p *BulkProcessor) submit(ctx context.Context, fullIndex string, batch []bulkAction) (succeeded int, failures []BulkItemError, tookMs int64, err error) {
	var buf bytes.Buffer
	for _, a := range batch {
		meta := map[string]any{
			a.op: map[string]any{"_index": fullIndex, "_id": a.id},
		}
		metaLine, _ := json.Marshal(meta)
		buf.Write(metaLine)
		buf.WriteByte('\n')

		switch a.op {
		case "index":
			docLine, _ := json.Marshal(a.doc)
			buf.Write(docLine)
			buf.WriteByte('\n')
		case "update":
			docLine, _ := json.Marshal(map[string]any{"doc": a.doc})
			buf.Write(docLine)
			buf.WriteByte('\n')
		}
	}

	resp, err := p.client.doRequestType(ctx, http.MethodPost, "/_bulk", &buf, "application/x-ndjson")
	if err != nil {
		return 0, nil, 0, Wrap(err, "submit bulk batch")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, 0, Wrap(err, "read bulk response")
	}
	if resp.StatusCode != http.StatusOK {
		return 0, nil, 0, statusError(resp.StatusCode, string(body), "bulk request")
	}

	var raw struct {
		Took   int64                        `json:"took"`
		Errors bool                         `json:"errors"`
		Items  []map[string]json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0, nil, 0, newError(ErrBulk, "parse bulk response", err)
	}

	for _, item := range raw.Items {
		for _, rawEntry := range item {
			var entry struct {
				ID     string `json:"_id"`
				Status int    `json:"status"`
				Error  *struct {
					Type   string `json:"type"`
					Reason string `json:"reason"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rawEntry, &entry); err != nil {
				continue
			}
			if entry.Error != nil {
				failures = append(failures, BulkItemError{
					ID:     entry.ID,
					Status: entry.Status,
					Type:   entry.Error.Type,
					Reason: entry.Error.Reason,
				})
			} else {
				succeeded++
			}
		}
	}
	return succeeded, failures, raw.Took, nil
}

// splitFailures 把失败条目分成可重试与终态两类。
func splitFailures(failures []BulkItemError) (retryable, fatal []BulkItemError) {
	for _, f := range failures {
		reason := fmt.Sprintf("%s %s %d", f.Type, f.Reason, f.Status)
		if isRetryableReason(reason) {
			retryable = append(retryable, f)
		} else {
			fatal = append(fatal, f)
		}
	}
	return retryable, fatal
}

// isRetryableReason 按关键字判断失败原因是否可重试。
func isRetryableReason(reason string) bool {
	lower := strings.ToLower(reason)
	for _, kw := range retryableBulkKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// narrowBatch 保留失败 ID 对应的动作。
func narrowBatch(batch []bulkAction, failures []BulkItemError) []bulkAction {
	failed := make(map[string]struct{}, len(failures))
	for _, f := range failures {
		failed[f.ID] = struct{}{}
	}
	out := make([]bulkAction, 0, len(failures))
	for _, a := range batch {
		if _, ok := failed[a.id]; ok {
			out = append(out, a)
		}
	}
	return out
}

// sleepCtx 可取消的休眠。
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
