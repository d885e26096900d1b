package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	applog "datakit/internal/platform/log"
	"datakit/internal/stats"
)

// Client OpenSearch HTTP 客户端。并发安全，可被多 goroutine 共享。
type Client struct {
	cfg        *Config
	httpClient *http.Client
	tracker    *stats.Tracker
	cache      resultCache
	hostIdx    atomic.Uint64
	closed     atomic.Bool
}

// resultCache 搜索结果缓存的最小接口，Redis 实现见 SearchCache。
type resultCache interface {
	Get(ctx context.Context, index string, body map[string]any) (*SearchResult, bool)
	Put(ctx context.Context, index string, body map[string]any, result *SearchResult)
	Invalidate(ctx context.Context, index string) error
}

// Option 客户端可选配置。
type Option func(*Client)

// WithCache 启用搜索结果缓存。
func WithCache(cache *SearchCache) Option {
	return func(c *Client) {
		if cache != nil {
			c.cache = cache
		}
	}
}

// WithHTTPClient 替换底层 HTTP 客户端，测试时注入。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient 创建客户端。配置在此处校验并规范化。
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: cfg.PoolSize,
	}
	if cfg.UseSSL && !cfg.VerifyCerts {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // 显式配置
	}

	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		tracker: stats.NewTracker(0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close 释放空闲连接。关闭后所有操作返回 ErrClientClosed。
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t, ok := c.httpClient.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

// Stats 当前操作统计快照。
func (c *Client) Stats() map[string]stats.OperationSnapshot {
	return c.tracker.Snapshot()
}

// StatsSummary 全局统计汇总。
func (c *Client) StatsSummary() stats.Summary {
	return c.tracker.Summarize()
}

// SlowOperations 平均耗时最高的前 n 个操作。
func (c *Client) SlowOperations(n int) []stats.SlowOperation {
	return c.tracker.SlowOperations(n)
}

// ResetStats 清空统计。
func (c *Client) ResetStats() {
	c.tracker.Reset()
}

// Ping 检查集群连通性。
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return Wrap(err, "ping cluster")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return statusError(resp.StatusCode, string(body), "ping cluster")
	}
	return nil
}

// ClusterHealth 集群健康信息。
func (c *Client) ClusterHealth(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/_cluster/health", &out); err != nil {
		return nil, Wrap(err, "cluster health")
	}
	return out, nil
}

// Search 在指定索引上执行搜索。启用缓存时优先读缓存，未命中再回源并写缓存。
func (c *Client) Search(ctx context.Context, index string, query *SearchQuery) (*SearchResult, error) {
	if query == nil {
		query = &SearchQuery{}
	}
	fullIndex := c.cfg.IndexName(index)
	body := query.Body()
	start := time.Now()

	if c.cache != nil {
		if cached, ok := c.cache.Get(ctx, fullIndex, body); ok {
			c.track("search:"+index, start, hitCount(cached), nil)
			return cached, nil
		}
	}

	result, err := c.rawSearch(ctx, fullIndex, body)
	c.track("search:"+index, start, hitCount(result), err)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.Put(ctx, fullIndex, body, result)
	}
	return result, nil
}

// rawSearch 执行 _search 并解析响应。
func (c *Client) rawSearch(ctx context.Context, fullIndex string, body map[string]any) (*SearchResult, error) {
	var raw map[string]any
	if err := c.postJSON(ctx, "/"+fullIndex+"/_search", body, &raw); err != nil {
		return nil, Wrap(err, fmt.Sprintf("search index %s", fullIndex))
	}

	result := &SearchResult{
		Hits:  ExtractHits(raw),
		Total: ExtractTotal(raw),
	}
	if took, ok := raw["took"].(float64); ok {
		result.Took = int64(took)
	}
	if aggs, ok := raw["aggregations"].(map[string]any); ok {
		result.Aggregations = aggs
	}
	if shards, ok := raw["_shards"].(map[string]any); ok {
		result.Shards = shards
	}
	return result, nil
}

// GetDocument 按 ID 读取文档。不存在时返回 (nil, nil)，不视为错误。
func (c *Client) GetDocument(ctx context.Context, index, id string) (map[string]any, error) {
	start := time.Now()
	doc, err := c.getDocument(ctx, index, id)
	c.track("get:"+index, start, boolRows(doc != nil), err)
	return doc, err
}

func (c *Client) getDocument(ctx context.Context, index, id string) (map[string]any, error) {
	path := fmt.Sprintf("/%s/_doc/%s", c.cfg.IndexName(index), url.PathEscape(id))
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, Wrap(err, fmt.Sprintf("get document %s", id))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Wrap(err, "read get response")
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, string(body), fmt.Sprintf("get document %s", id))
	}

	var raw struct {
		ID     string         `json:"_id"`
		Index  string         `json:"_index"`
		Found  bool           `json:"found"`
		Source map[string]any `json:"_source"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, newError(ErrQuery, "parse get response", err)
	}
	if !raw.Found {
		return nil, nil
	}
	doc := raw.Source
	if doc == nil {
		doc = map[string]any{}
	}
	doc["_id"] = raw.ID
	doc["_index"] = raw.Index
	return doc, nil
}

// Exists 判断文档是否存在。
func (c *Client) Exists(ctx context.Context, index, id string) (bool, error) {
	path := fmt.Sprintf("/%s/_doc/%s", c.cfg.IndexName(index), url.PathEscape(id))
	resp, err := c.doRequest(ctx, http.MethodHead, path, nil)
	if err != nil {
		return false, Wrap(err, fmt.Sprintf("check document %s", id))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError(resp.StatusCode, "", fmt.Sprintf("check document %s", id))
	}
}

// IndexDocument 写入单个文档。id 为空时按内容生成确定性 ID。返回最终文档 ID。
func (c *Client) IndexDocument(ctx context.Context, index, id string, doc map[string]any, refresh bool) (string, error) {
	start := time.Now()
	normalized := NormalizeDocument(doc)
	if id == "" {
		id = GenerateDocumentID(normalized)
	}

	path := fmt.Sprintf("/%s/_doc/%s", c.cfg.IndexName(index), url.PathEscape(id))
	if refresh {
		path += "?refresh=true"
	}
	err := c.putJSON(ctx, path, normalized, nil)
	c.track("index:"+index, start, 1, err)
	if err != nil {
		return "", Wrap(err, fmt.Sprintf("index document %s", id))
	}
	c.invalidateCache(ctx, index)
	return id, nil
}

// UpdateDocument 部分更新文档。文档不存在时返回 ErrDocumentNotFound。
func (c *Client) UpdateDocument(ctx context.Context, index, id string, partial map[string]any) error {
	start := time.Now()
	path := fmt.Sprintf("/%s/_update/%s", c.cfg.IndexName(index), url.PathEscape(id))
	body := map[string]any{"doc": NormalizeDocument(partial)}
	err := c.postJSON(ctx, path, body, nil)
	c.track("update:"+index, start, 1, err)
	if err != nil {
		return Wrap(err, fmt.Sprintf("update document %s", id))
	}
	c.invalidateCache(ctx, index)
	return nil
}

// DeleteDocument 删除文档。返回是否实际删除；文档不存在返回 (false, nil)。
func (c *Client) DeleteDocument(ctx context.Context, index, id string) (bool, error) {
	start := time.Now()
	deleted, err := c.deleteDocument(ctx, index, id)
	c.track("delete:"+index, start, boolRows(deleted), err)
	if err == nil && deleted {
		c.invalidateCache(ctx, index)
	}
	return deleted, err
}

func (c *Client) deleteDocument(ctx context.Context, index, id string) (bool, error) {
	path := fmt.Sprintf("/%s/_doc/%s", c.cfg.IndexName(index), url.PathEscape(id))
	resp, err := c.doRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return false, Wrap(err, fmt.Sprintf("delete document %s", id))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError(resp.StatusCode, string(body), fmt.Sprintf("delete document %s", id))
	}
}

// DeleteByQuery 按查询删除，返回删除条数。
func (c *Client) DeleteByQuery(ctx context.Context, index string, query map[string]any) (int64, error) {
	start := time.Now()
	path := "/" + c.cfg.IndexName(index) + "/_delete_by_query"
	var raw struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.postJSON(ctx, path, map[string]any{"query": query}, &raw)
	c.track("delete_by_query:"+index, start, raw.Deleted, err)
	if err != nil {
		return 0, Wrap(err, fmt.Sprintf("delete by query on %s", index))
	}
	c.invalidateCache(ctx, index)
	applog.Info("[Search] Delete by query finished", "index", index, "deleted", raw.Deleted)
	return raw.Deleted, nil
}

// Count 统计匹配文档数。query 为 nil 时统计全部。
func (c *Client) Count(ctx context.Context, index string, query map[string]any) (int64, error) {
	start := time.Now()
	path := "/" + c.cfg.IndexName(index) + "/_count"
	body := map[string]any{}
	if query != nil {
		body["query"] = query
	}
	var raw struct {
		Count int64 `json:"count"`
	}
	err := c.postJSON(ctx, path, body, &raw)
	c.track("count:"+index, start, raw.Count, err)
	if err != nil {
		return 0, Wrap(err, fmt.Sprintf("count on %s", index))
	}
	return raw.Count, nil
}

// ProductSearch 商品搜索：多字段加权匹配、过滤、分面聚合与排序。
func (c *Client) ProductSearch(ctx context.Context, index, text string, opts *ProductSearchOptions) (*SearchResult, error) {
	if opts == nil {
		opts = &ProductSearchOptions{}
	}
	query := &SearchQuery{
		Query: BuildProductSearchQuery(text, opts),
		Size:  orDefault(opts.Size, defaultPageSize),
		From:  opts.From,
		Sort:  productSort(opts.SortBy),
	}
	if opts.IncludeFacets {
		query.Aggs = BuildProductFacets()
	}
	return c.Search(ctx, index, query)
}

// Autocomplete 前缀补全建议。
func (c *Client) Autocomplete(ctx context.Context, index, field, prefix string, size int) ([]string, error) {
	query := &SearchQuery{
		Query:  BuildAutocompleteQuery(field, prefix),
		Size:   orDefault(size, defaultSearchSize),
		Source: []string{field},
	}
	result, err := c.Search(ctx, index, query)
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	suggestions := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		v, ok := hit[field].(string)
		if !ok {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		suggestions = append(suggestions, v)
	}
	return suggestions, nil
}

// MoreLikeThis 相似文档推荐。
func (c *Client) MoreLikeThis(ctx context.Context, index, id string, fields []string, size int) (*SearchResult, error) {
	query := &SearchQuery{
		Query: BuildMoreLikeThisQuery(c.cfg.IndexName(index), id, fields),
		Size:  orDefault(size, defaultSearchSize),
	}
	return c.Search(ctx, index, query)
}

// productSort 把排序别名映射到字段排序。
func productSort(sortBy string) []SortOption {
	switch sortBy {
	case "price_asc":
		return []SortOption{{Field: "price", Order: SortAsc}}
	case "price_desc":
		return []SortOption{{Field: "price", Order: SortDesc}}
	case "newest":
		return []SortOption{{Field: "created_at", Order: SortDesc}}
	case "popular":
		return []SortOption{{Field: "sales_count", Order: SortDesc}}
	case "rating":
		return []SortOption{{Field: "rating", Order: SortDesc}}
	default: // relevance
		return nil
	}
}

// ---- HTTP 基础设施 ----

// nextHost 轮询选择目标节点。
func (c *Client) nextHost() string {
	n := c.hostIdx.Add(1)
	return c.cfg.Hosts[int(n-1)%len(c.cfg.Hosts)]
}

// doRequest 执行 HTTP 请求。关闭后的客户端直接报错。
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	return c.doRequestType(ctx, method, path, body, "application/json")
}

func (c *Client) doRequestType(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	if c.closed.Load() {
		return nil, newError(ErrClientClosed, "client is closed", nil)
	}

	// 请求体先读进内存，重试时重建 reader
	var payload []byte
	if body != nil {
		var err error
		if payload, err = io.ReadAll(body); err != nil {
			return nil, err
		}
	}

	send := func(host string) (*http.Response, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, host+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		if c.cfg.Username != "" {
			req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
		}
		for k, v := range c.cfg.Headers {
			req.Header.Set(k, v)
		}
		return c.httpClient.Do(req)
	}

	resp, err := send(c.nextHost())
	for attempt := 0; err != nil && attempt < c.cfg.MaxRetries && isTransient(err); attempt++ {
		if !c.cfg.RetryOnTimeout && strings.Contains(strings.ToLower(err.Error()), "timeout") {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(BackoffDelay(attempt, defaultBulkRetryDelay)):
		}
		resp, err = send(c.nextHost())
	}
	return resp, err
}

// isTransient 判断传输层错误是否可重试。
func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "no such host")
}

// getJSON GET 并解析 JSON 响应。
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.decodeResponse(resp, path, out)
}

// postJSON POST JSON 请求体并解析响应。out 为 nil 时只检查状态码。
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	return c.sendJSON(ctx, http.MethodPost, path, body, out)
}

// putJSON PUT JSON 请求体并解析响应。
func (c *Client) putJSON(ctx context.Context, path string, body, out any) error {
	return c.sendJSON(ctx, http.MethodPut, path, body, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return newError(ErrValidation, "encode request body", err)
		}
		reader = bytes.NewReader(data)
	}
	resp, err := c.doRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	return c.decodeResponse(resp, path, out)
}

// decodeResponse 统一处理状态码检查与 JSON 解码。
func (c *Client) decodeResponse(resp *http.Response, path string, out any) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Wrap(err, "read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, string(body), "request "+path)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return newError(ErrQuery, "parse response body", err)
	}
	return nil
}

// track 记录一次操作的耗时与结果。
func (c *Client) track(key string, start time.Time, rows int64, err error) {
	c.tracker.Record(key, time.Since(start), rows, err)
}

// invalidateCache 写操作后失效对应索引的缓存。缓存不可用时只记日志。
func (c *Client) invalidateCache(ctx context.Context, index string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Invalidate(ctx, c.cfg.IndexName(index)); err != nil {
		applog.Warn("[Search] Cache invalidation failed", "index", index, "error", err)
	}
}

func hitCount(r *SearchResult) int64 {
	if r == nil {
		return 0
	}
	return int64(len(r.Hits))
}

func boolRows(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
