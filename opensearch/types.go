package opensearch

// SortOrder 排序方向。
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// SortOption 单字段排序配置。
type SortOption struct {
	Field   string
	Order   SortOrder
	Missing string // "_last"、"_first" 或自定义值
}

func (s SortOption) asMap() map[string]any {
	inner := map[string]any{"order": string(s.Order)}
	if s.Missing != "" {
		inner["missing"] = s.Missing
	}
	return map[string]any{s.Field: inner}
}

// SearchQuery 一次搜索的完整参数。
type SearchQuery struct {
	Query       map[string]any
	Size        int
	From        int
	Sort        []SortOption
	Aggs        map[string]any
	Highlight   map[string]any
	Source      any // bool、[]string 或 nil（不过滤）
	TrackScores bool
	Explain     bool
}

// Body 组装 _search 请求体。
func (q *SearchQuery) Body() map[string]any {
	body := map[string]any{"query": q.Query}
	if q.Query == nil {
		body["query"] = map[string]any{"match_all": map[string]any{}}
	}
	if q.Size > 0 {
		body["size"] = min(q.Size, maxSearchSize)
	}
	if q.From > 0 {
		body["from"] = q.From
	}
	if len(q.Sort) > 0 {
		sorts := make([]any, 0, len(q.Sort))
		for _, s := range q.Sort {
			sorts = append(sorts, s.asMap())
		}
		body["sort"] = sorts
	}
	if q.Aggs != nil {
		body["aggs"] = q.Aggs
	}
	if q.Highlight != nil {
		body["highlight"] = q.Highlight
	}
	if q.Source != nil {
		body["_source"] = q.Source
	}
	if q.TrackScores {
		body["track_scores"] = true
	}
	if q.Explain {
		body["explain"] = true
	}
	return body
}

// SearchResult 搜索结果与元数据。
type SearchResult struct {
	Hits         []map[string]any `json:"hits"`
	Total        int64            `json:"total"`
	Took         int64            `json:"took"`
	Aggregations map[string]any   `json:"aggregations,omitempty"`
	Shards       map[string]any   `json:"shards,omitempty"`
}

// HasHits 是否有命中。
func (r *SearchResult) HasHits() bool { return len(r.Hits) > 0 }

// PageCount 按每页大小计算总页数。
func (r *SearchResult) PageCount(perPage int) int {
	if perPage <= 0 {
		perPage = defaultPageSize
	}
	if r.Total <= 0 {
		return 1
	}
	return int((r.Total + int64(perPage) - 1) / int64(perPage))
}

// BulkItemError 单条 bulk 动作的失败信息。
type BulkItemError struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// BulkResult 批量操作的聚合结果。部分失败不抛错，全部记录在这里。
type BulkResult struct {
	Total      int             `json:"total"`
	Successful int             `json:"successful"`
	Failed     int             `json:"failed"`
	Errors     []BulkItemError `json:"errors,omitempty"`
	TookMs     int64           `json:"took_ms"`
}

// HasErrors 是否存在失败条目。
func (r *BulkResult) HasErrors() bool { return r.Failed > 0 }

func (r *BulkResult) merge(other BulkResult) {
	r.Successful += other.Successful
	r.Failed += other.Failed
	r.Errors = append(r.Errors, other.Errors...)
	r.TookMs += other.TookMs
}

// IndexSettings 建索引的 settings 配置。
type IndexSettings struct {
	Shards          int
	Replicas        int
	RefreshInterval string
	MaxResultWindow int
	Analysis        map[string]any
}

func (s *IndexSettings) asMap() map[string]any {
	idx := map[string]any{
		"number_of_shards":   orDefault(s.Shards, defaultShards),
		"number_of_replicas": orDefaultAllowZero(s.Replicas),
		"refresh_interval":   orDefaultStr(s.RefreshInterval, indexRefreshInterval),
		"max_result_window":  orDefault(s.MaxResultWindow, maxResultWindow),
	}
	if s.Analysis != nil {
		idx["analysis"] = s.Analysis
	}
	return map[string]any{"index": idx}
}

// IndexMappings 建索引的 mappings 配置。
type IndexMappings struct {
	Properties       map[string]any
	Dynamic          string // "strict"、"true" 或 "false"
	DateDetection    bool
	NumericDetection bool
}

func (m *IndexMappings) asMap() map[string]any {
	return map[string]any{
		"dynamic":           orDefaultStr(m.Dynamic, "strict"),
		"date_detection":    m.DateDetection,
		"numeric_detection": m.NumericDetection,
		"properties":        m.Properties,
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// replicas 允许显式 0
func orDefaultAllowZero(v int) int {
	if v >= 0 {
		return v
	}
	return defaultReplicas
}

func orDefaultStr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
