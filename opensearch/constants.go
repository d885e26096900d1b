package opensearch

import "time"

// 连接默认值
const (
	defaultTimeout  = 30 * time.Second
	defaultPoolSize = 10
)

// 搜索默认值
const (
	defaultPageSize   = 20
	defaultSearchSize = 10
	maxSearchSize     = 10000
)

// 批量操作默认值
const (
	DefaultBulkSize       = 1000
	MaxBulkSize           = 5000
	defaultBulkRetries    = 3
	defaultBulkRetryDelay = time.Second
	maxBackoffDelay       = 30 * time.Second
)

// 索引默认值
const (
	defaultShards        = 1
	defaultReplicas      = 1
	maxResultWindow      = 10000
	indexRefreshInterval = "1s"
)

// 查询默认值
const (
	defaultFuzziness      = "AUTO"
	defaultMinShouldMatch = "75%"
)
