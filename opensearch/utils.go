package opensearch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

var indexNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// NormalizeDocument 规范化文档：丢弃 nil 值，time.Time 转 RFC3339，递归处理嵌套结构。
func NormalizeDocument(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if v == nil {
			continue
		}
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC().Format(time.RFC3339)
	case map[string]any:
		return NormalizeDocument(val)
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			if item == nil {
				continue
			}
			out = append(out, normalizeValue(item))
		}
		return out
	default:
		return v
	}
}

// GenerateDocumentID 由文档内容生成确定性 ID：JSON 序列化后取 sha256 前 32 个十六进制字符。
func GenerateDocumentID(doc map[string]any) string {
	data, err := json.Marshal(doc)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", doc))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:32]
}

// ChunkDocuments 按批次大小切分文档列表。size<=0 时按默认批次处理。
func ChunkDocuments(docs []map[string]any, size int) [][]map[string]any {
	if size <= 0 {
		size = DefaultBulkSize
	}
	if len(docs) == 0 {
		return nil
	}
	chunks := make([][]map[string]any, 0, (len(docs)+size-1)/size)
	for start := 0; start < len(docs); start += size {
		end := start + size
		if end > len(docs) {
			end = len(docs)
		}
		chunks = append(chunks, docs[start:end])
	}
	return chunks
}

// BackoffDelay 计算指数退避延迟：base * 2^attempt，上限 maxBackoffDelay。
func BackoffDelay(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = defaultBulkRetryDelay
	}
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxBackoffDelay || d <= 0 {
		d = maxBackoffDelay
	}
	return d
}

// ExtractHits 从 _search 响应中提取命中文档，注入 _id/_index/_score 及高亮。
func ExtractHits(response map[string]any) []map[string]any {
	hitsWrap, ok := response["hits"].(map[string]any)
	if !ok {
		return nil
	}
	rawHits, ok := hitsWrap["hits"].([]any)
	if !ok {
		return nil
	}
	docs := make([]map[string]any, 0, len(rawHits))
	for _, raw := range rawHits {
		hit, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		doc := map[string]any{}
		if src, ok := hit["_source"].(map[string]any); ok {
			for k, v := range src {
				doc[k] = v
			}
		}
		if id, ok := hit["_id"].(string); ok {
			doc["_id"] = id
		}
		if idx, ok := hit["_index"].(string); ok {
			doc["_index"] = idx
		}
		if score, ok := hit["_score"]; ok && score != nil {
			doc["_score"] = score
		}
		if hl, ok := hit["highlight"].(map[string]any); ok {
			doc["_highlight"] = hl
		}
		docs = append(docs, doc)
	}
	return docs
}

// ExtractTotal 解析命中总数，兼容 object 与数值两种形态。
func ExtractTotal(response map[string]any) int64 {
	hitsWrap, ok := response["hits"].(map[string]any)
	if !ok {
		return 0
	}
	switch total := hitsWrap["total"].(type) {
	case map[string]any:
		if v, ok := total["value"].(float64); ok {
			return int64(v)
		}
	case float64:
		return int64(total)
	}
	return 0
}

// ValidateIndexName 校验索引名：小写字母或数字开头，仅含小写字母、数字、下划线与连字符，长度不超过 255 字节。
func ValidateIndexName(name string) error {
	if name == "" {
		return newError(ErrValidation, "index name is empty", nil)
	}
	if len(name) > 255 {
		return newError(ErrValidation, fmt.Sprintf("index name too long: %d bytes", len(name)), nil)
	}
	if !indexNamePattern.MatchString(name) {
		return newError(ErrValidation, fmt.Sprintf("invalid index name: %q", name), nil)
	}
	return nil
}

// SanitizeIndexName 把任意字符串清洗成合法索引名。
func SanitizeIndexName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ' || r == '.' || r == '/':
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-_")
	if out == "" {
		return "index"
	}
	if out[0] == '-' || out[0] == '_' {
		out = "i" + out
	}
	if len(out) > 255 {
		out = out[:255]
	}
	return out
}

// FormatBytes 人类可读的字节数。
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// ParseTimestamp 解析常见时间格式。
func ParseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, newError(ErrValidation, fmt.Sprintf("unrecognized timestamp: %q", s), nil)
}
