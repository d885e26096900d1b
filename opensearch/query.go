package opensearch

import (
	"fmt"
	"strings"
	"time"
)

// PriceRange 价格区间，零值表示无界。
type PriceRange struct {
	Min float64
	Max float64
}

// ProductSearchOptions 商品搜索参数。
type ProductSearchOptions struct {
	Category      string
	Brands        []string
	PriceRange    *PriceRange
	Attributes    map[string][]string // attributes.<key> -> 候选值
	InStock       bool
	Filters       map[string]any // 附加 term 过滤
	SortBy        string         // relevance / price_asc / price_desc / newest / popular / rating
	Size          int
	From          int
	IncludeFacets bool
}

// BuildProductSearchQuery 构建商品搜索查询：多字段加权全文匹配 + 过滤子句。
// 空文本退化为 match_all，只做过滤。
func BuildProductSearchQuery(text string, opts *ProductSearchOptions) map[string]any {
	if opts == nil {
		opts = &ProductSearchOptions{}
	}

	var must any
	if text == "" {
		must = map[string]any{"match_all": map[string]any{}}
	} else {
		must = map[string]any{
			"multi_match": map[string]any{
				"query": text,
				"fields": []string{
					"name^3",
					"description^2",
					"category^1.5",
					"brand^1.2",
					"tags",
					"sku",
				},
				"type":                 "best_fields",
				"fuzziness":            defaultFuzziness,
				"minimum_should_match": defaultMinShouldMatch,
			},
		}
	}

	var filters []any
	if opts.Category != "" {
		filters = append(filters, map[string]any{
			"term": map[string]any{"category": opts.Category},
		})
	}
	if len(opts.Brands) > 0 {
		filters = append(filters, map[string]any{
			"terms": map[string]any{"brand": opts.Brands},
		})
	}
	if pr := opts.PriceRange; pr != nil {
		bounds := map[string]any{}
		if pr.Min > 0 {
			bounds["gte"] = pr.Min
		}
		if pr.Max > 0 {
			bounds["lte"] = pr.Max
		}
		if len(bounds) > 0 {
			filters = append(filters, map[string]any{
				"range": map[string]any{"price": bounds},
			})
		}
	}
	for attr, values := range opts.Attributes {
		if len(values) == 0 {
			continue
		}
		filters = append(filters, map[string]any{
			"terms": map[string]any{"attributes." + attr: values},
		})
	}
	if opts.InStock {
		filters = append(filters, map[string]any{
			"range": map[string]any{"stock": map[string]any{"gt": 0}},
		})
	}
	for field, value := range opts.Filters {
		filters = append(filters, map[string]any{
			"term": map[string]any{field: value},
		})
	}

	boolQuery := map[string]any{"must": []any{must}}
	if len(filters) > 0 {
		boolQuery["filter"] = filters
	}
	return map[string]any{"bool": boolQuery}
}

// BuildProductFacets 商品分面聚合：类目、品牌、价格区间、库存。
func BuildProductFacets() map[string]any {
	return map[string]any{
		"categories": map[string]any{
			"terms": map[string]any{"field": "category", "size": 50},
		},
		"brands": map[string]any{
			"terms": map[string]any{"field": "brand", "size": 50},
		},
		"price_ranges": map[string]any{
			"range": map[string]any{
				"field": "price",
				"ranges": []any{
					map[string]any{"to": 50},
					map[string]any{"from": 50, "to": 100},
					map[string]any{"from": 100, "to": 500},
					map[string]any{"from": 500, "to": 1000},
					map[string]any{"from": 1000},
				},
			},
		},
		"avg_price": map[string]any{
			"avg": map[string]any{"field": "price"},
		},
		"in_stock": map[string]any{
			"filter": map[string]any{
				"range": map[string]any{"stock": map[string]any{"gt": 0}},
			},
		},
	}
}

// FilterOp 过滤操作符。
type FilterOp string

const (
	FilterEq       FilterOp = "eq"
	FilterNe       FilterOp = "ne"
	FilterGt       FilterOp = "gt"
	FilterGte      FilterOp = "gte"
	FilterLt       FilterOp = "lt"
	FilterLte      FilterOp = "lte"
	FilterIn       FilterOp = "in"
	FilterRange    FilterOp = "range"
	FilterExists   FilterOp = "exists"
	FilterMissing  FilterOp = "missing"
	FilterPrefix   FilterOp = "prefix"
	FilterWildcard FilterOp = "wildcard"
	FilterRegexp   FilterOp = "regexp"
)

// FilterClause 单个过滤条件。
type FilterClause struct {
	Field string
	Op    FilterOp
	Value any
}

// BuildFilterQuery 把过滤条件列表组合成 bool filter 查询。
func BuildFilterQuery(clauses []FilterClause) map[string]any {
	var filter, mustNot []any
	for _, c := range clauses {
		switch c.Op {
		case FilterEq, "":
			filter = append(filter, map[string]any{"term": map[string]any{c.Field: c.Value}})
		case FilterNe:
			mustNot = append(mustNot, map[string]any{"term": map[string]any{c.Field: c.Value}})
		case FilterGt, FilterGte, FilterLt, FilterLte:
			filter = append(filter, map[string]any{
				"range": map[string]any{c.Field: map[string]any{string(c.Op): c.Value}},
			})
		case FilterIn:
			filter = append(filter, map[string]any{"terms": map[string]any{c.Field: c.Value}})
		case FilterRange:
			filter = append(filter, map[string]any{"range": map[string]any{c.Field: c.Value}})
		case FilterExists:
			filter = append(filter, map[string]any{"exists": map[string]any{"field": c.Field}})
		case FilterMissing:
			mustNot = append(mustNot, map[string]any{"exists": map[string]any{"field": c.Field}})
		case FilterPrefix:
			filter = append(filter, map[string]any{"prefix": map[string]any{c.Field: c.Value}})
		case FilterWildcard:
			filter = append(filter, map[string]any{"wildcard": map[string]any{c.Field: c.Value}})
		case FilterRegexp:
			filter = append(filter, map[string]any{"regexp": map[string]any{c.Field: c.Value}})
		}
	}

	boolQuery := map[string]any{}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}
	if len(mustNot) > 0 {
		boolQuery["must_not"] = mustNot
	}
	if len(boolQuery) == 0 {
		return map[string]any{"match_all": map[string]any{}}
	}
	return map[string]any{"bool": boolQuery}
}

// BuildDateRangeQuery 时间范围查询。零值时间表示无界。
func BuildDateRangeQuery(field string, from, to time.Time) map[string]any {
	bounds := map[string]any{}
	if !from.IsZero() {
		bounds["gte"] = from.UTC().Format(time.RFC3339)
	}
	if !to.IsZero() {
		bounds["lte"] = to.UTC().Format(time.RFC3339)
	}
	return map[string]any{"range": map[string]any{field: bounds}}
}

// BuildRecentDocumentsQuery 最近 N 天的文档。
func BuildRecentDocumentsQuery(field string, days int) map[string]any {
	if days <= 0 {
		days = 7
	}
	return map[string]any{
		"range": map[string]any{
			field: map[string]any{"gte": fmt.Sprintf("now-%dd/d", days)},
		},
	}
}

// BuildGeoDistanceQuery 地理半径查询，distance 形如 "10km"。
func BuildGeoDistanceQuery(field string, lat, lon float64, distance string) map[string]any {
	return map[string]any{
		"geo_distance": map[string]any{
			"distance": distance,
			field: map[string]any{
				"lat": lat,
				"lon": lon,
			},
		},
	}
}

// BuildAggregationQuery 按字段分桶并附带可选的数值统计。
func BuildAggregationQuery(groupBy string, size int, metrics map[string]string) map[string]any {
	terms := map[string]any{
		"terms": map[string]any{
			"field": groupBy,
			"size":  orDefault(size, 10),
		},
	}
	if len(metrics) > 0 {
		subs := map[string]any{}
		for name, expr := range metrics {
			// expr 形如 "avg:price"
			aggType, field, ok := strings.Cut(expr, ":")
			if !ok || aggType == "" || field == "" {
				continue
			}
			subs[name] = map[string]any{aggType: map[string]any{"field": field}}
		}
		if len(subs) > 0 {
			terms["aggs"] = subs
		}
	}
	return map[string]any{"group_" + groupBy: terms}
}

// BuildScoringQuery 业务加权评分：在基础查询上叠加字段权重函数。
func BuildScoringQuery(base map[string]any, boosts map[string]float64) map[string]any {
	if base == nil {
		base = map[string]any{"match_all": map[string]any{}}
	}
	functions := make([]any, 0, len(boosts))
	for field, factor := range boosts {
		functions = append(functions, map[string]any{
			"field_value_factor": map[string]any{
				"field":    field,
				"factor":   factor,
				"modifier": "log1p",
				"missing":  0,
			},
		})
	}
	return map[string]any{
		"function_score": map[string]any{
			"query":      base,
			"functions":  functions,
			"score_mode": "sum",
			"boost_mode": "multiply",
		},
	}
}

// BuildMoreLikeThisQuery 相似文档查询。
func BuildMoreLikeThisQuery(fullIndex, id string, fields []string) map[string]any {
	if len(fields) == 0 {
		fields = []string{"name", "description", "tags"}
	}
	return map[string]any{
		"more_like_this": map[string]any{
			"fields": fields,
			"like": []any{
				map[string]any{"_index": fullIndex, "_id": id},
			},
			"min_term_freq":   1,
			"min_doc_freq":    1,
			"max_query_terms": 25,
		},
	}
}

// BuildAutocompleteQuery 前缀补全查询。
func BuildAutocompleteQuery(field, prefix string) map[string]any {
	return map[string]any{
		"bool": map[string]any{
			"should": []any{
				map[string]any{
					"match_phrase_prefix": map[string]any{
						field: map[string]any{"query": prefix, "max_expansions": 50},
					},
				},
				map[string]any{
					"prefix": map[string]any{
						field + ".keyword": map[string]any{"value": prefix},
					},
				},
			},
			"minimum_should_match": 1,
		},
	}
}
