package postgres

import (
	"fmt"
	"sort"
	"strings"
)

// MaxQueryLimit 单次查询返回行数上限。
const MaxQueryLimit = 1000

// BuildSelect 组装 SELECT 语句（命名参数形式）与绑定表。
func BuildSelect(table string, where Where, opts *QueryOptions) (string, map[string]any, error) {
	if err := validateIdent(table, "table"); err != nil {
		return "", nil, err
	}
	if opts == nil {
		opts = &QueryOptions{}
	}

	columns := "*"
	if len(opts.Columns) > 0 {
		qualified := make([]string, 0, len(opts.Columns))
		for _, col := range opts.Columns {
			if err := validateIdent(col, "column"); err != nil {
				return "", nil, err
			}
			qualified = append(qualified, table+"."+col)
		}
		columns = strings.Join(qualified, ", ")
	}

	var b strings.Builder
	keyword := "SELECT"
	if opts.Distinct {
		keyword = "SELECT DISTINCT"
	}
	fmt.Fprintf(&b, "%s %s FROM %s", keyword, columns, table)

	clause, binds, err := BuildWhere(table, where)
	if err != nil {
		return "", nil, err
	}
	if clause != "" {
		b.WriteString(" WHERE ")
		b.WriteString(clause)
	}

	if len(opts.OrderBy) > 0 {
		orders := make([]string, 0, len(opts.OrderBy))
		for _, o := range opts.OrderBy {
			if err := validateIdent(o.Column, "column"); err != nil {
				return "", nil, err
			}
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			orders = append(orders, fmt.Sprintf("%s.%s %s", table, o.Column, dir))
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(orders, ", "))
	}

	limit := opts.Limit
	if limit <= 0 || limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	fmt.Fprintf(&b, " LIMIT %d", limit)
	if opts.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", opts.Offset)
	}
	if opts.ForUpdate {
		b.WriteString(" FOR UPDATE")
	}

	return b.String(), binds, nil
}

// BuildCount 组装 COUNT 语句。
func BuildCount(table string, where Where) (string, map[string]any, error) {
	if err := validateIdent(table, "table"); err != nil {
		return "", nil, err
	}
	query := "SELECT COUNT(*) FROM " + table
	clause, binds, err := BuildWhere(table, where)
	if err != nil {
		return "", nil, err
	}
	if clause != "" {
		query += " WHERE " + clause
	}
	return query, binds, nil
}

// AggregateFunc 聚合函数白名单。
var aggregateFuncs = map[string]struct{}{
	"count": {}, "sum": {}, "avg": {}, "min": {}, "max": {},
}

// BuildAggregate 组装聚合语句。aggregates 的键是结果别名，值形如 "sum:amount"。
func BuildAggregate(table string, where Where, groupBy []string, aggregates map[string]string) (string, map[string]any, error) {
	if err := validateIdent(table, "table"); err != nil {
		return "", nil, err
	}

	var selects []string
	for _, col := range groupBy {
		if err := validateIdent(col, "column"); err != nil {
			return "", nil, err
		}
		selects = append(selects, table+"."+col)
	}

	// 别名排序保证语句稳定
	aliases := make([]string, 0, len(aggregates))
	for alias := range aggregates {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	for _, alias := range aliases {
		if err := validateIdent(alias, "alias"); err != nil {
			return "", nil, err
		}
		fn, col, ok := strings.Cut(aggregates[alias], ":")
		if !ok {
			return "", nil, newError(ErrValidation, fmt.Sprintf("aggregate %q must be fn:column", aggregates[alias]), nil)
		}
		fn = strings.ToLower(fn)
		if _, allowed := aggregateFuncs[fn]; !allowed {
			return "", nil, newError(ErrValidation, fmt.Sprintf("unsupported aggregate function %q", fn), nil)
		}
		if col != "*" {
			if err := validateIdent(col, "column"); err != nil {
				return "", nil, err
			}
			col = table + "." + col
		}
		selects = append(selects, fmt.Sprintf("%s(%s) AS %s", strings.ToUpper(fn), col, alias))
	}

	if len(selects) == 0 {
		return "", nil, newError(ErrValidation, "aggregate query needs group columns or aggregates", nil)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(selects, ", "), table)

	clause, binds, err := BuildWhere(table, where)
	if err != nil {
		return "", nil, err
	}
	if clause != "" {
		b.WriteString(" WHERE ")
		b.WriteString(clause)
	}

	if len(groupBy) > 0 {
		qualified := make([]string, len(groupBy))
		for i, col := range groupBy {
			qualified[i] = table + "." + col
		}
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(qualified, ", "))
	}
	return b.String(), binds, nil
}
