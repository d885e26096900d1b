package postgres

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// 字段后缀到 SQL 操作符的映射。
var whereOps = map[string]string{
	"eq":          "=",
	"ne":          "!=",
	"gt":          ">",
	"ge":          ">=",
	"lt":          "<",
	"le":          "<=",
	"like":        "LIKE",
	"ilike":       "ILIKE",
	"in":          "IN",
	"not_in":      "NOT IN",
	"is_null":     "IS NULL",
	"is_not_null": "IS NOT NULL",
	"between":     "BETWEEN",
}

// 组合键，值为子条件。
const (
	opOr  = "__or"
	opAnd = "__and"
	opNot = "__not"
)

// Where 过滤条件。键形如 "column" 或 "column__op"，
// 组合键 __or/__and/__not 的值是子条件列表（__not 为单个子条件）。
type Where map[string]any

// BuildWhere 把过滤条件编译成 WHERE 片段与命名参数绑定表。
// 生成形如 "users.age >= :p1" 的片段，参数名全局唯一。
func BuildWhere(table string, where Where) (string, map[string]any, error) {
	if err := validateIdent(table, "table"); err != nil {
		return "", nil, err
	}
	b := &whereBuilder{table: table, binds: map[string]any{}}
	clause, err := b.compile(where)
	if err != nil {
		return "", nil, err
	}
	return clause, b.binds, nil
}

type whereBuilder struct {
	table string
	binds map[string]any
	seq   int
}

// compile 递归编译条件。同层条件按 AND 连接，键排序保证输出稳定。
func (b *whereBuilder) compile(where Where) (string, error) {
	if len(where) == 0 {
		return "", nil
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, key := range keys {
		value := where[key]
		switch key {
		case opOr, opAnd:
			sub, err := b.compileGroup(key, value)
			if err != nil {
				return "", err
			}
			if sub != "" {
				parts = append(parts, sub)
			}
		case opNot:
			child, ok := toWhere(value)
			if !ok {
				return "", newError(ErrValidation, fmt.Sprintf("%s expects a condition map", key), nil)
			}
			sub, err := b.compile(child)
			if err != nil {
				return "", err
			}
			if sub != "" {
				parts = append(parts, "NOT ("+sub+")")
			}
		default:
			clause, err := b.compileField(key, value)
			if err != nil {
				return "", err
			}
			parts = append(parts, clause)
		}
	}
	return strings.Join(parts, " AND "), nil
}

// compileGroup 编译 __or/__and 子条件列表。
func (b *whereBuilder) compileGroup(key string, value any) (string, error) {
	children, ok := toWhereList(value)
	if !ok {
		return "", newError(ErrValidation, fmt.Sprintf("%s expects a list of conditions", key), nil)
	}

	joiner := " OR "
	if key == opAnd {
		joiner = " AND "
	}

	var parts []string
	for _, child := range children {
		sub, err := b.compile(child)
		if err != nil {
			return "", err
		}
		if sub != "" {
			parts = append(parts, "("+sub+")")
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

// compileField 编译单个 "column__op" 条件。
func (b *whereBuilder) compileField(key string, value any) (string, error) {
	column, op := splitFieldOp(key)
	if err := validateIdent(column, "column"); err != nil {
		return "", err
	}
	sqlOp, ok := whereOps[op]
	if !ok {
		return "", newError(ErrValidation, fmt.Sprintf("unknown operator %q in %q", op, key), nil)
	}
	qualified := b.table + "." + column

	switch op {
	case "is_null", "is_not_null":
		return qualified + " " + sqlOp, nil

	case "in", "not_in":
		items, ok := toSlice(value)
		if !ok || len(items) == 0 {
			return "", newError(ErrValidation, fmt.Sprintf("%s requires a non-empty list", key), nil)
		}
		names := make([]string, 0, len(items))
		for _, item := range items {
			names = append(names, ":"+b.bind(item))
		}
		return fmt.Sprintf("%s %s (%s)", qualified, sqlOp, strings.Join(names, ", ")), nil

	case "between":
		items, ok := toSlice(value)
		if !ok || len(items) != 2 {
			return "", newError(ErrValidation, fmt.Sprintf("%s requires exactly two values", key), nil)
		}
		lo := b.bind(items[0])
		hi := b.bind(items[1])
		return fmt.Sprintf("%s BETWEEN :%s AND :%s", qualified, lo, hi), nil

	default:
		return fmt.Sprintf("%s %s :%s", qualified, sqlOp, b.bind(value)), nil
	}
}

// bind 注册一个命名参数并返回其名字。
func (b *whereBuilder) bind(value any) string {
	b.seq++
	name := fmt.Sprintf("p%d", b.seq)
	b.binds[name] = value
	return name
}

// splitFieldOp 把 "age__ge" 拆成列名与操作符，无后缀默认 eq。
func splitFieldOp(key string) (column, op string) {
	if idx := strings.LastIndex(key, "__"); idx > 0 {
		candidate := key[idx+2:]
		if _, ok := whereOps[candidate]; ok {
			return key[:idx], candidate
		}
	}
	return key, "eq"
}

func validateIdent(name, what string) error {
	if !identPattern.MatchString(name) {
		return newError(ErrValidation, fmt.Sprintf("invalid %s name: %q", what, name), nil)
	}
	return nil
}

func toWhere(v any) (Where, bool) {
	switch w := v.(type) {
	case Where:
		return w, true
	case map[string]any:
		return Where(w), true
	default:
		return nil, false
	}
}

func toWhereList(v any) ([]Where, bool) {
	switch list := v.(type) {
	case []Where:
		return list, true
	case []map[string]any:
		out := make([]Where, len(list))
		for i, m := range list {
			out[i] = Where(m)
		}
		return out, true
	case []any:
		out := make([]Where, 0, len(list))
		for _, item := range list {
			w, ok := toWhere(item)
			if !ok {
				return nil, false
			}
			out = append(out, w)
		}
		return out, true
	default:
		return nil, false
	}
}

func toSlice(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, true
	case []int64:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(list))
		for i, f := range list {
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}
