package postgres

import (
	"errors"
	"strings"
	"testing"
)

func TestBuildWhereSimple(t *testing.T) {
	clause, binds, err := BuildWhere("users", Where{"status": "active"})
	if err != nil {
		t.Fatalf("BuildWhere: %v", err)
	}
	if clause != "users.status = :p1" {
		t.Errorf("clause = %q", clause)
	}
	if binds["p1"] != "active" {
		t.Errorf("binds = %v", binds)
	}
}

func TestBuildWhereOperators(t *testing.T) {
	tests := []struct {
		name  string
		where Where
		want  string
	}{
		{"ne", Where{"status__ne": "deleted"}, "users.status != :p1"},
		{"gt", Where{"age__gt": 18}, "users.age > :p1"},
		{"ge", Where{"age__ge": 18}, "users.age >= :p1"},
		{"lt", Where{"age__lt": 65}, "users.age < :p1"},
		{"le", Where{"age__le": 65}, "users.age <= :p1"},
		{"like", Where{"name__like": "a%"}, "users.name LIKE :p1"},
		{"ilike", Where{"name__ilike": "a%"}, "users.name ILIKE :p1"},
		{"is_null", Where{"deleted_at__is_null": true}, "users.deleted_at IS NULL"},
		{"is_not_null", Where{"deleted_at__is_not_null": true}, "users.deleted_at IS NOT NULL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clause, _, err := BuildWhere("users", tt.where)
			if err != nil {
				t.Fatalf("BuildWhere: %v", err)
			}
			if clause != tt.want {
				t.Errorf("clause = %q, want %q", clause, tt.want)
			}
		})
	}
}

func TestBuildWhereIn(t *testing.T) {
	clause, binds, err := BuildWhere("users", Where{"role__in": []string{"admin", "editor"}})
	if err != nil {
		t.Fatalf("BuildWhere: %v", err)
	}
	if clause != "users.role IN (:p1, :p2)" {
		t.Errorf("clause = %q", clause)
	}
	if binds["p1"] != "admin" || binds["p2"] != "editor" {
		t.Errorf("binds = %v", binds)
	}

	if _, _, err := BuildWhere("users", Where{"role__in": []string{}}); !errors.Is(err, ErrValidation) {
		t.Errorf("empty list should fail validation, got %v", err)
	}
}

func TestBuildWhereBetween(t *testing.T) {
	clause, binds, err := BuildWhere("orders", Where{"amount__between": []any{10, 100}})
	if err != nil {
		t.Fatalf("BuildWhere: %v", err)
	}
	if clause != "orders.amount BETWEEN :p1 AND :p2" {
		t.Errorf("clause = %q", clause)
	}
	if binds["p1"] != 10 || binds["p2"] != 100 {
		t.Errorf("binds = %v", binds)
	}

	if _, _, err := BuildWhere("orders", Where{"amount__between": []any{10}}); !errors.Is(err, ErrValidation) {
		t.Errorf("between needs two values, got %v", err)
	}
}

func TestBuildWhereMultipleConditionsAnded(t *testing.T) {
	clause, binds, err := BuildWhere("users", Where{
		"status":  "active",
		"age__ge": 18,
	})
	if err != nil {
		t.Fatalf("BuildWhere: %v", err)
	}
	// 键排序保证 age 在前
	if clause != "users.age >= :p1 AND users.status = :p2" {
		t.Errorf("clause = %q", clause)
	}
	if len(binds) != 2 {
		t.Errorf("binds = %v", binds)
	}
}

func TestBuildWhereOrGroup(t *testing.T) {
	clause, binds, err := BuildWhere("users", Where{
		"__or": []Where{
			{"role": "admin"},
			{"age__ge": 65},
		},
	})
	if err != nil {
		t.Fatalf("BuildWhere: %v", err)
	}
	if clause != "((users.role = :p1) OR (users.age >= :p2))" {
		t.Errorf("clause = %q", clause)
	}
	if len(binds) != 2 {
		t.Errorf("binds = %v", binds)
	}
}

func TestBuildWhereNot(t *testing.T) {
	clause, _, err := BuildWhere("users", Where{
		"__not": Where{"status": "banned"},
	})
	if err != nil {
		t.Fatalf("BuildWhere: %v", err)
	}
	if clause != "NOT (users.status = :p1)" {
		t.Errorf("clause = %q", clause)
	}
}

func TestBuildWhereNestedGroups(t *testing.T) {
	clause, binds, err := BuildWhere("users", Where{
		"status": "active",
		"__or": []Where{
			{"role": "admin"},
			{"__and": []Where{
				{"role": "editor"},
				{"verified": true},
			}},
		},
	})
	if err != nil {
		t.Fatalf("BuildWhere: %v", err)
	}
	if !strings.Contains(clause, "users.status = ") {
		t.Errorf("missing status condition: %q", clause)
	}
	if !strings.Contains(clause, " OR ") || !strings.Contains(clause, " AND ") {
		t.Errorf("missing nested groups: %q", clause)
	}
	if len(binds) != 4 {
		t.Errorf("binds = %d, want 4", len(binds))
	}
}

func TestBuildWhereRejectsBadIdentifiers(t *testing.T) {
	cases := []Where{
		{"name; DROP TABLE users": "x"},
		{"bad-col": "x"},
		{"name__bogus_op__eq; --": "x"},
	}
	for _, where := range cases {
		if _, _, err := BuildWhere("users", where); !errors.Is(err, ErrValidation) {
			t.Errorf("where %v should fail validation, got %v", where, err)
		}
	}

	if _, _, err := BuildWhere("users; --", Where{"a": 1}); !errors.Is(err, ErrValidation) {
		t.Errorf("bad table name should fail validation, got %v", err)
	}
}

func TestBuildWhereUnknownOperator(t *testing.T) {
	// 未知后缀当作列名的一部分，列名含 __ 仍需合法
	clause, _, err := BuildWhere("users", Where{"meta__data": 1})
	if err != nil {
		t.Fatalf("BuildWhere: %v", err)
	}
	if clause != "users.meta__data = :p1" {
		t.Errorf("clause = %q", clause)
	}
}

func TestBuildWhereEmpty(t *testing.T) {
	clause, binds, err := BuildWhere("users", nil)
	if err != nil {
		t.Fatalf("BuildWhere: %v", err)
	}
	if clause != "" || len(binds) != 0 {
		t.Errorf("empty where should compile to nothing, got %q / %v", clause, binds)
	}
}
