package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
)

// Column 表列的元数据。
type Column struct {
	Name       string
	DataType   string
	Nullable   bool
	Default    string
	PrimaryKey bool
}

// TableMeta 表结构元数据。
type TableMeta struct {
	Name        string
	Columns     []Column
	PrimaryKeys []string
	columnSet   map[string]struct{}
}

// HasColumn 判断表是否包含指定列。
func (m *TableMeta) HasColumn(name string) bool {
	_, ok := m.columnSet[name]
	return ok
}

// ColumnNames 列名列表，按表定义顺序。
func (m *TableMeta) ColumnNames() []string {
	names := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		names[i] = c.Name
	}
	return names
}

// schemaCache 按 "schema.table" 缓存表元数据。并发读写安全，后写覆盖。
type schemaCache struct {
	tables sync.Map
}

// load 读取缓存，未命中时通过 introspect 回源并写入。
func (c *schemaCache) load(ctx context.Context, db sqlx.QueryerContext, driver, schema, table string) (*TableMeta, error) {
	key := schema + "." + table
	if cached, ok := c.tables.Load(key); ok {
		return cached.(*TableMeta), nil
	}

	meta, err := introspectTable(ctx, db, driver, schema, table)
	if err != nil {
		return nil, err
	}
	c.tables.Store(key, meta)
	return meta, nil
}

// invalidate 清除指定表的缓存条目。
func (c *schemaCache) invalidate(schema, table string) {
	c.tables.Delete(schema + "." + table)
}

// reset 清空全部缓存。
func (c *schemaCache) reset() {
	c.tables.Range(func(key, _ any) bool {
		c.tables.Delete(key)
		return true
	})
}

// introspectTable 读取表结构。PostgreSQL 走 information_schema，
// SQLite（测试驱动）走 PRAGMA table_info。
func introspectTable(ctx context.Context, db sqlx.QueryerContext, driver, schema, table string) (*TableMeta, error) {
	if err := validateIdent(table, "table"); err != nil {
		return nil, err
	}

	var meta *TableMeta
	var err error
	if driver == "sqlite" {
		meta, err = introspectSQLite(ctx, db, table)
	} else {
		meta, err = introspectPostgres(ctx, db, schema, table)
	}
	if err != nil {
		return nil, err
	}
	if len(meta.Columns) == 0 {
		return nil, newError(ErrNotFound, fmt.Sprintf("table %q does not exist", table), nil)
	}

	meta.columnSet = make(map[string]struct{}, len(meta.Columns))
	for _, col := range meta.Columns {
		meta.columnSet[col.Name] = struct{}{}
		if col.PrimaryKey {
			meta.PrimaryKeys = append(meta.PrimaryKeys, col.Name)
		}
	}
	return meta, nil
}

func introspectPostgres(ctx context.Context, db sqlx.QueryerContext, schema, table string) (*TableMeta, error) {
	if schema == "" {
		schema = "public"
	}

	const columnQuery = `
		SELECT column_name, data_type, is_nullable, COALESCE(column_default, '')
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`

	rows, err := db.QueryContext(ctx, columnQuery, schema, table)
	if err != nil {
		return nil, Wrap(err, fmt.Sprintf("introspect table %s", table))
	}
	defer rows.Close()

	meta := &TableMeta{Name: table}
	for rows.Next() {
		var col Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.DataType, &nullable, &col.Default); err != nil {
			return nil, Wrap(err, "scan column metadata")
		}
		col.Nullable = nullable == "YES"
		meta.Columns = append(meta.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, Wrap(err, "iterate column metadata")
	}

	const pkQuery = `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = $1 AND tc.table_name = $2
		ORDER BY kcu.ordinal_position`

	pkRows, err := db.QueryContext(ctx, pkQuery, schema, table)
	if err != nil {
		return nil, Wrap(err, fmt.Sprintf("introspect primary key of %s", table))
	}
	defer pkRows.Close()

	pks := map[string]struct{}{}
	for pkRows.Next() {
		var name string
		if err := pkRows.Scan(&name); err != nil {
			return nil, Wrap(err, "scan primary key metadata")
		}
		pks[name] = struct{}{}
	}
	if err := pkRows.Err(); err != nil {
		return nil, Wrap(err, "iterate primary key metadata")
	}

	for i := range meta.Columns {
		if _, ok := pks[meta.Columns[i].Name]; ok {
			meta.Columns[i].PrimaryKey = true
		}
	}
	return meta, nil
}

func introspectSQLite(ctx context.Context, db sqlx.QueryerContext, table string) (*TableMeta, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, Wrap(err, fmt.Sprintf("introspect table %s", table))
	}
	defer rows.Close()

	meta := &TableMeta{Name: table}
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    *string
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, Wrap(err, "scan column metadata")
		}
		col := Column{
			Name:       name,
			DataType:   ctype,
			Nullable:   notNull == 0,
			PrimaryKey: pk > 0,
		}
		if dflt != nil {
			col.Default = *dflt
		}
		meta.Columns = append(meta.Columns, col)
	}
	return meta, rows.Err()
}
