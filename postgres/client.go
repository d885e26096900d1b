package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	applog "datakit/internal/platform/log"
	"datakit/internal/stats"
)

const defaultChunkSize = 500

// Client PostgreSQL 数据访问客户端。并发安全。
type Client struct {
	executor
	db     *sqlx.DB
	cfg    *Config
	closed atomic.Bool
}

// executor CRUD 核心。Client 与 Tx 共享同一套实现，只是底层执行器不同。
type executor struct {
	ext        sqlx.ExtContext
	driver     string
	schemaName string
	schema     *schemaCache
	tracker    *stats.Tracker
}

// Open 按配置建立连接池并验证连通性。
func Open(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, Wrap(err, "open database")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, Wrap(err, "ping database")
	}

	client := newClient(db, cfg)
	applog.Info("[Storage] Database connected",
		"host", cfg.Host, "database", cfg.Database, "max_open", cfg.MaxOpenConns)
	return client, nil
}

// NewClient 包装已有的 sqlx 连接。测试时用来注入内存数据库。
func NewClient(db *sqlx.DB, cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return newClient(db, cfg)
}

func newClient(db *sqlx.DB, cfg *Config) *Client {
	return &Client{
		executor: executor{
			ext:        db,
			driver:     db.DriverName(),
			schemaName: cfg.Schema,
			schema:     &schemaCache{},
			tracker:    stats.NewTracker(0),
		},
		db:  db,
		cfg: cfg,
	}
}

// Close 关闭连接池。
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.db.Close()
}

// HealthCheck 连通性检查。
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.closed.Load() {
		return newError(ErrClientClosed, "client is closed", nil)
	}
	if err := c.db.PingContext(ctx); err != nil {
		return Wrap(err, "health check")
	}
	return nil
}

// DB 返回底层 sqlx 连接。
func (c *Client) DB() *sqlx.DB { return c.db }

// Stats 操作统计快照。
func (c *Client) Stats() map[string]stats.OperationSnapshot { return c.tracker.Snapshot() }

// StatsSummary 全局统计汇总。
func (c *Client) StatsSummary() stats.Summary { return c.tracker.Summarize() }

// SlowOperations 平均耗时最高的前 n 个操作。
func (c *Client) SlowOperations(n int) []stats.SlowOperation { return c.tracker.SlowOperations(n) }

// ResetStats 清空统计。
func (c *Client) ResetStats() { c.tracker.Reset() }

// TableMeta 表结构元数据，带缓存。
func (c *Client) TableMeta(ctx context.Context, table string) (*TableMeta, error) {
	return c.schema.load(ctx, c.db, c.driver, c.schemaName, table)
}

// InvalidateTableMeta 清除表元数据缓存，DDL 变更后调用。
func (c *Client) InvalidateTableMeta(table string) {
	c.schema.invalidate(c.schemaName, table)
}

// ResetSchemaCache 清空全部表元数据缓存。
func (c *Client) ResetSchemaCache() {
	c.schema.reset()
}

// BulkCreate 批量写入，整体在一个事务内执行，任一分块失败全部回滚。
func (c *Client) BulkCreate(ctx context.Context, table string, records []map[string]any, opts *BulkInsertOptions) (int64, error) {
	var total int64
	err := c.Transaction(ctx, func(tx *Tx) error {
		n, err := tx.BulkCreate(ctx, table, records, opts)
		total = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ---- CRUD 核心，Client 与 Tx 共用 ----

// Create 插入一行并返回写入后的完整记录。
func (e *executor) Create(ctx context.Context, table string, record map[string]any) (map[string]any, error) {
	start := time.Now()
	row, err := e.create(ctx, table, record)
	e.track("create:"+table, start, boolRows(row != nil), err)
	return row, err
}

func (e *executor) create(ctx context.Context, table string, record map[string]any) (map[string]any, error) {
	record, err := e.fillUUIDKey(ctx, table, record)
	if err != nil {
		return nil, err
	}
	meta, columns, err := e.prepareColumns(ctx, table, record)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = ":" + col
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		table,
		strings.Join(columns, ", "),
		strings.Join(names, ", "),
		strings.Join(meta.ColumnNames(), ", "))

	rows, err := e.queryNamed(ctx, query, record)
	if err != nil {
		return nil, Wrap(err, fmt.Sprintf("create row in %s", table))
	}
	if len(rows) == 0 {
		return nil, newError(ErrQuery, fmt.Sprintf("insert into %s returned no row", table), nil)
	}
	return rows[0], nil
}

// Read 按条件读取多行。
func (e *executor) Read(ctx context.Context, table string, where Where, opts *QueryOptions) ([]map[string]any, error) {
	start := time.Now()
	rows, err := e.read(ctx, table, where, opts)
	e.track("read:"+table, start, int64(len(rows)), err)
	return rows, err
}

func (e *executor) read(ctx context.Context, table string, where Where, opts *QueryOptions) ([]map[string]any, error) {
	if err := e.validateWhere(ctx, table, where); err != nil {
		return nil, err
	}
	query, binds, err := BuildSelect(table, where, opts)
	if err != nil {
		return nil, err
	}
	rows, err := e.queryNamed(ctx, query, binds)
	if err != nil {
		return nil, Wrap(err, fmt.Sprintf("read from %s", table))
	}
	return rows, nil
}

// ReadOne 按条件读取单行。未命中返回 (nil, nil)，不视为错误。
func (e *executor) ReadOne(ctx context.Context, table string, where Where) (map[string]any, error) {
	rows, err := e.Read(ctx, table, where, &QueryOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// ReadByID 按主键读取单行。要求表只有单列主键。
func (e *executor) ReadByID(ctx context.Context, table string, id any) (map[string]any, error) {
	pk, err := e.singlePrimaryKey(ctx, table)
	if err != nil {
		return nil, err
	}
	return e.ReadOne(ctx, table, Where{pk: id})
}

// Exists 判断是否存在匹配的行。
func (e *executor) Exists(ctx context.Context, table string, where Where) (bool, error) {
	n, err := e.Count(ctx, table, where)
	return n > 0, err
}

// Count 统计匹配行数。
func (e *executor) Count(ctx context.Context, table string, where Where) (int64, error) {
	start := time.Now()
	if err := e.validateWhere(ctx, table, where); err != nil {
		return 0, err
	}
	query, binds, err := BuildCount(table, where)
	if err != nil {
		return 0, err
	}

	rows, err := e.queryNamed(ctx, query, binds)
	e.track("count:"+table, start, 0, err)
	if err != nil {
		return 0, Wrap(err, fmt.Sprintf("count rows in %s", table))
	}
	if len(rows) == 0 {
		return 0, nil
	}
	for _, v := range rows[0] {
		return toInt64(v), nil
	}
	return 0, nil
}

// Update 按条件更新，返回受影响行数。空条件拒绝执行，防止全表更新。
func (e *executor) Update(ctx context.Context, table string, where Where, changes map[string]any) (int64, error) {
	start := time.Now()
	affected, err := e.update(ctx, table, where, changes)
	e.track("update:"+table, start, affected, err)
	return affected, err
}

func (e *executor) update(ctx context.Context, table string, where Where, changes map[string]any) (int64, error) {
	if len(where) == 0 {
		return 0, newError(ErrValidation, "update without condition is not allowed", nil)
	}
	if len(changes) == 0 {
		return 0, newError(ErrValidation, "no columns to update", nil)
	}

	_, columns, err := e.prepareColumns(ctx, table, changes)
	if err != nil {
		return 0, err
	}
	if err := e.validateWhere(ctx, table, where); err != nil {
		return 0, err
	}

	clause, binds, err := BuildWhere(table, where)
	if err != nil {
		return 0, err
	}

	sets := make([]string, len(columns))
	args := make(map[string]any, len(changes)+len(binds))
	for i, col := range columns {
		param := "set_" + col
		sets[i] = fmt.Sprintf("%s = :%s", col, param)
		args[param] = changes[col]
	}
	for k, v := range binds {
		args[k] = v
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), clause)
	res, err := e.execNamed(ctx, query, args)
	if err != nil {
		return 0, Wrap(err, fmt.Sprintf("update %s", table))
	}
	return res.RowsAffected()
}

// Delete 按条件删除，返回受影响行数。空条件拒绝执行。
func (e *executor) Delete(ctx context.Context, table string, where Where) (int64, error) {
	start := time.Now()
	affected, err := e.delete(ctx, table, where)
	e.track("delete:"+table, start, affected, err)
	return affected, err
}

func (e *executor) delete(ctx context.Context, table string, where Where) (int64, error) {
	if len(where) == 0 {
		return 0, newError(ErrValidation, "delete without condition is not allowed", nil)
	}
	if err := validateIdent(table, "table"); err != nil {
		return 0, err
	}
	if err := e.validateWhere(ctx, table, where); err != nil {
		return 0, err
	}

	clause, binds, err := BuildWhere(table, where)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s", table, clause)
	res, err := e.execNamed(ctx, query, binds)
	if err != nil {
		return 0, Wrap(err, fmt.Sprintf("delete from %s", table))
	}
	return res.RowsAffected()
}

// Paginate 分页查询，附带总数。页码从 1 开始。
func (e *executor) Paginate(ctx context.Context, table string, where Where, page, perPage int, opts *QueryOptions) (*PaginatedResult, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}
	if perPage > MaxQueryLimit {
		perPage = MaxQueryLimit
	}

	total, err := e.Count(ctx, table, where)
	if err != nil {
		return nil, err
	}

	pageOpts := QueryOptions{Limit: perPage, Offset: (page - 1) * perPage}
	if opts != nil {
		pageOpts.Columns = opts.Columns
		pageOpts.OrderBy = opts.OrderBy
	}
	items, err := e.Read(ctx, table, where, &pageOpts)
	if err != nil {
		return nil, err
	}

	totalPages := int((total + int64(perPage) - 1) / int64(perPage))
	if totalPages < 1 {
		totalPages = 1
	}
	return &PaginatedResult{
		Items:      items,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: totalPages,
	}, nil
}

// BulkCreate 分块批量写入，返回写入行数。支持冲突忽略与冲突更新。
func (e *executor) BulkCreate(ctx context.Context, table string, records []map[string]any, opts *BulkInsertOptions) (int64, error) {
	start := time.Now()
	inserted, err := e.bulkCreate(ctx, table, records, opts)
	e.track("bulk_create:"+table, start, inserted, err)
	if err == nil {
		applog.Info("[Storage] Bulk insert finished", "table", table, "rows", inserted)
	}
	return inserted, err
}

func (e *executor) bulkCreate(ctx context.Context, table string, records []map[string]any, opts *BulkInsertOptions) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if opts == nil {
		opts = &BulkInsertOptions{}
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	meta, columns, err := e.prepareColumns(ctx, table, records[0])
	if err != nil {
		return 0, err
	}
	// 所有记录必须与首条同构
	for i, rec := range records[1:] {
		if len(rec) != len(records[0]) {
			return 0, newError(ErrValidation, fmt.Sprintf("record %d has different columns", i+1), nil)
		}
		for _, col := range columns {
			if _, ok := rec[col]; !ok {
				return 0, newError(ErrValidation, fmt.Sprintf("record %d is missing column %q", i+1, col), nil)
			}
		}
	}

	suffix, err := conflictClause(meta, columns, opts)
	if err != nil {
		return 0, err
	}

	var total int64
	for start := 0; start < len(records); start += chunkSize {
		end := min(start+chunkSize, len(records))
		n, err := e.insertChunk(ctx, table, columns, records[start:end], suffix)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// insertChunk 单块多行 INSERT，参数名带行号保证唯一。
func (e *executor) insertChunk(ctx context.Context, table string, columns []string, chunk []map[string]any, suffix string) (int64, error) {
	valueRows := make([]string, len(chunk))
	args := make(map[string]any, len(chunk)*len(columns))
	for i, rec := range chunk {
		names := make([]string, len(columns))
		for j, col := range columns {
			param := fmt.Sprintf("r%d_%s", i, col)
			names[j] = ":" + param
			args[param] = rec[col]
		}
		valueRows[i] = "(" + strings.Join(names, ", ") + ")"
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s%s",
		table, strings.Join(columns, ", "), strings.Join(valueRows, ", "), suffix)

	res, err := e.execNamed(ctx, query, args)
	if err != nil {
		return 0, Wrap(err, fmt.Sprintf("bulk insert into %s", table))
	}
	return res.RowsAffected()
}

// conflictClause 生成 ON CONFLICT 子句。
func conflictClause(meta *TableMeta, columns []string, opts *BulkInsertOptions) (string, error) {
	switch opts.OnConflict {
	case ConflictError:
		return "", nil
	case ConflictIgnore, ConflictUpdate:
	default:
		return "", newError(ErrValidation, fmt.Sprintf("unknown conflict mode %q", opts.OnConflict), nil)
	}

	target := opts.ConflictColumns
	if len(target) == 0 {
		target = meta.PrimaryKeys
	}
	if len(target) == 0 {
		return "", newError(ErrValidation, "conflict handling needs conflict columns or a primary key", nil)
	}
	for _, col := range target {
		if err := validateIdent(col, "column"); err != nil {
			return "", err
		}
	}

	if opts.OnConflict == ConflictIgnore {
		return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(target, ", ")), nil
	}

	updateCols := opts.UpdateColumns
	if len(updateCols) == 0 {
		targetSet := make(map[string]struct{}, len(target))
		for _, col := range target {
			targetSet[col] = struct{}{}
		}
		for _, col := range columns {
			if _, isTarget := targetSet[col]; !isTarget {
				updateCols = append(updateCols, col)
			}
		}
	}
	if len(updateCols) == 0 {
		return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(target, ", ")), nil
	}

	sets := make([]string, len(updateCols))
	for i, col := range updateCols {
		if err := validateIdent(col, "column"); err != nil {
			return "", err
		}
		sets[i] = fmt.Sprintf("%s = excluded.%s", col, col)
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(target, ", "), strings.Join(sets, ", ")), nil
}

// ExecRaw 执行手写的命名参数 SQL。SELECT 类语句返回行，写语句返回受影响行数。
func (e *executor) ExecRaw(ctx context.Context, query string, binds map[string]any) ([]map[string]any, int64, error) {
	start := time.Now()
	rows, affected, err := e.execRaw(ctx, query, binds)
	e.track("exec_raw", start, max(int64(len(rows)), affected), err)
	return rows, affected, err
}

func (e *executor) execRaw(ctx context.Context, query string, binds map[string]any) ([]map[string]any, int64, error) {
	if isReadQuery(query) {
		rows, err := e.queryNamed(ctx, query, binds)
		if err != nil {
			return nil, 0, Wrap(err, "execute raw query")
		}
		return rows, 0, nil
	}

	res, err := e.execNamed(ctx, query, binds)
	if err != nil {
		return nil, 0, Wrap(err, "execute raw statement")
	}
	affected, _ := res.RowsAffected()
	return nil, affected, nil
}

// isReadQuery 判断语句是否返回结果集。
func isReadQuery(query string) bool {
	trimmed := strings.ToUpper(strings.TrimSpace(query))
	for _, prefix := range []string{"SELECT", "WITH", "SHOW", "EXPLAIN", "VALUES", "PRAGMA"} {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	// RETURNING 的写语句也返回行
	return strings.Contains(trimmed, " RETURNING ")
}

// ---- 内部工具 ----

// prepareColumns 校验记录的列都存在于表中，返回排序后的列名。
func (e *executor) prepareColumns(ctx context.Context, table string, record map[string]any) (*TableMeta, []string, error) {
	if len(record) == 0 {
		return nil, nil, newError(ErrValidation, "record has no columns", nil)
	}
	meta, err := e.schema.load(ctx, e.ext, e.driver, e.schemaName, table)
	if err != nil {
		return nil, nil, err
	}

	columns := make([]string, 0, len(record))
	for col := range record {
		if err := validateIdent(col, "column"); err != nil {
			return nil, nil, err
		}
		if !meta.HasColumn(col) {
			return nil, nil, newError(ErrValidation,
				fmt.Sprintf("column %q does not exist in table %q", col, table), nil)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return meta, columns, nil
}

// validateWhere 校验条件里引用的列都存在于表中。
func (e *executor) validateWhere(ctx context.Context, table string, where Where) error {
	if len(where) == 0 {
		return nil
	}
	meta, err := e.schema.load(ctx, e.ext, e.driver, e.schemaName, table)
	if err != nil {
		return err
	}
	return checkWhereColumns(table, meta, where)
}

// checkWhereColumns 递归检查条件键，组合键下钻到子条件。
func checkWhereColumns(table string, meta *TableMeta, where Where) error {
	for key, value := range where {
		switch key {
		case opOr, opAnd:
			children, ok := toWhereList(value)
			if !ok {
				continue // 结构错误交给 BuildWhere 报告
			}
			for _, child := range children {
				if err := checkWhereColumns(table, meta, child); err != nil {
					return err
				}
			}
		case opNot:
			child, ok := toWhere(value)
			if !ok {
				continue
			}
			if err := checkWhereColumns(table, meta, child); err != nil {
				return err
			}
		default:
			column, _ := splitFieldOp(key)
			if !meta.HasColumn(column) {
				return newError(ErrValidation,
					fmt.Sprintf("column %q does not exist in table %q", column, table), nil)
			}
		}
	}
	return nil
}

// fillUUIDKey uuid 类型的单列主键缺省时自动生成。
func (e *executor) fillUUIDKey(ctx context.Context, table string, record map[string]any) (map[string]any, error) {
	meta, err := e.schema.load(ctx, e.ext, e.driver, e.schemaName, table)
	if err != nil {
		return nil, err
	}
	if len(meta.PrimaryKeys) != 1 {
		return record, nil
	}
	pk := meta.PrimaryKeys[0]
	if _, present := record[pk]; present {
		return record, nil
	}
	for _, col := range meta.Columns {
		if col.Name == pk && strings.Contains(strings.ToLower(col.DataType), "uuid") {
			out := make(map[string]any, len(record)+1)
			for k, v := range record {
				out[k] = v
			}
			out[pk] = uuid.NewString()
			return out, nil
		}
	}
	return record, nil
}

// singlePrimaryKey 返回表的单列主键名。
func (e *executor) singlePrimaryKey(ctx context.Context, table string) (string, error) {
	meta, err := e.schema.load(ctx, e.ext, e.driver, e.schemaName, table)
	if err != nil {
		return "", err
	}
	if len(meta.PrimaryKeys) != 1 {
		return "", newError(ErrValidation,
			fmt.Sprintf("table %q needs exactly one primary key column, has %d", table, len(meta.PrimaryKeys)), nil)
	}
	return meta.PrimaryKeys[0], nil
}

// queryNamed 执行命名参数查询并把行扫成 map。
func (e *executor) queryNamed(ctx context.Context, query string, binds map[string]any) ([]map[string]any, error) {
	bound, args, err := e.rebind(query, binds)
	if err != nil {
		return nil, err
	}

	rows, err := e.ext.QueryxContext(ctx, bound, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		normalizeRow(row)
		out = append(out, row)
	}
	return out, rows.Err()
}

// execNamed 执行命名参数写语句。
func (e *executor) execNamed(ctx context.Context, query string, binds map[string]any) (sql.Result, error) {
	bound, args, err := e.rebind(query, binds)
	if err != nil {
		return nil, err
	}
	return e.ext.ExecContext(ctx, bound, args...)
}

// rebind 把 :name 形式的语句转成驱动的占位符形式。
func (e *executor) rebind(query string, binds map[string]any) (string, []any, error) {
	if binds == nil {
		binds = map[string]any{}
	}
	bound, args, err := sqlx.Named(query, binds)
	if err != nil {
		return "", nil, newError(ErrValidation, "bind named parameters", err)
	}
	return e.ext.Rebind(bound), args, nil
}

// normalizeRow 把驱动返回的 []byte 文本转成 string。
func normalizeRow(row map[string]any) {
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
		}
	}
}

func (e *executor) track(key string, start time.Time, rows int64, err error) {
	e.tracker.Record(key, time.Since(start), rows, err)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	case []byte:
		var out int64
		fmt.Sscanf(string(n), "%d", &out)
		return out
	case string:
		var out int64
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}

func boolRows(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
