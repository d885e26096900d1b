package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// newTestClient 建内存数据库并建表。单连接保证所有操作看到同一份数据。
func newTestClient(t *testing.T) *Client {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	const ddl = `
	CREATE TABLE users (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL,
		email      TEXT NOT NULL UNIQUE,
		age        INTEGER,
		status     TEXT NOT NULL DEFAULT 'active',
		created_at TEXT
	);
	CREATE TABLE orders (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		amount  REAL NOT NULL,
		status  TEXT NOT NULL DEFAULT 'pending'
	);`
	if _, err := db.Exec(ddl); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	return NewClient(db, nil)
}

func seedUser(t *testing.T, client *Client, name, email string, age int) map[string]any {
	t.Helper()
	row, err := client.Create(context.Background(), "users", map[string]any{
		"name":  name,
		"email": email,
		"age":   age,
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", name, err)
	}
	return row
}

func TestCreateReturnsFullRow(t *testing.T) {
	client := newTestClient(t)

	row := seedUser(t, client, "alice", "alice@example.com", 30)
	if row["name"] != "alice" {
		t.Errorf("name = %v", row["name"])
	}
	if row["status"] != "active" {
		t.Errorf("default status should be returned, got %v", row["status"])
	}
	if toInt64(row["id"]) == 0 {
		t.Errorf("generated id should be returned, got %v", row["id"])
	}
}

func TestCreateUnknownColumn(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Create(context.Background(), "users", map[string]any{
		"name":     "bob",
		"email":    "bob@example.com",
		"nickname": "bobby",
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("unknown column should fail validation, got %v", err)
	}
}

func TestWhereUnknownColumnRejected(t *testing.T) {
	client := newTestClient(t)
	seedUser(t, client, "alice", "alice@example.com", 30)
	ctx := context.Background()

	if _, err := client.Read(ctx, "users", Where{"no_such_column": 1}, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("read: unknown condition column should fail validation, got %v", err)
	}
	if _, err := client.Count(ctx, "users", Where{"ghost__gt": 1}); !errors.Is(err, ErrValidation) {
		t.Errorf("count: unknown condition column should fail validation, got %v", err)
	}
	if _, err := client.Update(ctx, "users", Where{"ghost": 1}, map[string]any{"age": 31}); !errors.Is(err, ErrValidation) {
		t.Errorf("update: unknown condition column should fail validation, got %v", err)
	}
	if _, err := client.Delete(ctx, "users", Where{"ghost": 1}); !errors.Is(err, ErrValidation) {
		t.Errorf("delete: unknown condition column should fail validation, got %v", err)
	}

	nested := Where{"__or": []Where{{"age__ge": 18}, {"ghost": true}}}
	if _, err := client.Read(ctx, "users", nested, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("nested group: unknown condition column should fail validation, got %v", err)
	}

	rows, err := client.Read(ctx, "users", Where{"age__ge": 18}, nil)
	if err != nil {
		t.Fatalf("valid condition: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("rows = %d, want 1", len(rows))
	}
}

func TestCreateDuplicateClassified(t *testing.T) {
	client := newTestClient(t)
	seedUser(t, client, "alice", "alice@example.com", 30)

	_, err := client.Create(context.Background(), "users", map[string]any{
		"name":  "alice2",
		"email": "alice@example.com",
	})
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Errorf("duplicate email should classify as ErrDuplicateEntry, got %v", err)
	}
}

func TestReadWithFilters(t *testing.T) {
	client := newTestClient(t)
	seedUser(t, client, "alice", "alice@example.com", 30)
	seedUser(t, client, "bob", "bob@example.com", 25)
	seedUser(t, client, "carol", "carol@example.com", 45)

	ctx := context.Background()
	rows, err := client.Read(ctx, "users", Where{"age__ge": 30}, &QueryOptions{
		OrderBy: []OrderBy{{Column: "age"}},
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0]["name"] != "alice" || rows[1]["name"] != "carol" {
		t.Errorf("order wrong: %v", rows)
	}
}

func TestReadOneMissingIsNotError(t *testing.T) {
	client := newTestClient(t)

	row, err := client.ReadOne(context.Background(), "users", Where{"email": "nobody@example.com"})
	if err != nil {
		t.Fatalf("missing row should not be an error, got %v", err)
	}
	if row != nil {
		t.Errorf("row = %v, want nil", row)
	}
}

func TestReadByID(t *testing.T) {
	client := newTestClient(t)
	created := seedUser(t, client, "alice", "alice@example.com", 30)

	row, err := client.ReadByID(context.Background(), "users", created["id"])
	if err != nil {
		t.Fatalf("ReadByID: %v", err)
	}
	if row == nil || row["name"] != "alice" {
		t.Errorf("row = %v", row)
	}
}

func TestUpdate(t *testing.T) {
	client := newTestClient(t)
	seedUser(t, client, "alice", "alice@example.com", 30)
	seedUser(t, client, "bob", "bob@example.com", 25)

	ctx := context.Background()
	affected, err := client.Update(ctx, "users", Where{"name": "alice"}, map[string]any{"age": 31})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if affected != 1 {
		t.Errorf("affected = %d, want 1", affected)
	}

	row, _ := client.ReadOne(ctx, "users", Where{"name": "alice"})
	if toInt64(row["age"]) != 31 {
		t.Errorf("age = %v, want 31", row["age"])
	}
}

func TestUpdateRequiresCondition(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Update(context.Background(), "users", nil, map[string]any{"age": 1})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("unconditional update should be rejected, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	client := newTestClient(t)
	seedUser(t, client, "alice", "alice@example.com", 30)
	seedUser(t, client, "bob", "bob@example.com", 25)

	ctx := context.Background()
	affected, err := client.Delete(ctx, "users", Where{"name": "bob"})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if affected != 1 {
		t.Errorf("affected = %d, want 1", affected)
	}

	n, _ := client.Count(ctx, "users", nil)
	if n != 1 {
		t.Errorf("remaining = %d, want 1", n)
	}

	if _, err := client.Delete(ctx, "users", nil); !errors.Is(err, ErrValidation) {
		t.Errorf("unconditional delete should be rejected, got %v", err)
	}
}

func TestCountAndExists(t *testing.T) {
	client := newTestClient(t)
	seedUser(t, client, "alice", "alice@example.com", 30)
	seedUser(t, client, "bob", "bob@example.com", 25)

	ctx := context.Background()
	n, err := client.Count(ctx, "users", Where{"age__gt": 20})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	exists, err := client.Exists(ctx, "users", Where{"name": "alice"})
	if err != nil || !exists {
		t.Errorf("Exists = %v/%v, want true/nil", exists, err)
	}
	exists, err = client.Exists(ctx, "users", Where{"name": "nobody"})
	if err != nil || exists {
		t.Errorf("Exists = %v/%v, want false/nil", exists, err)
	}
}

func TestPaginate(t *testing.T) {
	client := newTestClient(t)
	for i := 0; i < 25; i++ {
		seedUser(t, client, "user", string(rune('a'+i))+"@example.com", 20+i)
	}

	ctx := context.Background()
	page, err := client.Paginate(ctx, "users", nil, 2, 10, &QueryOptions{
		OrderBy: []OrderBy{{Column: "id"}},
	})
	if err != nil {
		t.Fatalf("Paginate: %v", err)
	}
	if page.Total != 25 || page.TotalPages != 3 {
		t.Errorf("total = %d pages = %d, want 25/3", page.Total, page.TotalPages)
	}
	if len(page.Items) != 10 {
		t.Errorf("items = %d, want 10", len(page.Items))
	}
	if !page.HasNext() || !page.HasPrev() {
		t.Errorf("page 2 of 3 should have both neighbors")
	}
	if toInt64(page.Items[0]["id"]) != 11 {
		t.Errorf("first item id = %v, want 11", page.Items[0]["id"])
	}

	last, err := client.Paginate(ctx, "users", nil, 3, 10, nil)
	if err != nil {
		t.Fatalf("Paginate last: %v", err)
	}
	if len(last.Items) != 5 || last.HasNext() {
		t.Errorf("last page items = %d hasNext = %v", len(last.Items), last.HasNext())
	}
}

func TestBulkCreateChunked(t *testing.T) {
	client := newTestClient(t)

	records := make([]map[string]any, 23)
	for i := range records {
		records[i] = map[string]any{
			"name":  "user",
			"email": string(rune('a'+i)) + "@bulk.example.com",
			"age":   20,
		}
	}

	ctx := context.Background()
	inserted, err := client.BulkCreate(ctx, "users", records, &BulkInsertOptions{ChunkSize: 5})
	if err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}
	if inserted != 23 {
		t.Errorf("inserted = %d, want 23", inserted)
	}

	n, _ := client.Count(ctx, "users", nil)
	if n != 23 {
		t.Errorf("count = %d, want 23", n)
	}
}

func TestBulkCreateRollsBackOnFailure(t *testing.T) {
	client := newTestClient(t)
	seedUser(t, client, "alice", "dup@example.com", 30)

	records := []map[string]any{
		{"name": "ok", "email": "fresh@example.com", "age": 20},
		{"name": "boom", "email": "dup@example.com", "age": 21},
	}

	ctx := context.Background()
	_, err := client.BulkCreate(ctx, "users", records, &BulkInsertOptions{ChunkSize: 1})
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("err = %v, want ErrDuplicateEntry", err)
	}

	// 第一块也应随事务回滚
	exists, _ := client.Exists(ctx, "users", Where{"email": "fresh@example.com"})
	if exists {
		t.Errorf("partial chunk should have been rolled back")
	}
}

func TestBulkCreateConflictIgnore(t *testing.T) {
	client := newTestClient(t)
	seedUser(t, client, "alice", "alice@example.com", 30)

	records := []map[string]any{
		{"name": "alice", "email": "alice@example.com", "age": 99},
		{"name": "bob", "email": "bob@example.com", "age": 25},
	}

	ctx := context.Background()
	inserted, err := client.BulkCreate(ctx, "users", records, &BulkInsertOptions{
		OnConflict:      ConflictIgnore,
		ConflictColumns: []string{"email"},
	})
	if err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}
	if inserted != 1 {
		t.Errorf("inserted = %d, want 1", inserted)
	}

	row, _ := client.ReadOne(ctx, "users", Where{"email": "alice@example.com"})
	if toInt64(row["age"]) != 30 {
		t.Errorf("ignored conflict should keep old age, got %v", row["age"])
	}
}

func TestBulkCreateConflictUpdate(t *testing.T) {
	client := newTestClient(t)
	seedUser(t, client, "alice", "alice@example.com", 30)

	records := []map[string]any{
		{"name": "alice", "email": "alice@example.com", "age": 31},
	}

	ctx := context.Background()
	if _, err := client.BulkCreate(ctx, "users", records, &BulkInsertOptions{
		OnConflict:      ConflictUpdate,
		ConflictColumns: []string{"email"},
		UpdateColumns:   []string{"age"},
	}); err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}

	row, _ := client.ReadOne(ctx, "users", Where{"email": "alice@example.com"})
	if toInt64(row["age"]) != 31 {
		t.Errorf("conflict update should refresh age, got %v", row["age"])
	}
}

func TestExecRaw(t *testing.T) {
	client := newTestClient(t)
	seedUser(t, client, "alice", "alice@example.com", 30)

	ctx := context.Background()
	rows, _, err := client.ExecRaw(ctx, "SELECT name FROM users WHERE age > :min_age", map[string]any{"min_age": 20})
	if err != nil {
		t.Fatalf("ExecRaw select: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "alice" {
		t.Errorf("rows = %v", rows)
	}

	_, affected, err := client.ExecRaw(ctx, "UPDATE users SET age = :age WHERE name = :name", map[string]any{
		"age":  40,
		"name": "alice",
	})
	if err != nil {
		t.Fatalf("ExecRaw update: %v", err)
	}
	if affected != 1 {
		t.Errorf("affected = %d, want 1", affected)
	}
}

func TestTableMetaCached(t *testing.T) {
	client := newTestClient(t)

	ctx := context.Background()
	meta, err := client.TableMeta(ctx, "users")
	if err != nil {
		t.Fatalf("TableMeta: %v", err)
	}
	if !meta.HasColumn("email") || meta.HasColumn("nope") {
		t.Errorf("column set wrong: %v", meta.ColumnNames())
	}
	if len(meta.PrimaryKeys) != 1 || meta.PrimaryKeys[0] != "id" {
		t.Errorf("primary keys = %v, want [id]", meta.PrimaryKeys)
	}

	again, err := client.TableMeta(ctx, "users")
	if err != nil {
		t.Fatalf("TableMeta cached: %v", err)
	}
	if again != meta {
		t.Errorf("second lookup should hit the cache")
	}
}

func TestResetSchemaCache(t *testing.T) {
	client := newTestClient(t)

	ctx := context.Background()
	before, err := client.TableMeta(ctx, "users")
	if err != nil {
		t.Fatalf("TableMeta: %v", err)
	}

	client.ResetSchemaCache()

	after, err := client.TableMeta(ctx, "users")
	if err != nil {
		t.Fatalf("TableMeta after reset: %v", err)
	}
	if after == before {
		t.Errorf("reset should drop cached metadata")
	}
}

func TestTableMetaMissingTable(t *testing.T) {
	client := newTestClient(t)

	_, err := client.TableMeta(context.Background(), "ghosts")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing table should classify as ErrNotFound, got %v", err)
	}
}

func TestCreateGeneratesUUIDKey(t *testing.T) {
	client := newTestClient(t)
	if _, err := client.DB().Exec(`CREATE TABLE sessions (
		id    UUID PRIMARY KEY,
		token TEXT NOT NULL
	)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	row, err := client.Create(context.Background(), "sessions", map[string]any{"token": "abc"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id, _ := row["id"].(string)
	if len(id) != 36 {
		t.Errorf("id = %q, want generated uuid", id)
	}
}

func TestStatsTracked(t *testing.T) {
	client := newTestClient(t)
	seedUser(t, client, "alice", "alice@example.com", 30)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := client.Read(ctx, "users", nil, nil); err != nil {
			t.Fatalf("Read: %v", err)
		}
	}

	snap, ok := client.tracker.Key("read:users")
	if !ok {
		t.Fatalf("stats key missing: %v", client.Stats())
	}
	if snap.Count != 3 || snap.Errors != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Rows != 3 {
		t.Errorf("rows = %d, want 3", snap.Rows)
	}
}
