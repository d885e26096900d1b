package opensearch

import (
	"testing"
	"time"
)

func TestNormalizeDocument(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	doc := map[string]any{
		"name":    "widget",
		"deleted": nil,
		"created": ts,
		"nested": map[string]any{
			"empty": nil,
			"when":  ts,
		},
		"list": []any{nil, "a", ts},
	}

	out := NormalizeDocument(doc)

	if _, ok := out["deleted"]; ok {
		t.Fatalf("nil value should be dropped")
	}
	if got := out["created"]; got != "2025-06-01T12:30:00Z" {
		t.Errorf("created = %v, want RFC3339 string", got)
	}
	nested, ok := out["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested should stay a map")
	}
	if _, ok := nested["empty"]; ok {
		t.Errorf("nested nil should be dropped")
	}
	list, ok := out["list"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("list = %v, want 2 elements with nil dropped", out["list"])
	}
}

func TestGenerateDocumentIDDeterministic(t *testing.T) {
	doc := map[string]any{"sku": "A-1", "price": 9.5}

	id1 := GenerateDocumentID(doc)
	id2 := GenerateDocumentID(map[string]any{"price": 9.5, "sku": "A-1"})

	if id1 != id2 {
		t.Errorf("same content should yield same id: %s vs %s", id1, id2)
	}
	if len(id1) != 32 {
		t.Errorf("id length = %d, want 32", len(id1))
	}

	other := GenerateDocumentID(map[string]any{"sku": "A-2", "price": 9.5})
	if other == id1 {
		t.Errorf("different content should yield different id")
	}
}

func TestChunkDocuments(t *testing.T) {
	docs := make([]map[string]any, 25)
	for i := range docs {
		docs[i] = map[string]any{"i": i}
	}

	chunks := ChunkDocuments(docs, 10)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if len(chunks[0]) != 10 || len(chunks[2]) != 5 {
		t.Errorf("chunk sizes = %d/%d, want 10/5", len(chunks[0]), len(chunks[2]))
	}

	if got := ChunkDocuments(nil, 10); got != nil {
		t.Errorf("empty input should return nil")
	}
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, maxBackoffDelay},
	}
	for _, tt := range tests {
		if got := BackoffDelay(tt.attempt, base); got != tt.want {
			t.Errorf("BackoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestValidateIndexName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"products", true},
		{"products-2025", true},
		{"logs_app", true},
		{"9lives", true},
		{"", false},
		{"Products", false},
		{"-leading", false},
		{"has space", false},
		{"has.dot", false},
	}
	for _, tt := range tests {
		err := ValidateIndexName(tt.name)
		if tt.valid && err != nil {
			t.Errorf("ValidateIndexName(%q) = %v, want nil", tt.name, err)
		}
		if !tt.valid && err == nil {
			t.Errorf("ValidateIndexName(%q) = nil, want error", tt.name)
		}
	}
}

func TestSanitizeIndexName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Products", "my-products"},
		{"logs.app/2025", "logs-app-2025"},
		{"___", "index"},
		{"ok-name", "ok-name"},
	}
	for _, tt := range tests {
		if got := SanitizeIndexName(tt.in); got != tt.want {
			t.Errorf("SanitizeIndexName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtractHits(t *testing.T) {
	response := map[string]any{
		"hits": map[string]any{
			"total": map[string]any{"value": float64(2)},
			"hits": []any{
				map[string]any{
					"_id":     "a1",
					"_index":  "products",
					"_score":  float64(1.5),
					"_source": map[string]any{"name": "widget"},
					"highlight": map[string]any{
						"name": []any{"<em>widget</em>"},
					},
				},
				map[string]any{
					"_id":     "a2",
					"_index":  "products",
					"_source": map[string]any{"name": "gadget"},
				},
			},
		},
	}

	hits := ExtractHits(response)
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0]["_id"] != "a1" || hits[0]["name"] != "widget" {
		t.Errorf("first hit missing injected fields: %v", hits[0])
	}
	if _, ok := hits[0]["_highlight"]; !ok {
		t.Errorf("highlight should be injected")
	}
	if total := ExtractTotal(response); total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
}

func TestParseTimestamp(t *testing.T) {
	for _, s := range []string{
		"2025-06-01T12:30:00Z",
		"2025-06-01T12:30:00",
		"2025-06-01 12:30:00",
		"2025-06-01",
	} {
		if _, err := ParseTimestamp(s); err != nil {
			t.Errorf("ParseTimestamp(%q) = %v, want nil", s, err)
		}
	}
	if _, err := ParseTimestamp("not-a-date"); err == nil {
		t.Errorf("garbage input should fail")
	}
}
