package postgres

// OrderBy 排序项。
type OrderBy struct {
	Column string
	Desc   bool
}

// QueryOptions 读取操作的可选参数。
type QueryOptions struct {
	Columns   []string
	OrderBy   []OrderBy
	Limit     int
	Offset    int
	Distinct  bool
	ForUpdate bool // SELECT ... FOR UPDATE，行锁
}

// ConflictMode 批量写入时的主键冲突处理方式。
type ConflictMode string

const (
	ConflictError  ConflictMode = ""       // 冲突即报错
	ConflictIgnore ConflictMode = "ignore" // ON CONFLICT DO NOTHING
	ConflictUpdate ConflictMode = "update" // ON CONFLICT DO UPDATE
)

// BulkInsertOptions 批量写入参数。
type BulkInsertOptions struct {
	ChunkSize       int
	OnConflict      ConflictMode
	ConflictColumns []string // 冲突判定列，默认主键
	UpdateColumns   []string // ConflictUpdate 时要刷新的列，默认除冲突列外全部
}

// PaginatedResult 分页查询结果。
type PaginatedResult struct {
	Items      []map[string]any `json:"items"`
	Total      int64            `json:"total"`
	Page       int              `json:"page"`
	PerPage    int              `json:"per_page"`
	TotalPages int              `json:"total_pages"`
}

// HasNext 是否有下一页。
func (p *PaginatedResult) HasNext() bool { return p.Page < p.TotalPages }

// HasPrev 是否有上一页。
func (p *PaginatedResult) HasPrev() bool { return p.Page > 1 }

// NextPage 下一页页码，已到末页返回当前页。
func (p *PaginatedResult) NextPage() int {
	if p.HasNext() {
		return p.Page + 1
	}
	return p.Page
}

// PrevPage 上一页页码，已到首页返回当前页。
func (p *PaginatedResult) PrevPage() int {
	if p.HasPrev() {
		return p.Page - 1
	}
	return p.Page
}
