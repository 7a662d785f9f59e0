package pagination

const (
	DefaultPageSize = 5
	MaxPageSize     = 100
)

type Pagination struct {
	Page     int `form:"page,default=1" json:"page"`
	PageSize int `form:"page_size,default=5" json:"page_size"`
}

type PageInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasMore  bool `json:"has_more"`
}

// Normalize clamps page to >= 1 and page size to [1, MaxPageSize].
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

func (p Pagination) Offset() int {
	p = p.Normalize()
	return (p.Page - 1) * p.PageSize
}

// Limit is one past the page size so callers can detect a following page.
func (p Pagination) Limit() int {
	return p.Normalize().PageSize + 1
}

// Trim cuts the lookahead row and reports whether more rows exist.
func Trim[T any](items []T, p Pagination) ([]T, PageInfo) {
	p = p.Normalize()
	info := PageInfo{Page: p.Page, PageSize: p.PageSize}
	if len(items) > p.PageSize {
		info.HasMore = true
		items = items[:p.PageSize]
	}
	return items, info
}
