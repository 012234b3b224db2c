package pagination

import (
	"math"
	"net/http"
	"strconv"
)

// Params represents pagination parameters
type Params struct {
	Page   int `json:"page"`
	Size   int `json:"size"`
	Offset int `json:"-"`
}

// Meta represents pagination metadata
type Meta struct {
	Page       int  `json:"page"`
	Size       int  `json:"size"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// DefaultSize is the default number of items per page
const DefaultSize = 5

// MaxSize is the maximum number of items per page
const MaxSize = 50

// New clamps page and size into range. Page is 1-based.
func New(page, size int) Params {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultSize
	}
	if size > MaxSize {
		size = MaxSize
	}
	if last := math.MaxInt/size + 1; page > last {
		page = last
	}
	return Params{Page: page, Size: size, Offset: (page - 1) * size}
}

// FromRequest reads the page and size query parameters.
func FromRequest(r *http.Request) Params {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	return New(page, size)
}

// Bounds returns the half-open slice range of this page within n items.
func (p Params) Bounds(n int) (int, int) {
	start := p.Offset
	if start < 0 || start > n {
		start = n
	}
	end := n
	if p.Size < n-start {
		end = start + p.Size
	}
	return start, end
}

// GetMeta calculates pagination metadata
func GetMeta(params Params, total int) Meta {
	totalPages := total / params.Size
	if total%params.Size > 0 {
		totalPages++
	}

	return Meta{
		Page:       params.Page,
		Size:       params.Size,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    params.Page < totalPages,
		HasPrev:    params.Page > 1,
	}
}
