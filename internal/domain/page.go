package domain

import (
	"fmt"
	"math"
)

const (
	DefaultPage     = 1
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// PageRequest selects one 1-based page of a stream.
type PageRequest struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// DefaultPageRequest returns the first page with the default size.
func DefaultPageRequest() PageRequest {
	return PageRequest{Page: DefaultPage, PageSize: DefaultPageSize}
}

func (p PageRequest) Validate() error {
	if p.Page < 1 {
		return fmt.Errorf("page must be at least 1, got %d", p.Page)
	}
	if p.PageSize < 1 || p.PageSize > MaxPageSize {
		return fmt.Errorf("pageSize must be between 1 and %d, got %d", MaxPageSize, p.PageSize)
	}
	return nil
}

// Skip is the number of items before the requested page. It saturates at
// math.MaxInt64 instead of overflowing for very large page numbers.
func (p PageRequest) Skip() int64 {
	if p.Page < 1 || p.PageSize < 1 {
		return 0
	}
	before := int64(p.Page - 1)
	if before > math.MaxInt64/int64(p.PageSize) {
		return math.MaxInt64
	}
	return before * int64(p.PageSize)
}

// Page is the pagination envelope returned by list endpoints.
type Page[T any] struct {
	Items      []T   `json:"items"`
	Page       int   `json:"page"`
	PageSize   int   `json:"pageSize"`
	TotalItems int64 `json:"totalItems"`
	TotalPages int   `json:"totalPages"`
}

// NewPage wraps items in an envelope. Items beyond the page size are
// dropped so the envelope never reports more than it promises.
func NewPage[T any](req PageRequest, items []T, total int64) *Page[T] {
	if items == nil {
		items = []T{}
	}
	if len(items) > req.PageSize {
		items = items[:req.PageSize]
	}
	return &Page[T]{
		Items:      items,
		Page:       req.Page,
		PageSize:   req.PageSize,
		TotalItems: total,
		TotalPages: TotalPages(total, req.PageSize),
	}
}

// TotalPages is ceil(total/pageSize), zero for an empty stream.
func TotalPages(total int64, pageSize int) int {
	if pageSize <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}
