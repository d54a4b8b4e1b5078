package utils

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type PaginationParams struct {
	Page     int
	PageSize int
}

// ParsePagination extracts page and page_size from the query string.
// Out-of-range values are rejected rather than clamped.
func ParsePagination(c *gin.Context) (PaginationParams, error) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		return PaginationParams{}, fmt.Errorf("page must be an integer >= 1")
	}

	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(DefaultPageSize)))
	if err != nil || pageSize < 1 || pageSize > MaxPageSize {
		return PaginationParams{}, fmt.Errorf("page_size must be an integer between 1 and %d", MaxPageSize)
	}

	return PaginationParams{
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// Offset is the number of records to skip for the page.
func (p PaginationParams) Offset() int {
	return (p.Page - 1) * p.PageSize
}
