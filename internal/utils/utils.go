package utils

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

type PageMeta struct {
	Total       int64 `json:"total"`
	CurrentPage int   `json:"current_page"`
	PerPage     int   `json:"per_page"`
	TotalPage   int   `json:"total_page"`
}

func GetPaginationParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("per_page", "10"))

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}

	return page, pageSize
}

// Paginate cuts one page out of an in-memory listing.
func Paginate[T any](items []T, page, pageSize int) ([]T, PageMeta) {
	total := len(items)
	meta := PageMeta{
		Total:       int64(total),
		CurrentPage: page,
		PerPage:     pageSize,
		TotalPage:   (total + pageSize - 1) / pageSize,
	}

	start := (page - 1) * pageSize
	if start >= total {
		return []T{}, meta
	}
	end := min(start+pageSize, total)
	return items[start:end], meta
}
