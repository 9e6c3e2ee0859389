package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestGetPaginationParams(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		query         string
		page, perPage int
	}{
		{"", 1, 10},
		{"?page=3&per_page=25", 3, 25},
		{"?page=0&per_page=500", 1, 10},
		{"?page=abc", 1, 10},
	}
	for _, tt := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", "/admin/rooms"+tt.query, nil)
		page, perPage := GetPaginationParams(c)
		assert.Equal(t, tt.page, page, tt.query)
		assert.Equal(t, tt.perPage, perPage, tt.query)
	}
}

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	got, meta := Paginate(items, 2, 2)
	assert.Equal(t, []int{3, 4}, got)
	assert.Equal(t, PageMeta{Total: 5, CurrentPage: 2, PerPage: 2, TotalPage: 3}, meta)

	got, _ = Paginate(items, 3, 2)
	assert.Equal(t, []int{5}, got)

	got, meta = Paginate(items, 9, 2)
	assert.Empty(t, got)
	assert.Equal(t, 3, meta.TotalPage)

	got, meta = Paginate([]int{}, 1, 10)
	assert.Empty(t, got)
	assert.Zero(t, meta.TotalPage)
}
