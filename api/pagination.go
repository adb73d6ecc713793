package api

import (
	"net/http"
	"strconv"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 200
)

// PaginationMeta is embedded in paginated list responses.
type PaginationMeta struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

// pageRequest is the window a list endpoint was asked for.
type pageRequest struct {
	Limit  int
	Offset int
}

// parsePagination reads the limit and offset query parameters. Missing,
// malformed and non-positive values take the defaults; limit is capped at
// maxPageLimit.
func parsePagination(r *http.Request) pageRequest {
	q := r.URL.Query()
	return pageRequest{
		Limit:  min(positiveInt(q.Get("limit"), defaultPageLimit), maxPageLimit),
		Offset: positiveInt(q.Get("offset"), 0),
	}
}

func positiveInt(v string, def int) int {
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	return def
}

// page cuts the requested window out of items. An offset past the end
// yields an empty page.
func page[T any](items []T, p pageRequest) ([]T, PaginationMeta) {
	start := min(p.Offset, len(items))
	end := min(start+p.Limit, len(items))
	return items[start:end], PaginationMeta{
		TotalCount: len(items),
		Limit:      p.Limit,
		Offset:     p.Offset,
		HasMore:    end < len(items),
	}
}
