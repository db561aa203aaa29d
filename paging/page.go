// Package paging keeps an in-memory mirror of a server-paginated list.
package paging

import "context"

// Page is the pagination block the backend attaches to every list response.
type Page struct {
	Total       int  `json:"total"`
	Page        int  `json:"page"`
	Limit       int  `json:"limit"`
	TotalPages  int  `json:"total_page"`
	TotalUnread *int `json:"total_unread,omitempty"`
}

// HasMore reports whether pages after this one exist. It only trusts the
// server's page count, never the number of items received.
func (p Page) HasMore() bool {
	return p.Page < p.TotalPages
}

// List is the envelope of one list response.
type List[T any] struct {
	Data       []T  `json:"data"`
	Pagination Page `json:"pagination"`
}

// Fetcher loads one page of a list for the given filter.
type Fetcher[T any, K comparable] func(ctx context.Context, page int, filter K) (List[T], error)
