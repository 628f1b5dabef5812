package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
	MaxOffset    = 1 << 30
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts pagination parameters from the echo context.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("_count"))
	if limit <= 0 {
		limit, _ = strconv.Atoi(c.QueryParam("limit"))
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("_offset"))
	if offset <= 0 {
		offset, _ = strconv.Atoi(c.QueryParam("offset"))
	}
	if offset < 0 {
		offset = 0
	}
	if offset > MaxOffset {
		offset = MaxOffset
	}

	return Params{Limit: limit, Offset: offset}
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
	Links   []Link      `json:"links,omitempty"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: Params{Limit: limit, Offset: offset}.HasNext(total),
	}
}

// WithLinks attaches self/next/previous links built from the request URL.
// Filter parameters are carried over; paging parameters are rewritten.
func (r *Response) WithLinks(u *url.URL) *Response {
	r.Links = Params{Limit: r.Limit, Offset: r.Offset}.Links(u, r.Total)
	return r
}

// Bounds clamps the page to a result set of length total, for slicing
// results that were loaded in full.
func (p Params) Bounds(total int) (start, end int) {
	start = p.Offset
	if start > total {
		start = total
	}
	end = start + min(p.Limit, total-start)
	return start, end
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset < total && p.Limit < total-p.Offset
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page.
// Returns 0 if the result would be negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// Links generates navigation links for a result page rooted at u.
func (p Params) Links(u *url.URL, total int) []Link {
	links := []Link{{Relation: "self", URL: pageURL(u, p.Offset, p.Limit)}}

	if p.HasNext(total) {
		links = append(links, Link{Relation: "next", URL: pageURL(u, p.NextOffset(), p.Limit)})
	}

	if p.HasPrevious() {
		links = append(links, Link{Relation: "previous", URL: pageURL(u, p.PreviousOffset(), p.Limit)})
	}

	return links
}

func pageURL(u *url.URL, offset, limit int) string {
	q := u.Query()
	q.Del("_count")
	q.Del("_offset")
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	return u.Path + "?" + q.Encode()
}

// Link is one navigation link on a paginated response.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}
