package views

import (
	"net/url"
	"strconv"
)

// Pagination describes one page of a listing and builds links to its neighbours.
type Pagination struct {
	Page    int
	PerPage int
	Total   int64
	// Path is the listing URL without query string.
	Path string
	// Fragment is appended to page links, e.g. "comments".
	Fragment string
}

// NewPagination clamps page and perPage to at least 1.
func NewPagination(path string, page, perPage int, total int64) Pagination {
	if perPage < 1 {
		perPage = 1
	}
	if page < 1 {
		page = 1
	}
	return Pagination{Page: page, PerPage: perPage, Total: total, Path: path}
}

// Pages is the number of pages, zero for an empty listing.
func (p Pagination) Pages() int {
	if p.Total <= 0 {
		return 0
	}
	return int((p.Total + int64(p.PerPage) - 1) / int64(p.PerPage))
}

func (p Pagination) HasPrev() bool { return p.Page > 1 }
func (p Pagination) HasNext() bool { return p.Page < p.Pages() }
func (p Pagination) PrevNum() int  { return p.Page - 1 }
func (p Pagination) NextNum() int  { return p.Page + 1 }

// IterPages lists page numbers to link, with 0 marking a gap: two pages at each edge,
// two before the current page and four after it.
func (p Pagination) IterPages() []int {
	const leftEdge, leftCurrent, rightCurrent, rightEdge = 2, 2, 5, 2
	var out []int
	last := 0
	for num := 1; num <= p.Pages(); num++ {
		if num <= leftEdge ||
			(num > p.Page-leftCurrent-1 && num < p.Page+rightCurrent) ||
			num > p.Pages()-rightEdge {
			if last+1 != num {
				out = append(out, 0)
			}
			out = append(out, num)
			last = num
		}
	}
	return out
}

// URL links to page n of the listing.
func (p Pagination) URL(n int) string {
	u := url.URL{Path: p.Path, RawQuery: url.Values{"page": {strconv.Itoa(n)}}.Encode(), Fragment: p.Fragment}
	return u.String()
}

// LastPage returns the page holding the final item, 1 for an empty listing.
func LastPage(total int64, perPage int) int {
	if total <= 0 || perPage < 1 {
		return 1
	}
	return int((total-1)/int64(perPage)) + 1
}
