package pagination

import (
	"net/url"
	"strconv"

	apperrors "github.com/megashop/citysearch/pkg/errors"
)

// Config holds the page size policy.
type Config struct {
	DefaultPerPage int
	MaxPerPage     int
}

// DefaultConfig returns the storefront defaults.
func DefaultConfig() Config {
	return Config{DefaultPerPage: 32, MaxPerPage: 100}
}

// Params holds the requested page.
type Params struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

// Offset returns the index of the first item of the page.
func (p Params) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// FromQuery extracts page and per_page. Missing values take defaults;
// malformed or out-of-bounds values are rejected with a BadRequest error.
func (c Config) FromQuery(q url.Values) (Params, error) {
	p := Params{Page: 1, PerPage: c.DefaultPerPage}

	if raw := q.Get("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return p, apperrors.InvalidInput("page must be a positive integer")
		}
		p.Page = v
	}

	if raw := q.Get("per_page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return p, apperrors.InvalidInput("per_page must be a positive integer")
		}
		if v > c.MaxPerPage {
			return p, apperrors.InvalidInput("per_page must be at most " + strconv.Itoa(c.MaxPerPage))
		}
		p.PerPage = v
	}

	return p, nil
}

// Page is one page of a result sequence.
type Page[T any] struct {
	Items   []T
	Total   int
	Page    int
	PerPage int
	Pages   int
}

// HasNext reports whether a later page exists.
func (p Page[T]) HasNext() bool { return p.Page < p.Pages }

// HasPrev reports whether an earlier page exists.
func (p Page[T]) HasPrev() bool { return p.Page > 1 }

// PageCount returns the number of pages needed for total items.
func PageCount(total, perPage int) int {
	if total <= 0 || perPage <= 0 {
		return 0
	}
	return (total + perPage - 1) / perPage
}

// Window validates the page against an externally known total and returns
// the half-open bounds [start, end) of that page. Page 1 is always valid,
// even for an empty sequence.
func Window(total int, p Params) (start, end int, err error) {
	pages := PageCount(total, p.PerPage)
	if p.Page > 1 && p.Page > pages {
		return 0, 0, apperrors.PageNotFound(p.Page)
	}
	start = p.Offset()
	end = start + p.PerPage
	if end > total {
		end = total
	}
	if start > end {
		start = end
	}
	return start, end, nil
}

// Paginate slices items for the requested page. total is trusted as the size
// of the full sequence; items may be that full sequence or any prefix of it.
func Paginate[T any](items []T, total int, p Params) (Page[T], error) {
	start, end, err := Window(total, p)
	if err != nil {
		return Page[T]{}, err
	}
	if end > len(items) {
		end = len(items)
	}
	if start > end {
		start = end
	}

	page := make([]T, end-start)
	copy(page, items[start:end])

	return Page[T]{
		Items:   page,
		Total:   total,
		Page:    p.Page,
		PerPage: p.PerPage,
		Pages:   PageCount(total, p.PerPage),
	}, nil
}

// Links returns the relative next and previous page URLs for u, or empty
// strings when there is no such page. The link to page 1 omits the page
// parameter.
func Links[T any](u *url.URL, p Page[T]) (next, prev string) {
	if p.HasNext() {
		next = withPage(u, p.Page+1)
	}
	if p.HasPrev() {
		prev = withPage(u, p.Page-1)
	}
	return next, prev
}

func withPage(u *url.URL, page int) string {
	q := u.Query()
	if page <= 1 {
		q.Del("page")
	} else {
		q.Set("page", strconv.Itoa(page))
	}
	out := url.URL{Path: u.Path, RawQuery: q.Encode()}
	return out.String()
}
