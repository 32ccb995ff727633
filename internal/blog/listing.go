package blog

import (
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type SortField string

const (
	SortCreatedAt   SortField = "createdAt"
	SortReadCount   SortField = "readCount"
	SortReadingTime SortField = "readingTime"
	SortTitle       SortField = "title"
)

type Filter string

const (
	FilterAll     Filter = "all"
	FilterRecent  Filter = "recent"
	FilterPopular Filter = "popular"
)

const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
	// MaxPage keeps (page-1)*limit within int.
	MaxPage = math.MaxInt / MaxLimit
	RecentWindow = 7 * 24 * time.Hour
)

// sortColumns whitelists what can end up in ORDER BY.
var sortColumns = map[SortField]string{
	SortCreatedAt:   "b.created_at",
	SortReadCount:   "b.read_count",
	SortReadingTime: "b.reading_time",
	SortTitle:       "b.title",
}

type Option struct {
	Value string
	Label string
}

var FilterOptions = []Option{
	{Value: string(FilterAll), Label: "All Posts"},
	{Value: string(FilterRecent), Label: "Recent Posts (Last 7 days)"},
	{Value: string(FilterPopular), Label: "Popular Posts"},
}

var SortOptions = []Option{
	{Value: string(SortCreatedAt), Label: "Date"},
	{Value: string(SortReadCount), Label: "Reads"},
	{Value: string(SortReadingTime), Label: "Read Time"},
	{Value: string(SortTitle), Label: "Title"},
}

type ListParams struct {
	Page      int
	Limit     int
	Search    string
	Sort      SortField
	Ascending bool
	Filter    Filter
}

func DefaultListParams() ListParams {
	return ListParams{
		Page:   DefaultPage,
		Limit:  DefaultLimit,
		Sort:   SortCreatedAt,
		Filter: FilterAll,
	}
}

// ParseListParams reads the listing query; invalid values fall back to the
// defaults instead of failing the request.
func ParseListParams(query url.Values) ListParams {
	params := DefaultListParams()

	if page, err := strconv.Atoi(query.Get("page")); err == nil && page >= 1 {
		params.Page = min(page, MaxPage)
	}
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil && limit >= 1 {
		params.Limit = min(limit, MaxLimit)
	}

	params.Search = strings.TrimSpace(query.Get("search"))

	if sort := SortField(query.Get("sort")); sortColumns[sort] != "" {
		params.Sort = sort
	}
	params.Ascending = query.Get("order") == "asc"

	switch filter := Filter(query.Get("filter")); filter {
	case FilterRecent, FilterPopular:
		params.Filter = filter
	}

	return params
}

// Offset saturates at math.MaxInt for pages past the addressable range.
func (p ListParams) Offset() int {
	if p.Page <= 1 || p.Limit <= 0 {
		return 0
	}
	if p.Page-1 > math.MaxInt/p.Limit {
		return math.MaxInt
	}
	return (p.Page - 1) * p.Limit
}

func (p ListParams) Order() string {
	if p.Ascending {
		return "asc"
	}
	return "desc"
}

func (p ListParams) orderBy() string {
	column, ok := sortColumns[p.Sort]
	if !ok {
		column = sortColumns[SortCreatedAt]
	}
	direction := "DESC"
	if p.Ascending {
		direction = "ASC"
	}
	// id keeps the order stable between pages
	return column + " " + direction + ", b.id " + direction
}

// searchPattern turns the search term into an ILIKE pattern, escaping the
// LIKE metacharacters. Empty search yields an empty pattern.
func (p ListParams) searchPattern() string {
	if p.Search == "" {
		return ""
	}
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(p.Search)
	return "%" + escaped + "%"
}

func (p ListParams) recentSince(now time.Time) *time.Time {
	if p.Filter != FilterRecent {
		return nil
	}
	since := now.Add(-RecentWindow)
	return &since
}

// PageQuery renders the query string for the given page, keeping the rest of
// the listing params.
func (p ListParams) PageQuery(page int) string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(p.Limit))
	if p.Search != "" {
		q.Set("search", p.Search)
	}
	q.Set("sort", string(p.Sort))
	q.Set("order", p.Order())
	q.Set("filter", string(p.Filter))
	return "?" + q.Encode()
}

type Pagination struct {
	Page       int
	Limit      int
	Total      int
	TotalPages int
}

func NewPagination(params ListParams, total int) Pagination {
	totalPages := 0
	if params.Limit > 0 {
		totalPages = (total + params.Limit - 1) / params.Limit
	}
	return Pagination{
		Page:       params.Page,
		Limit:      params.Limit,
		Total:      total,
		TotalPages: totalPages,
	}
}

func (p Pagination) HasPrev() bool {
	return p.Page > 1
}

func (p Pagination) HasNext() bool {
	return p.Page < p.TotalPages
}

func (p Pagination) PrevPage() int {
	return p.Page - 1
}

func (p Pagination) NextPage() int {
	return p.Page + 1
}
