package pagination

import (
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100

	DefaultMaxDays = 7
	MaxDays        = 31
)

const dateLayout = "2006-01-02"

// Params holds offset pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts limit/offset from the echo context.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
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
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// Page returns the slice of items selected by p.
func Page[T any](items []T, p Params) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}

// Window is a day-aligned date range: Days whole days starting at Start.
type Window struct {
	Start time.Time
	Days  int
}

// WindowFromContext reads startDate (YYYY-MM-DD, default today in loc) and
// maxDays (default DefaultMaxDays, capped at MaxDays).
func WindowFromContext(c echo.Context, now time.Time, loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.UTC
	}
	start := startOfDay(now.In(loc))
	if raw := c.QueryParam("startDate"); raw != "" {
		t, err := time.ParseInLocation(dateLayout, raw, loc)
		if err != nil {
			return Window{}, fmt.Errorf("invalid startDate %q: expected YYYY-MM-DD", raw)
		}
		start = t
	}

	days := DefaultMaxDays
	if raw := c.QueryParam("maxDays"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Window{}, fmt.Errorf("invalid maxDays %q: expected a positive integer", raw)
		}
		days = n
	}
	if days > MaxDays {
		days = MaxDays
	}
	return Window{Start: start, Days: days}, nil
}

// End is the exclusive end of the window.
func (w Window) End() time.Time { return w.Start.AddDate(0, 0, w.Days) }

// NextStart is the first day after the window, formatted for clients.
func (w Window) NextStart() string { return w.End().Format(dateLayout) }

// Preceding returns the window of the same length ending where w starts,
// including w's first day.
func (w Window) Preceding() Window {
	return Window{Start: w.Start.AddDate(0, 0, -w.Days+1), Days: w.Days}
}

// FormatDate renders t as YYYY-MM-DD.
func FormatDate(t time.Time) string { return t.Format(dateLayout) }

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
