package surveillance

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MonthFilter narrows a series to one calendar month. MonthNone disables it.
type MonthFilter int

// MonthNone is the "None" choice of the month selector.
const MonthNone MonthFilter = 0

// ParseMonth accepts "None" (or an empty string) and 1..12.
func ParseMonth(s string) (MonthFilter, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return MonthNone, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 12 {
		return MonthNone, fmt.Errorf("invalid month %q: want None or 1-12", s)
	}
	return MonthFilter(n), nil
}

// String returns "None" or the English month name.
func (m MonthFilter) String() string {
	if m == MonthNone || m < 1 || m > 12 {
		return "None"
	}
	return time.Month(m).String()
}

// Window returns the first and last day of the month in year.
func (m MonthFilter) Window(year int) (first, last time.Time) {
	first = time.Date(year, time.Month(m), 1, 0, 0, 0, 0, time.UTC)
	last = first.AddDate(0, 1, -1)
	return first, last
}

// Filter selects the records of entity, optionally restricted to month (in
// the dataset's reference year) and to dates up to and including cursor.
// The result is ascending by date and shares no storage with ds.
func Filter(ds *Dataset, entity string, month MonthFilter, cursor *time.Time, fallbackYear int) []CaseRecord {
	if ds.Len() == 0 || entity == "" {
		return []CaseRecord{}
	}
	var first, last time.Time
	if month != MonthNone {
		first, last = month.Window(ds.ReferenceYear(fallbackYear))
	}
	var limit time.Time
	if cursor != nil {
		limit = Day(*cursor)
	}

	out := make([]CaseRecord, 0)
	for _, r := range ds.Records {
		if r.Entity != entity {
			continue
		}
		if month != MonthNone && (r.Date.Before(first) || r.Date.After(last)) {
			continue
		}
		if cursor != nil && r.Date.After(limit) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Domain is the horizontal axis span for a selection: from the earliest
// date of the un-cursored filtered set to the cursor, or to the latest date
// when no cursor is set. The cursor never shrinks the left edge and never
// extends the right edge past the data.
func Domain(ds *Dataset, entity string, month MonthFilter, cursor *time.Time, fallbackYear int) (min, max time.Time, ok bool) {
	all := Filter(ds, entity, month, nil, fallbackYear)
	if len(all) == 0 {
		return time.Time{}, time.Time{}, false
	}
	min = all[0].Date
	max = all[len(all)-1].Date
	if cursor != nil {
		if c := Day(*cursor); c.Before(max) {
			max = c
		}
		if max.Before(min) {
			max = min
		}
	}
	return min, max, true
}

// Select runs Filter and reports an empty result as a NotFoundError.
func Select(ds *Dataset, entity string, month MonthFilter, cursor *time.Time, fallbackYear int) ([]CaseRecord, error) {
	out := Filter(ds, entity, month, cursor, fallbackYear)
	if len(out) == 0 {
		return out, &NotFoundError{Entity: entity, Month: month}
	}
	return out, nil
}
