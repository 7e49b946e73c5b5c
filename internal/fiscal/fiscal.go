// Package fiscal maps dates and date ranges onto US federal fiscal years
// (October through September).
package fiscal

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/lccnetwork/catalog-sync/internal/model"
)

// Year returns the fiscal year containing t: the calendar year, plus one
// if the month is October or later.
func Year(t time.Time) int {
	y := t.Year()
	if t.Month() >= time.October {
		y++
	}
	return y
}

// YearsForRange returns every fiscal year overlapped by [start, end]
// inclusive, descending. A missing bound defaults to the other; both
// missing yields no years. An end before start is an error.
func YearsForRange(start, end *time.Time) ([]int, error) {
	if start == nil && end == nil {
		return nil, nil
	}
	if start == nil {
		start = end
	}
	if end == nil {
		end = start
	}
	if end.Before(*start) {
		return nil, eris.Errorf("fiscal: range end %s before start %s",
			end.Format(time.DateOnly), start.Format(time.DateOnly))
	}

	first := Year(*start)
	last := Year(*end)
	years := make([]int, 0, last-first+1)
	for y := last; y >= first; y-- {
		years = append(years, y)
	}
	return years, nil
}

// YearsForPeriods collapses the fiscal years of multiple ranges into one
// duplicate-free descending set.
func YearsForPeriods(periods []model.Period) ([]int, error) {
	seen := make(map[int]bool)
	for _, p := range periods {
		years, err := YearsForRange(p.Start, p.End)
		if err != nil {
			return nil, err
		}
		for _, y := range years {
			seen[y] = true
		}
	}
	if len(seen) == 0 {
		return nil, nil
	}
	out := make([]int, 0, len(seen))
	for y := range seen {
		out = append(out, y)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out, nil
}
