package period

import (
	"fmt"
	"strings"
	"time"

	"github.com/ncar-hpc/qhistdb/internal/errs"
)

const dayLayout = "2006-01-02"

// Midnight truncates t to the start of its UTC calendar day.
func Midnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate accepts YYYY-MM-DD or YYYYMMDD and returns UTC midnight.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{dayLayout, "20060102"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: date %q, expected YYYY-MM-DD or YYYYMMDD", errs.ErrInvalidParameter, s)
}

// Days lists every UTC date in the closed interval [start, end].
func Days(start, end time.Time) []time.Time {
	var out []time.Time
	for d, last := Midnight(start), Midnight(end); !d.After(last); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

func FormatDate(t time.Time) string { return t.UTC().Format(dayLayout) }

// Compact formats t as YYYYMMDD.
func Compact(t time.Time) string { return t.UTC().Format("20060102") }
