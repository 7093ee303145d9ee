package period

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ncar-hpc/qhistdb/internal/errs"
)

// Granularity is the calendar unit reports group by.
type Granularity string

const (
	Day     Granularity = "day"
	Month   Granularity = "month"
	Quarter Granularity = "quarter"
	Year    Granularity = "year"
)

func Names() []string { return []string{string(Day), string(Month), string(Quarter), string(Year)} }

func Parse(s string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(s)))
	switch g {
	case Day, Month, Quarter, Year:
		return g, nil
	}
	return "", errs.Invalid("period", s, Names())
}

// Key formats t (in UTC) as YYYY-MM-DD, YYYY-MM, YYYY-Qn or YYYY.
func Key(t time.Time, g Granularity) string {
	t = t.UTC()
	switch g {
	case Day:
		return t.Format("2006-01-02")
	case Month:
		return t.Format("2006-01")
	case Quarter:
		return fmt.Sprintf("%d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
	default:
		return t.Format("2006")
	}
}

// SQL renders Key for a timestamptz column.
func SQL(col string, g Granularity) string {
	utc := col + " AT TIME ZONE 'UTC'"
	switch g {
	case Day:
		return "to_char(" + utc + ", 'YYYY-MM-DD')"
	case Month:
		return "to_char(" + utc + ", 'YYYY-MM')"
	case Quarter:
		return "to_char(" + utc + ", 'YYYY') || '-Q' || (((EXTRACT(MONTH FROM " + utc + ")::int - 1) / 3) + 1)"
	default:
		return "to_char(" + utc + ", 'YYYY')"
	}
}

// QuarterOf converts a YYYY-MM key to its YYYY-Qn key.
func QuarterOf(monthKey string) (string, bool) {
	year, month, ok := strings.Cut(monthKey, "-")
	if !ok || len(year) != 4 {
		return "", false
	}
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return "", false
	}
	return fmt.Sprintf("%s-Q%d", year, (m-1)/3+1), true
}
