package report

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ncar-hpc/qhistdb/internal/errs"
	"github.com/ncar-hpc/qhistdb/internal/period"
	"github.com/ncar-hpc/qhistdb/internal/queries"
	"github.com/ncar-hpc/qhistdb/internal/ranges"
	"github.com/ncar-hpc/qhistdb/internal/resource"
)

// Args holds operation arguments as the CLI and HTTP API receive them.
// Empty fields take their defaults.
type Args struct {
	Resource string
	GroupBy  string
	Range    string
	Period   string
	Start    string
	End      string
	Limit    string
	Account  string
	User     string
}

// Default argument values.
const (
	DefaultResource = "cpu"
	DefaultGroupBy  = "user"
	DefaultRange    = "node"
	DefaultPeriod   = "day"
)

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Params validates a and converts it to typed parameters.
func (a Args) Params() (Params, error) {
	var (
		p   Params
		err error
	)
	if p.Resource, err = resource.ParseType(or(a.Resource, DefaultResource)); err != nil {
		return p, err
	}
	if p.GroupBy, err = queries.ParseGroupBy(or(a.GroupBy, DefaultGroupBy)); err != nil {
		return p, err
	}
	if p.Range, err = ranges.ParseKind(or(a.Range, DefaultRange)); err != nil {
		return p, err
	}
	if p.Period, err = period.Parse(or(a.Period, DefaultPeriod)); err != nil {
		return p, err
	}
	if p.Window, err = window(a.Start, a.End); err != nil {
		return p, err
	}
	if a.Limit != "" {
		if p.Limit, err = strconv.Atoi(a.Limit); err != nil || p.Limit <= 0 {
			return p, fmt.Errorf("%w: limit %q, must be a positive integer", errs.ErrInvalidParameter, a.Limit)
		}
	}
	p.Account, p.User = a.Account, a.User
	return p, nil
}

func window(start, end string) (queries.Window, error) {
	var (
		w   queries.Window
		err error
	)
	if start != "" {
		if w.Start, err = period.ParseDate(start); err != nil {
			return w, err
		}
	}
	if end != "" {
		if w.End, err = period.ParseDate(end); err != nil {
			return w, err
		}
	}
	if !w.Start.IsZero() && !w.End.IsZero() && w.End.Before(w.Start) {
		return w, fmt.Errorf("%w: end date %s before start date %s", errs.ErrInvalidParameter, end, start)
	}
	return w, nil
}

// DefaultWindow fills a missing end with the day of last and a missing start
// with the end date.
func DefaultWindow(w queries.Window, last time.Time) queries.Window {
	if w.End.IsZero() {
		w.End = period.Midnight(last)
	}
	if w.Start.IsZero() {
		w.Start = w.End
	}
	return w
}
