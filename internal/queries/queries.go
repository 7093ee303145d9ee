package queries

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/ncar-hpc/qhistdb/internal/charging"
	"github.com/ncar-hpc/qhistdb/internal/errs"
	"github.com/ncar-hpc/qhistdb/internal/machine"
	"github.com/ncar-hpc/qhistdb/internal/period"
	"github.com/ncar-hpc/qhistdb/internal/resource"
)

// Querier is the read side of *sql.DB, *sql.Tx and *db.DB.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// JobQueries answers reporting queries against one machine's store. It holds
// no state besides the handle; every call re-reads the store.
type JobQueries struct {
	DB      Querier
	Machine machine.Machine
}

func New(db Querier, m machine.Machine) *JobQueries { return &JobQueries{DB: db, Machine: m} }

// Window is an inclusive range of UTC dates filtering on job end time. A zero
// bound leaves that side open.
type Window struct {
	Start time.Time
	End   time.Time
}

// Between builds a window from two dates.
func Between(start, end time.Time) Window { return Window{Start: start, End: end} }

// Bounds returns the half-open timestamp interval [Start 00:00, End+1 00:00).
func (w Window) Bounds() (from, to time.Time) {
	if !w.Start.IsZero() {
		from = period.Midnight(w.Start)
	}
	if !w.End.IsZero() {
		to = period.Midnight(w.End).AddDate(0, 0, 1)
	}
	return from, to
}

// GroupBy selects the dimension UsageByGroup aggregates on.
type GroupBy string

const (
	ByUser    GroupBy = "user"
	ByAccount GroupBy = "account"
)

func ParseGroupBy(s string) (GroupBy, error) {
	g := GroupBy(strings.ToLower(strings.TrimSpace(s)))
	switch g {
	case ByUser, ByAccount:
		return g, nil
	}
	return "", errs.Invalid("group by", s, []string{string(ByUser), string(ByAccount)})
}

func (g GroupBy) column() string {
	if g == ByAccount {
		return "account"
	}
	return "username"
}

func (q *JobQueries) resolve(t resource.Type) (resource.Resolution, error) {
	return resource.Resolve(t, q.Machine)
}

// where accumulates AND-ed predicates with positional arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) arg(v any) string {
	w.args = append(w.args, v)
	return "$" + strconv.Itoa(len(w.args))
}

func (w *where) add(cond string) { w.conds = append(w.conds, cond) }

func (w *where) eq(col string, v any) { w.add(col + " = " + w.arg(v)) }

func (w *where) in(col string, vals []string) {
	if len(vals) == 0 {
		w.add("FALSE")
		return
	}
	ph := make([]string, len(vals))
	for i, v := range vals {
		ph[i] = w.arg(v)
	}
	w.add(col + " IN (" + strings.Join(ph, ", ") + ")")
}

// window filters end_time on the half-open bounds of win.
func (w *where) window(win Window) {
	from, to := win.Bounds()
	if !from.IsZero() {
		w.add("end_time >= " + w.arg(from))
	}
	if !to.IsZero() {
		w.add("end_time < " + w.arg(to))
	}
}

// dates filters a DATE column on the inclusive window.
func (w *where) dates(col string, win Window) {
	if !win.Start.IsZero() {
		w.add(col + " >= " + w.arg(period.Midnight(win.Start)))
	}
	if !win.End.IsZero() {
		w.add(col + " <= " + w.arg(period.Midnight(win.End)))
	}
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

const charged = charging.ViewName
