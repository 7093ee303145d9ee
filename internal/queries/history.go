package queries

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/ncar-hpc/qhistdb/internal/period"
	"github.com/ncar-hpc/qhistdb/internal/resource"
)

type HistoryRow struct {
	Period        string  `json:"period"`
	TotalUsers    int64   `json:"total_users"`
	TotalProjects int64   `json:"total_projects"`
	CPUUsers      int64   `json:"cpu_users"`
	CPUProjects   int64   `json:"cpu_projects"`
	CPUJobs       int64   `json:"cpu_jobs"`
	CPUHours      float64 `json:"cpu_hours"`
	GPUUsers      int64   `json:"gpu_users"`
	GPUProjects   int64   `json:"gpu_projects"`
	GPUJobs       int64   `json:"gpu_jobs"`
	GPUHours      float64 `json:"gpu_hours"`
}

// UsageHistory combines distinct user and project totals with CPU and GPU
// queue activity per period. A period present in any of the four
// aggregations appears in the result with zeros for the others.
func (q *JobQueries) UsageHistory(ctx context.Context, win Window, g period.Granularity) ([]HistoryRow, error) {
	byPeriod := map[string]*HistoryRow{}
	row := func(p string) *HistoryRow {
		r, ok := byPeriod[p]
		if !ok {
			r = &HistoryRow{Period: p}
			byPeriod[p] = r
		}
		return r
	}
	periodExpr := period.SQL("end_time", g)

	for _, total := range []struct {
		col string
		set func(*HistoryRow, int64)
	}{
		{"username", func(r *HistoryRow, n int64) { r.TotalUsers = n }},
		{"account", func(r *HistoryRow, n int64) { r.TotalProjects = n }},
	} {
		var w where
		w.window(win)
		w.add("end_time IS NOT NULL")
		query := fmt.Sprintf(`SELECT %s AS period, COUNT(DISTINCT %s) FROM %s%s GROUP BY period`, periodExpr, total.col, charged, w.String())
		err := q.eachRow(ctx, query, w.args, func(scan func(...any) error) error {
			var p string
			var n int64
			if err := scan(&p, &n); err != nil {
				return err
			}
			total.set(row(p), n)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("usage history %s totals: %w", total.col, err)
		}
	}

	for _, t := range []resource.Type{resource.CPU, resource.GPU} {
		res, err := q.resolve(t)
		if err != nil {
			return nil, err
		}
		var w where
		w.in("queue", res.Queues)
		w.window(win)
		w.add("end_time IS NOT NULL")
		query := fmt.Sprintf(`SELECT %s AS period, COUNT(DISTINCT username), COUNT(DISTINCT account), COUNT(*), COALESCE(SUM(%s), 0)::float8 FROM %s%s GROUP BY period`,
			periodExpr, res.Hours.SQL(), charged, w.String())
		err = q.eachRow(ctx, query, w.args, func(scan func(...any) error) error {
			var p string
			var users, projects, jobs int64
			var hours float64
			if err := scan(&p, &users, &projects, &jobs, &hours); err != nil {
				return err
			}
			r := row(p)
			if t == resource.CPU {
				r.CPUUsers, r.CPUProjects, r.CPUJobs, r.CPUHours = users, projects, jobs, hours
			} else {
				r.GPUUsers, r.GPUProjects, r.GPUJobs, r.GPUHours = users, projects, jobs, hours
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("usage history %s: %w", t, err)
		}
	}

	periods := lo.Keys(byPeriod)
	sort.Strings(periods)
	out := make([]HistoryRow, 0, len(periods))
	for _, p := range periods {
		out = append(out, *byPeriod[p])
	}
	return out, nil
}

// eachRow runs query and calls fn once per result row.
func (q *JobQueries) eachRow(ctx context.Context, query string, args []any, fn func(scan func(dest ...any) error) error) error {
	rows, err := q.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows.Scan); err != nil {
			return err
		}
	}
	return rows.Err()
}

type UserAccountJobs struct {
	Period   string `json:"period"`
	User     string `json:"user"`
	Account  string `json:"account"`
	JobCount int64  `json:"job_count"`
}

// JobsPerUserAccountByPeriod counts jobs per (user, account) pair per period.
// Quarters are grouped by month in the store and folded here.
func (q *JobQueries) JobsPerUserAccountByPeriod(ctx context.Context, win Window, g period.Granularity) ([]UserAccountJobs, error) {
	storeGrain := g
	if g == period.Quarter {
		storeGrain = period.Month
	}
	var w where
	w.window(win)
	w.add("end_time IS NOT NULL")
	w.add("username IS NOT NULL")
	w.add("account IS NOT NULL")
	query := fmt.Sprintf(`SELECT %s AS period, username, account, COUNT(*) FROM jobs%s GROUP BY period, username, account ORDER BY period, username, account`,
		period.SQL("end_time", storeGrain), w.String())
	var counts []period.Count[int64]
	err := q.eachRow(ctx, query, w.args, func(scan func(...any) error) error {
		var c period.Count[int64]
		var user, account string
		if err := scan(&c.Period, &user, &account, &c.Value); err != nil {
			return err
		}
		c.Group = []string{user, account}
		counts = append(counts, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("jobs per user account: %w", err)
	}
	if g == period.Quarter {
		counts = period.FoldQuarters(counts)
	}
	out := make([]UserAccountJobs, 0, len(counts))
	for _, c := range counts {
		out = append(out, UserAccountJobs{Period: c.Period, User: c.Group[0], Account: c.Group[1], JobCount: c.Value})
	}
	return out, nil
}

type PeriodCount struct {
	Period string `json:"period"`
	Count  int64  `json:"count"`
}

// UniqueUsersByPeriod counts distinct users with jobs ending in each period.
func (q *JobQueries) UniqueUsersByPeriod(ctx context.Context, win Window, g period.Granularity) ([]PeriodCount, error) {
	return q.distinctByPeriod(ctx, "username", win, g)
}

// UniqueProjectsByPeriod counts distinct accounts with jobs ending in each period.
func (q *JobQueries) UniqueProjectsByPeriod(ctx context.Context, win Window, g period.Granularity) ([]PeriodCount, error) {
	return q.distinctByPeriod(ctx, "account", win, g)
}

func (q *JobQueries) distinctByPeriod(ctx context.Context, col string, win Window, g period.Granularity) ([]PeriodCount, error) {
	var w where
	w.window(win)
	w.add("end_time IS NOT NULL")
	w.add(col + " IS NOT NULL")
	out := []PeriodCount{}
	if g != period.Quarter {
		query := fmt.Sprintf(`SELECT %s AS period, COUNT(DISTINCT %s) FROM jobs%s GROUP BY period ORDER BY period`, period.SQL("end_time", g), col, w.String())
		err := q.eachRow(ctx, query, w.args, func(scan func(...any) error) error {
			var c PeriodCount
			if err := scan(&c.Period, &c.Count); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("distinct %s by period: %w", col, err)
		}
		return out, nil
	}

	// A user active in two months of a quarter must count once, so fetch
	// the monthly sets rather than monthly counts.
	query := fmt.Sprintf(`SELECT DISTINCT %s AS period, %s FROM jobs%s ORDER BY period`, period.SQL("end_time", period.Month), col, w.String())
	var seen []period.Entity
	err := q.eachRow(ctx, query, w.args, func(scan func(...any) error) error {
		var e period.Entity
		if err := scan(&e.Period, &e.Value); err != nil {
			return err
		}
		seen = append(seen, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("distinct %s by quarter: %w", col, err)
	}
	for _, d := range period.FoldQuartersDistinct(seen) {
		out = append(out, PeriodCount{Period: d.Period, Count: int64(d.Count)})
	}
	return out, nil
}
