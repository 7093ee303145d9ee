package queries

import (
	"context"
	"fmt"

	"github.com/ncar-hpc/qhistdb/internal/period"
	"github.com/ncar-hpc/qhistdb/internal/ranges"
	"github.com/ncar-hpc/qhistdb/internal/resource"
)

type GroupUsage struct {
	Label      string  `json:"label"`
	UsageHours float64 `json:"usage_hours"`
	JobCount   int64   `json:"job_count"`
}

// UsageByGroup sums resource hours per user or account, highest first.
func (q *JobQueries) UsageByGroup(ctx context.Context, t resource.Type, by GroupBy, win Window) ([]GroupUsage, error) {
	res, err := q.resolve(t)
	if err != nil {
		return nil, err
	}
	col := by.column()
	var w where
	w.in("queue", res.Queues)
	w.window(win)
	w.add(col + " IS NOT NULL")
	query := fmt.Sprintf(`SELECT %[1]s AS label, COALESCE(SUM(%[2]s), 0)::float8 AS usage_hours, COUNT(*) AS job_count FROM %[3]s%[4]s GROUP BY %[1]s ORDER BY usage_hours DESC, label`,
		col, res.Hours.SQL(), charged, w.String())
	rows, err := q.DB.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("usage by %s: %w", by, err)
	}
	defer rows.Close()
	out := []GroupUsage{}
	for rows.Next() {
		var g GroupUsage
		if err := rows.Scan(&g.Label, &g.UsageHours, &g.JobCount); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// bucketSource is the numeric column a range kind buckets on.
func bucketSource(k ranges.Kind) string {
	switch k {
	case ranges.GPU:
		return "COALESCE(numgpus, 0)"
	case ranges.Node:
		return "COALESCE(numnodes, 0)"
	case ranges.Core:
		return "COALESCE(numcpus, 0)"
	default:
		return "COALESCE(reqmem, 0) / 1073741824.0"
	}
}

type WaitBucket struct {
	RangeLabel   string  `json:"range_label"`
	AvgWaitHours float64 `json:"avg_wait_hours"`
	JobCount     int64   `json:"job_count"`
}

// JobWaitsByResource averages queue wait (start minus eligible) per size bucket.
// Jobs missing either timestamp have no wait and are left out.
func (q *JobQueries) JobWaitsByResource(ctx context.Context, t resource.Type, k ranges.Kind, win Window) ([]WaitBucket, error) {
	res, err := q.resolve(t)
	if err != nil {
		return nil, err
	}
	part := ranges.For(k)
	var w where
	w.in("queue", res.Queues)
	w.window(win)
	w.add("start_time IS NOT NULL")
	w.add("eligible_time IS NOT NULL")
	query := fmt.Sprintf(`SELECT bucket, COALESCE(AVG(wait_hours), 0)::float8, COUNT(*) FROM (SELECT %s AS bucket, EXTRACT(EPOCH FROM (start_time - eligible_time)) / 3600.0 AS wait_hours FROM %s%s) b GROUP BY bucket ORDER BY %s`,
		part.CaseSQL(bucketSource(k)), charged, w.String(), part.OrderSQL("bucket"))
	rows, err := q.DB.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("job waits by %s: %w", k, err)
	}
	defer rows.Close()
	out := []WaitBucket{}
	for rows.Next() {
		var b WaitBucket
		if err := rows.Scan(&b.RangeLabel, &b.AvgWaitHours, &b.JobCount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type SizeBucket struct {
	RangeLabel string  `json:"range_label"`
	JobCount   int64   `json:"job_count"`
	UserCount  int64   `json:"user_count"`
	Hours      float64 `json:"hours"`
}

// JobSizesByResource counts jobs and distinct users per size bucket.
func (q *JobQueries) JobSizesByResource(ctx context.Context, t resource.Type, k ranges.Kind, win Window) ([]SizeBucket, error) {
	res, err := q.resolve(t)
	if err != nil {
		return nil, err
	}
	part := ranges.For(k)
	var w where
	w.in("queue", res.Queues)
	w.window(win)
	query := fmt.Sprintf(`SELECT bucket, COUNT(*), COUNT(DISTINCT username), COALESCE(SUM(hours), 0)::float8 FROM (SELECT %s AS bucket, username, %s AS hours FROM %s%s) b GROUP BY bucket ORDER BY %s`,
		part.CaseSQL(bucketSource(k)), res.Hours.SQL(), charged, w.String(), part.OrderSQL("bucket"))
	rows, err := q.DB.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("job sizes by %s: %w", k, err)
	}
	defer rows.Close()
	out := []SizeBucket{}
	for rows.Next() {
		var b SizeBucket
		if err := rows.Scan(&b.RangeLabel, &b.JobCount, &b.UserCount, &b.Hours); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// PeriodBuckets is one period's hours spread over a fixed set of threshold buckets.
type PeriodBuckets struct {
	Date    string    `json:"date"`
	Buckets []float64 `json:"buckets"`
}

// JobDurations sums resource hours into elapsed-time buckets per period.
func (q *JobQueries) JobDurations(ctx context.Context, t resource.Type, win Window, g period.Granularity) ([]PeriodBuckets, error) {
	res, err := q.resolve(t)
	if err != nil {
		return nil, err
	}
	var w where
	w.in("queue", res.Queues)
	w.window(win)
	w.add("end_time IS NOT NULL")
	return q.bucketsByPeriod(ctx, "job durations", ranges.Durations, "COALESCE(elapsed, 0)", res.Hours.SQL(), g, &w)
}

// JobMemoryPerRank sums resource hours by used memory per rank and thread.
// Jobs with no memory figure or a non-positive rank layout are left out.
func (q *JobQueries) JobMemoryPerRank(ctx context.Context, t resource.Type, win Window, g period.Granularity) ([]PeriodBuckets, error) {
	res, err := q.resolve(t)
	if err != nil {
		return nil, err
	}
	var w where
	w.in("queue", res.Queues)
	w.window(win)
	w.add("end_time IS NOT NULL")
	w.add("memory IS NOT NULL")
	w.add("mpiprocs > 0")
	w.add("ompthreads > 0")
	w.add("numnodes > 0")
	key := "memory::float8 / (mpiprocs * ompthreads * numnodes)"
	return q.bucketsByPeriod(ctx, "memory per rank", ranges.MemoryPerRank, key, res.Hours.SQL(), g, &w)
}

func (q *JobQueries) bucketsByPeriod(ctx context.Context, name string, th ranges.Thresholds, key, hours string, g period.Granularity, w *where) ([]PeriodBuckets, error) {
	query := fmt.Sprintf(`SELECT period, bucket, COALESCE(SUM(hours), 0)::float8 FROM (SELECT %s AS period, %s AS bucket, %s AS hours FROM %s%s) b GROUP BY period, bucket ORDER BY period, bucket`,
		period.SQL("end_time", g), th.IndexSQL(key), hours, charged, w.String())
	rows, err := q.DB.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	defer rows.Close()
	out := []PeriodBuckets{}
	index := map[string]int{}
	for rows.Next() {
		var (
			p      string
			bucket int
			h      float64
		)
		if err := rows.Scan(&p, &bucket, &h); err != nil {
			return nil, err
		}
		i, ok := index[p]
		if !ok {
			i = len(out)
			index[p] = i
			out = append(out, PeriodBuckets{Date: p, Buckets: make([]float64, th.Len())})
		}
		if bucket >= 0 && bucket < th.Len() {
			out[i].Buckets[bucket] += h
		}
	}
	return out, rows.Err()
}
