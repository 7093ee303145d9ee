package summary

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ncar-hpc/qhistdb/internal/machine"
	"github.com/ncar-hpc/qhistdb/internal/metrics"
	"github.com/ncar-hpc/qhistdb/internal/period"
)

// Rollup maintains the daily_summary table of one machine from its charged
// view. Overlapping rollups for the same dates must be serialized by the
// caller; the table has no lock of its own.
type Rollup struct {
	Log     *slog.Logger
	DB      *sql.DB
	Machine machine.Machine
}

// Stats describes one date's rollup.
type Stats struct {
	Date         time.Time `json:"date"`
	RowsDeleted  int64     `json:"rows_deleted"`
	RowsInserted int64     `json:"rows_inserted"`
	Skipped      bool      `json:"skipped"`
}

// RangeStats tallies a range rollup. A day is processed when it produced at
// least one row and skipped otherwise (already summarized or no jobs).
type RangeStats struct {
	TotalRows     int64 `json:"total_rows"`
	DaysProcessed int   `json:"days_processed"`
	DaysSkipped   int   `json:"days_skipped"`
}

const insertSummary = `
INSERT INTO daily_summary(date, username, account, queue, job_count, cpu_hours, gpu_hours, memory_hours, charge_hours)
SELECT $1::date, username, account, queue, COUNT(*),
       COALESCE(SUM(cpu_hours), 0), COALESCE(SUM(gpu_hours), 0),
       COALESCE(SUM(memory_hours), 0), COALESCE(SUM(charge_hours), 0)
FROM v_jobs_charged
WHERE end_time >= $2 AND end_time < $3
  AND username IS NOT NULL AND account IS NOT NULL AND queue IS NOT NULL
GROUP BY username, account, queue`

func (r *Rollup) log() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

// GenerateDailySummary aggregates every charged job that ended on date (UTC)
// into daily_summary. Without replace an already summarized date is left
// untouched. With replace the date's rows are deleted and re-aggregated in
// the same transaction, so readers never see the date empty.
func (r *Rollup) GenerateDailySummary(ctx context.Context, date time.Time, replace bool) (Stats, error) {
	day := period.Midnight(date)
	st := Stats{Date: day}
	start := time.Now()
	defer func() { metrics.ObserveDB("rollup_day", time.Since(start)) }()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return st, err
	}
	defer func() { _ = tx.Rollback() }()

	if replace {
		res, err := tx.ExecContext(ctx, `DELETE FROM daily_summary WHERE date = $1`, day)
		if err != nil {
			return st, fmt.Errorf("delete summary %s: %w", period.FormatDate(day), err)
		}
		st.RowsDeleted, _ = res.RowsAffected()
	} else {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM daily_summary WHERE date = $1)`, day).Scan(&exists); err != nil {
			return st, fmt.Errorf("check summary %s: %w", period.FormatDate(day), err)
		}
		if exists {
			st.Skipped = true
			metrics.IncRollupDay(string(r.Machine), "skipped")
			return st, nil
		}
	}

	res, err := tx.ExecContext(ctx, insertSummary, day, day, day.AddDate(0, 0, 1))
	if err != nil {
		return st, fmt.Errorf("insert summary %s: %w", period.FormatDate(day), err)
	}
	st.RowsInserted, _ = res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return st, err
	}
	metrics.IncRollupDay(string(r.Machine), "summarized")
	metrics.AddRollupRows(string(r.Machine), st.RowsInserted)
	r.log().Debug("daily summary", "machine", r.Machine, "date", period.FormatDate(day), "deleted", st.RowsDeleted, "inserted", st.RowsInserted)
	return st, nil
}

// GenerateSummariesForRange summarizes each date in [start, end]. Re-running
// without replace resumes where an interrupted run stopped.
func (r *Rollup) GenerateSummariesForRange(ctx context.Context, start, end time.Time, replace bool) (RangeStats, error) {
	var rs RangeStats
	runID := uuid.NewString()
	for _, d := range period.Days(start, end) {
		st, err := r.GenerateDailySummary(ctx, d, replace)
		if err != nil {
			return rs, err
		}
		if st.RowsInserted > 0 {
			rs.TotalRows += st.RowsInserted
			rs.DaysProcessed++
		} else {
			rs.DaysSkipped++
		}
	}
	r.log().Info("summaries generated", "run", runID, "machine", r.Machine,
		"start", period.FormatDate(start), "end", period.FormatDate(end),
		"rows", rs.TotalRows, "processed", rs.DaysProcessed, "skipped", rs.DaysSkipped)
	return rs, nil
}

// SummarizedDates returns the set of dates present in daily_summary.
func (r *Rollup) SummarizedDates(ctx context.Context) (map[time.Time]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT date FROM daily_summary`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[time.Time]bool{}
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out[period.Midnight(d)] = true
	}
	return out, rows.Err()
}

// RunOnce summarizes yesterday (UTC), replacing any earlier rollup of it.
// Late-arriving jobs for that day are picked up on each run.
func (r *Rollup) RunOnce(ctx context.Context) (Stats, error) {
	yesterday := period.Midnight(time.Now()).AddDate(0, 0, -1)
	return r.GenerateDailySummary(ctx, yesterday, true)
}
