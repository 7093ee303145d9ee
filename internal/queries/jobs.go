package queries

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/ncar-hpc/qhistdb/internal/models"
)

// JobFilter narrows job listings. Empty fields do not filter.
type JobFilter struct {
	Status string
	Queue  string
}

func (q *JobQueries) JobsByUser(ctx context.Context, user string, win Window, f JobFilter) ([]models.Job, error) {
	return q.listJobs(ctx, "username", user, win, f)
}

func (q *JobQueries) JobsByAccount(ctx context.Context, account string, win Window, f JobFilter) ([]models.Job, error) {
	return q.listJobs(ctx, "account", account, win, f)
}

func (q *JobQueries) JobsByQueue(ctx context.Context, queue string, win Window) ([]models.Job, error) {
	return q.listJobs(ctx, "queue", queue, win, JobFilter{})
}

// listJobs returns matching jobs, most recently ended first.
func (q *JobQueries) listJobs(ctx context.Context, col, value string, win Window, f JobFilter) ([]models.Job, error) {
	var w where
	w.eq(col, value)
	w.window(win)
	if f.Status != "" {
		w.eq("status", f.Status)
	}
	if f.Queue != "" {
		w.eq("queue", f.Queue)
	}
	query := `SELECT ` + strings.Join(models.JobColumns, ",") + ` FROM jobs` + w.String() + ` ORDER BY end_time DESC NULLS LAST, id DESC`
	rows, err := q.DB.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("jobs by %s: %w", col, err)
	}
	defer rows.Close()
	out := []models.Job{}
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(j.Targets()...); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Summary totals charged usage for one account or one user. Users is set for
// account summaries and Accounts for user summaries.
type Summary struct {
	JobCount            int64    `json:"job_count"`
	TotalElapsedSeconds int64    `json:"total_elapsed_seconds"`
	TotalCPUHours       float64  `json:"total_cpu_hours"`
	TotalGPUHours       float64  `json:"total_gpu_hours"`
	TotalMemoryHours    float64  `json:"total_memory_hours"`
	Users               []string `json:"users,omitempty"`
	Accounts            []string `json:"accounts,omitempty"`
	Queues              []string `json:"queues"`
}

// UsageSummary totals an account's charged usage with its sorted users and queues.
func (q *JobQueries) UsageSummary(ctx context.Context, account string, win Window) (*Summary, error) {
	s, members, err := q.summarize(ctx, "account", account, "username", win)
	if err != nil {
		return nil, err
	}
	s.Users = members
	return s, nil
}

// UserSummary totals a user's charged usage with their sorted accounts and queues.
func (q *JobQueries) UserSummary(ctx context.Context, user string, win Window) (*Summary, error) {
	s, members, err := q.summarize(ctx, "username", user, "account", win)
	if err != nil {
		return nil, err
	}
	s.Accounts = members
	return s, nil
}

func (q *JobQueries) summarize(ctx context.Context, col, value, memberCol string, win Window) (*Summary, []string, error) {
	var w where
	w.eq(col, value)
	w.window(win)
	query := fmt.Sprintf(`SELECT %s, queue, COALESCE(elapsed, 0), COALESCE(cpu_hours, 0), COALESCE(gpu_hours, 0), COALESCE(memory_hours, 0) FROM %s%s`, memberCol, charged, w.String())
	s := &Summary{Queues: []string{}}
	var members, queues []string
	err := q.eachRow(ctx, query, w.args, func(scan func(...any) error) error {
		var member, queue sql.NullString
		var elapsed int64
		var cpu, gpu, mem float64
		if err := scan(&member, &queue, &elapsed, &cpu, &gpu, &mem); err != nil {
			return err
		}
		s.JobCount++
		s.TotalElapsedSeconds += elapsed
		s.TotalCPUHours += cpu
		s.TotalGPUHours += gpu
		s.TotalMemoryHours += mem
		members = append(members, member.String)
		queues = append(queues, queue.String)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("summary for %s %q: %w", col, value, err)
	}
	s.Queues = sortedSet(queues)
	return s, sortedSet(members), nil
}

func sortedSet(vals []string) []string {
	out := lo.Uniq(lo.Compact(vals))
	sort.Strings(out)
	return out
}

type UserJobCount struct {
	User     string `json:"user"`
	JobCount int64  `json:"job_count"`
}

// TopUsersByJobs ranks users by number of jobs.
func (q *JobQueries) TopUsersByJobs(ctx context.Context, win Window, limit int) ([]UserJobCount, error) {
	if limit <= 0 {
		limit = 10
	}
	var w where
	w.window(win)
	w.add("username IS NOT NULL")
	query := `SELECT username, COUNT(*) AS job_count FROM jobs` + w.String() + ` GROUP BY username ORDER BY job_count DESC, username LIMIT ` + w.arg(limit)
	out := []UserJobCount{}
	err := q.eachRow(ctx, query, w.args, func(scan func(...any) error) error {
		var u UserJobCount
		if err := scan(&u.User, &u.JobCount); err != nil {
			return err
		}
		out = append(out, u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("top users: %w", err)
	}
	return out, nil
}

type QueueStats struct {
	Queue               string  `json:"queue"`
	JobCount            int64   `json:"job_count"`
	TotalElapsedSeconds int64   `json:"total_elapsed_seconds"`
	AvgElapsedSeconds   float64 `json:"avg_elapsed_seconds"`
}

// QueueStatistics reports job counts and elapsed time per queue, busiest first.
func (q *JobQueries) QueueStatistics(ctx context.Context, win Window) ([]QueueStats, error) {
	var w where
	w.window(win)
	query := `SELECT COALESCE(queue, ''), COUNT(*) AS job_count, COALESCE(SUM(elapsed), 0)::bigint, COALESCE(AVG(elapsed), 0)::float8 FROM jobs` + w.String() + ` GROUP BY queue ORDER BY job_count DESC, 1`
	out := []QueueStats{}
	err := q.eachRow(ctx, query, w.args, func(scan func(...any) error) error {
		var s QueueStats
		if err := scan(&s.Queue, &s.JobCount, &s.TotalElapsedSeconds, &s.AvgElapsedSeconds); err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue statistics: %w", err)
	}
	return out, nil
}

func (q *JobQueries) DailySummaryByAccount(ctx context.Context, account string, win Window) ([]models.DailySummary, error) {
	return q.dailySummaries(ctx, "account", account, win)
}

func (q *JobQueries) DailySummaryByUser(ctx context.Context, user string, win Window) ([]models.DailySummary, error) {
	return q.dailySummaries(ctx, "username", user, win)
}

// dailySummaries reads the rollup table ordered by date.
func (q *JobQueries) dailySummaries(ctx context.Context, col, value string, win Window) ([]models.DailySummary, error) {
	var w where
	w.eq(col, value)
	w.dates("date", win)
	query := `SELECT date, username, account, queue, job_count, cpu_hours, gpu_hours, memory_hours, charge_hours FROM daily_summary` + w.String() + ` ORDER BY date, username, account, queue`
	out := []models.DailySummary{}
	err := q.eachRow(ctx, query, w.args, func(scan func(...any) error) error {
		var d models.DailySummary
		if err := scan(&d.Date, &d.User, &d.Account, &d.Queue, &d.JobCount, &d.CPUHours, &d.GPUHours, &d.MemoryHours, &d.ChargeHours); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("daily summary by %s: %w", col, err)
	}
	return out, nil
}
