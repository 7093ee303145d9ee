package report

import (
	"context"
	"fmt"

	"github.com/ncar-hpc/qhistdb/internal/errs"
	"github.com/ncar-hpc/qhistdb/internal/models"
	"github.com/ncar-hpc/qhistdb/internal/period"
	"github.com/ncar-hpc/qhistdb/internal/queries"
	"github.com/ncar-hpc/qhistdb/internal/ranges"
	"github.com/ncar-hpc/qhistdb/internal/resource"
)

// Operation is one report that can run against a single machine's queries.
type Operation interface {
	Name() string
	Run(ctx context.Context, q *queries.JobQueries) (*Table, error)
}

type Usage struct {
	Resource resource.Type
	GroupBy  queries.GroupBy
	Window   queries.Window
}

func (o Usage) Name() string { return fmt.Sprintf("%s_usage_by_%s", o.Resource, o.GroupBy) }

func (o Usage) Run(ctx context.Context, q *queries.JobQueries) (*Table, error) {
	data, err := q.UsageByGroup(ctx, o.Resource, o.GroupBy, o.Window)
	if err != nil {
		return nil, err
	}
	header := "User"
	if o.GroupBy == queries.ByAccount {
		header = "Account"
	}
	t := &Table{Name: o.Name(), Columns: []Column{
		col("label", header, 20, ""),
		col("usage_hours", "Usage-hrs", 16, "%.1f"),
		col("job_count", "#-Jobs", 0, ""),
	}}
	for _, d := range data {
		t.Rows = append(t.Rows, Row{"label": d.Label, "usage_hours": d.UsageHours, "job_count": d.JobCount})
	}
	return t, nil
}

func rangeHeader(k ranges.Kind) string {
	switch k {
	case ranges.GPU:
		return "GPUs"
	case ranges.Node:
		return "Nodes"
	case ranges.Core:
		return "Cores"
	default:
		return "Memory-GB"
	}
}

type JobWaits struct {
	Resource resource.Type
	Range    ranges.Kind
	Window   queries.Window
}

func (o JobWaits) Name() string { return fmt.Sprintf("%s_by%s_job_waits", o.Resource, o.Range) }

func (o JobWaits) Run(ctx context.Context, q *queries.JobQueries) (*Table, error) {
	data, err := q.JobWaitsByResource(ctx, o.Resource, o.Range, o.Window)
	if err != nil {
		return nil, err
	}
	t := &Table{Name: o.Name(), Columns: []Column{
		col("range_label", rangeHeader(o.Range), 20, ""),
		col("avg_wait_hours", "AveWait-hrs", 12, "%.4f"),
		col("job_count", "#-Jobs", 0, ""),
	}}
	for _, d := range data {
		t.Rows = append(t.Rows, Row{"range_label": d.RangeLabel, "avg_wait_hours": d.AvgWaitHours, "job_count": d.JobCount})
	}
	return t, nil
}

type JobSizes struct {
	Resource resource.Type
	Range    ranges.Kind
	Window   queries.Window
}

func (o JobSizes) Name() string { return fmt.Sprintf("%s_by%s_job_sizes", o.Resource, o.Range) }

func (o JobSizes) Run(ctx context.Context, q *queries.JobQueries) (*Table, error) {
	data, err := q.JobSizesByResource(ctx, o.Resource, o.Range, o.Window)
	if err != nil {
		return nil, err
	}
	t := &Table{Name: o.Name(), Columns: []Column{
		col("range_label", rangeHeader(o.Range), 20, ""),
		col("job_count", "#-Jobs", 12, ""),
		col("user_count", "#-Users", 12, ""),
		col("hours", "Cr-hrs", 0, "%.1f"),
	}}
	for _, d := range data {
		t.Rows = append(t.Rows, Row{"range_label": d.RangeLabel, "job_count": d.JobCount, "user_count": d.UserCount, "hours": d.Hours})
	}
	return t, nil
}

// bucketTable pivots per-period bucket sums into one column per bucket label.
func bucketTable(name string, labels []string, data []queries.PeriodBuckets) *Table {
	t := &Table{Name: name, Columns: []Column{col("date", "Date", 20, "")}}
	for i, l := range labels {
		width := 12
		if i == len(labels)-1 {
			width = 0
		}
		t.Columns = append(t.Columns, col(l, l, width, "%.1f"))
	}
	for _, d := range data {
		r := Row{"date": d.Date}
		for i, l := range labels {
			r[l] = d.Buckets[i]
		}
		t.Rows = append(t.Rows, r)
	}
	return t
}

type JobDurations struct {
	Resource resource.Type
	Window   queries.Window
	Period   period.Granularity
}

func (o JobDurations) Name() string { return fmt.Sprintf("%s_job_durations", o.Resource) }

func (o JobDurations) Run(ctx context.Context, q *queries.JobQueries) (*Table, error) {
	data, err := q.JobDurations(ctx, o.Resource, o.Window, o.Period)
	if err != nil {
		return nil, err
	}
	return bucketTable(o.Name(), ranges.Durations.Labels(), data), nil
}

type MemoryPerRank struct {
	Resource resource.Type
	Window   queries.Window
	Period   period.Granularity
}

func (o MemoryPerRank) Name() string { return fmt.Sprintf("%s_memory_per_rank", o.Resource) }

func (o MemoryPerRank) Run(ctx context.Context, q *queries.JobQueries) (*Table, error) {
	data, err := q.JobMemoryPerRank(ctx, o.Resource, o.Window, o.Period)
	if err != nil {
		return nil, err
	}
	return bucketTable(o.Name(), ranges.MemoryPerRank.Labels(), data), nil
}

type History struct {
	Window queries.Window
	Period period.Granularity
}

func (o History) Name() string { return "usage_history" }

func (o History) Run(ctx context.Context, q *queries.JobQueries) (*Table, error) {
	data, err := q.UsageHistory(ctx, o.Window, o.Period)
	if err != nil {
		return nil, err
	}
	t := &Table{Name: o.Name(), Columns: []Column{
		col("period", "Period", 12, ""),
		col("total_users", "#-Users", 10, ""),
		col("total_projects", "#-Proj", 10, ""),
		col("cpu_users", "CPU-Users", 10, ""),
		col("cpu_projects", "CPU-Proj", 10, ""),
		col("cpu_jobs", "CPU-Jobs", 12, ""),
		col("cpu_hours", "CPU-hrs", 16, "%.1f"),
		col("gpu_users", "GPU-Users", 10, ""),
		col("gpu_projects", "GPU-Proj", 10, ""),
		col("gpu_jobs", "GPU-Jobs", 12, ""),
		col("gpu_hours", "GPU-hrs", 0, "%.1f"),
	}}
	for _, d := range data {
		t.Rows = append(t.Rows, Row{
			"period": d.Period, "total_users": d.TotalUsers, "total_projects": d.TotalProjects,
			"cpu_users": d.CPUUsers, "cpu_projects": d.CPUProjects, "cpu_jobs": d.CPUJobs, "cpu_hours": d.CPUHours,
			"gpu_users": d.GPUUsers, "gpu_projects": d.GPUProjects, "gpu_jobs": d.GPUJobs, "gpu_hours": d.GPUHours,
		})
	}
	return t, nil
}

type JobsPerUser struct {
	Window queries.Window
	Period period.Granularity
}

func (o JobsPerUser) Name() string { return "jobs_per_user" }

func (o JobsPerUser) Run(ctx context.Context, q *queries.JobQueries) (*Table, error) {
	data, err := q.JobsPerUserAccountByPeriod(ctx, o.Window, o.Period)
	if err != nil {
		return nil, err
	}
	t := &Table{Name: o.Name(), Columns: []Column{
		col("period", "Period", 12, ""),
		col("user", "User", 16, ""),
		col("account", "Account", 16, ""),
		col("job_count", "Job Count", 0, ""),
	}}
	for _, d := range data {
		t.Rows = append(t.Rows, Row{"period": d.Period, "user": d.User, "account": d.Account, "job_count": d.JobCount})
	}
	return t, nil
}

type UniqueUsers struct {
	Window queries.Window
	Period period.Granularity
}

func (o UniqueUsers) Name() string { return "unique_users" }

func (o UniqueUsers) Run(ctx context.Context, q *queries.JobQueries) (*Table, error) {
	data, err := q.UniqueUsersByPeriod(ctx, o.Window, o.Period)
	if err != nil {
		return nil, err
	}
	return periodCounts(o.Name(), "user_count", "Unique Users", data), nil
}

type UniqueProjects struct {
	Window queries.Window
	Period period.Granularity
}

func (o UniqueProjects) Name() string { return "unique_projects" }

func (o UniqueProjects) Run(ctx context.Context, q *queries.JobQueries) (*Table, error) {
	data, err := q.UniqueProjectsByPeriod(ctx, o.Window, o.Period)
	if err != nil {
		return nil, err
	}
	return periodCounts(o.Name(), "project_count", "Unique Projects", data), nil
}

func periodCounts(name, key, header string, data []queries.PeriodCount) *Table {
	t := &Table{Name: name, Columns: []Column{col("period", "Period", 12, ""), col(key, header, 0, "")}}
	for _, d := range data {
		t.Rows = append(t.Rows, Row{"period": d.Period, key: d.Count})
	}
	return t
}

type TopUsers struct {
	Window queries.Window
	Limit  int
}

func (o TopUsers) Name() string { return "top_users" }

func (o TopUsers) Run(ctx context.Context, q *queries.JobQueries) (*Table, error) {
	data, err := q.TopUsersByJobs(ctx, o.Window, o.Limit)
	if err != nil {
		return nil, err
	}
	t := &Table{Name: o.Name(), Columns: []Column{col("user", "User", 20, ""), col("job_count", "#-Jobs", 0, "")}}
	for _, d := range data {
		t.Rows = append(t.Rows, Row{"user": d.User, "job_count": d.JobCount})
	}
	return t, nil
}

type QueueStats struct {
	Window queries.Window
}

func (o QueueStats) Name() string { return "queue_statistics" }

func (o QueueStats) Run(ctx context.Context, q *queries.JobQueries) (*Table, error) {
	data, err := q.QueueStatistics(ctx, o.Window)
	if err != nil {
		return nil, err
	}
	t := &Table{Name: o.Name(), Columns: []Column{
		col("queue", "Queue", 20, ""),
		col("job_count", "#-Jobs", 12, ""),
		col("total_elapsed_seconds", "Elapsed-s", 16, ""),
		col("avg_elapsed_seconds", "AveElapsed-s", 0, "%.1f"),
	}}
	for _, d := range data {
		t.Rows = append(t.Rows, Row{"queue": d.Queue, "job_count": d.JobCount, "total_elapsed_seconds": d.TotalElapsedSeconds, "avg_elapsed_seconds": d.AvgElapsedSeconds})
	}
	return t, nil
}

// AccountSummary and UserSummary render a summary as a single row.
type AccountSummary struct {
	Account string
	Window  queries.Window
}

func (o AccountSummary) Name() string { return "account_summary" }

func (o AccountSummary) Run(ctx context.Context, q *queries.JobQueries) (*Table, error) {
	s, err := q.UsageSummary(ctx, o.Account, o.Window)
	if err != nil {
		return nil, err
	}
	return summaryTable(o.Name(), "account", o.Account, "users", s.Users, s), nil
}

type UserSummary struct {
	User   string
	Window queries.Window
}

func (o UserSummary) Name() string { return "user_summary" }

func (o UserSummary) Run(ctx context.Context, q *queries.JobQueries) (*Table, error) {
	s, err := q.UserSummary(ctx, o.User, o.Window)
	if err != nil {
		return nil, err
	}
	return summaryTable(o.Name(), "user", o.User, "accounts", s.Accounts, s), nil
}

func summaryTable(name, subjectKey, subject, membersKey string, members []string, s *queries.Summary) *Table {
	t := &Table{Name: name, Columns: []Column{
		col(subjectKey, subjectKey, 16, ""),
		col("job_count", "#-Jobs", 10, ""),
		col("total_elapsed_seconds", "Elapsed-s", 14, ""),
		col("total_cpu_hours", "CPU-hrs", 14, "%.1f"),
		col("total_gpu_hours", "GPU-hrs", 14, "%.1f"),
		col("total_memory_hours", "Mem-hrs", 14, "%.1f"),
		col(membersKey, membersKey, 30, ""),
		col("queues", "queues", 0, ""),
	}}
	t.Rows = []Row{{
		subjectKey: subject, "job_count": s.JobCount, "total_elapsed_seconds": s.TotalElapsedSeconds,
		"total_cpu_hours": s.TotalCPUHours, "total_gpu_hours": s.TotalGPUHours, "total_memory_hours": s.TotalMemoryHours,
		membersKey: joined(members), "queues": joined(s.Queues),
	}}
	return t
}

// DailySummary lists rollup rows for one account or user.
type DailySummary struct {
	Account string
	User    string
	Window  queries.Window
}

func (o DailySummary) Name() string { return "daily_summary" }

func (o DailySummary) Run(ctx context.Context, q *queries.JobQueries) (*Table, error) {
	var (
		data []models.DailySummary
		err  error
	)
	switch {
	case o.Account != "":
		data, err = q.DailySummaryByAccount(ctx, o.Account, o.Window)
	case o.User != "":
		data, err = q.DailySummaryByUser(ctx, o.User, o.Window)
	default:
		return nil, fmt.Errorf("%w: daily summary needs an account or a user", errs.ErrInvalidParameter)
	}
	if err != nil {
		return nil, err
	}
	t := &Table{Name: o.Name(), Columns: []Column{
		col("date", "Date", 12, ""),
		col("user", "User", 16, ""),
		col("account", "Account", 16, ""),
		col("queue", "Queue", 12, ""),
		col("job_count", "#-Jobs", 10, ""),
		col("cpu_hours", "CPU-hrs", 14, "%.1f"),
		col("gpu_hours", "GPU-hrs", 14, "%.1f"),
		col("memory_hours", "Mem-hrs", 14, "%.1f"),
		col("charge_hours", "Charge-hrs", 0, "%.1f"),
	}}
	for _, d := range data {
		t.Rows = append(t.Rows, Row{
			"date": period.FormatDate(d.Date), "user": d.User, "account": d.Account, "queue": d.Queue,
			"job_count": d.JobCount, "cpu_hours": d.CPUHours, "gpu_hours": d.GPUHours,
			"memory_hours": d.MemoryHours, "charge_hours": d.ChargeHours,
		})
	}
	return t, nil
}
