package queries

import (
	"context"
	"errors"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ncar-hpc/qhistdb/internal/errs"
	"github.com/ncar-hpc/qhistdb/internal/machine"
	"github.com/ncar-hpc/qhistdb/internal/period"
	"github.com/ncar-hpc/qhistdb/internal/ranges"
	"github.com/ncar-hpc/qhistdb/internal/resource"
)

func newMock(t *testing.T, m machine.Machine) (*JobQueries, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("expectations: %v", err)
		}
		db.Close()
	})
	return New(db, m), mock
}

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func TestWindowBounds(t *testing.T) {
	from, to := Between(day(2024, 1, 1), time.Date(2024, 1, 5, 13, 0, 0, 0, time.UTC)).Bounds()
	if !from.Equal(day(2024, 1, 1)) || !to.Equal(day(2024, 1, 6)) {
		t.Fatalf("bounds %v %v", from, to)
	}
	from, to = Window{}.Bounds()
	if !from.IsZero() || !to.IsZero() {
		t.Fatal("expected open window")
	}
}

func TestWhereBuilder(t *testing.T) {
	var w where
	w.eq("account", "X")
	w.in("queue", []string{"cpu", "cpudev"})
	w.window(Between(day(2024, 1, 1), day(2024, 1, 1)))
	want := " WHERE account = $1 AND queue IN ($2, $3) AND end_time >= $4 AND end_time < $5"
	if got := w.String(); got != want {
		t.Fatalf("got %q", got)
	}
	if len(w.args) != 5 || w.args[4] != day(2024, 1, 2) {
		t.Fatalf("args %v", w.args)
	}
	var empty where
	empty.in("queue", nil)
	if empty.String() != " WHERE FALSE" {
		t.Fatalf("got %q", empty.String())
	}
}

// Three jobs for one account: totals add up and member lists come back
// sorted and de-duplicated.
func TestUsageSummaryEndToEnd(t *testing.T) {
	q, mock := newMock(t, machine.Derecho)
	win := Between(day(2024, 3, 1), day(2024, 3, 5))
	rows := sqlmock.NewRows([]string{"username", "queue", "elapsed", "cpu_hours", "gpu_hours", "memory_hours"}).
		AddRow("zoe", "cpu", 3600, 128.0, 0.0, 1.0).
		AddRow("adam", "cpu", 14400, 512.0, 0.0, 2.0).
		AddRow("zoe", "cpudev", 3600, 16.0, 0.0, 0.0)
	mock.ExpectQuery(regexp.QuoteMeta("FROM v_jobs_charged WHERE account = $1 AND end_time >= $2 AND end_time < $3")).
		WithArgs("X", day(2024, 3, 1), day(2024, 3, 6)).
		WillReturnRows(rows)

	s, err := q.UsageSummary(context.Background(), "X", win)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s.JobCount != 3 || s.TotalCPUHours != 656 || s.TotalGPUHours != 0 || s.TotalElapsedSeconds != 21600 {
		t.Fatalf("totals %+v", s)
	}
	if !reflect.DeepEqual(s.Users, []string{"adam", "zoe"}) || !reflect.DeepEqual(s.Queues, []string{"cpu", "cpudev"}) {
		t.Fatalf("members %v %v", s.Users, s.Queues)
	}
}

func TestUserSummaryEmpty(t *testing.T) {
	q, mock := newMock(t, machine.Casper)
	mock.ExpectQuery("FROM v_jobs_charged WHERE username").
		WillReturnRows(sqlmock.NewRows([]string{"account", "queue", "elapsed", "cpu_hours", "gpu_hours", "memory_hours"}))
	s, err := q.UserSummary(context.Background(), "nobody", Window{})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s.JobCount != 0 || s.Accounts == nil || len(s.Accounts) != 0 || s.Queues == nil || len(s.Queues) != 0 {
		t.Fatalf("expected zeroed summary, got %+v", s)
	}
}

func TestUsageByGroup(t *testing.T) {
	q, mock := newMock(t, machine.Derecho)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT account AS label, COALESCE(SUM((COALESCE(cpu_hours, 0) + COALESCE(gpu_hours, 0))), 0)::float8")).
		WithArgs("cpu", "cpudev", "gpu", "gpudev", "pgpu").
		WillReturnRows(sqlmock.NewRows([]string{"label", "usage_hours", "job_count"}).
			AddRow("P2", 10.5, 3).
			AddRow("P1", 2.0, 7))
	got, err := q.UsageByGroup(context.Background(), resource.All, ByAccount, Window{})
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	want := []GroupUsage{{"P2", 10.5, 3}, {"P1", 2, 7}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v", got)
	}
}

func TestUsageByGroupNoRows(t *testing.T) {
	q, mock := newMock(t, machine.Casper)
	mock.ExpectQuery("GROUP BY username").WillReturnRows(sqlmock.NewRows([]string{"label", "usage_hours", "job_count"}))
	got, err := q.UsageByGroup(context.Background(), resource.GPU, ByUser, Window{})
	if err != nil || got == nil || len(got) != 0 {
		t.Fatalf("expected empty slice, got %v %v", got, err)
	}
}

func TestInvalidResourceType(t *testing.T) {
	q, _ := newMock(t, machine.Derecho)
	_, err := q.UsageByGroup(context.Background(), resource.Type("tpu"), ByUser, Window{})
	if !errors.Is(err, errs.ErrInvalidParameter) || !strings.Contains(err.Error(), "tpu") {
		t.Fatalf("expected invalid parameter naming value, got %v", err)
	}
	if _, err := ParseGroupBy("queue"); !errors.Is(err, errs.ErrInvalidParameter) {
		t.Fatalf("expected invalid group by, got %v", err)
	}
}

func TestJobWaitsByResourceUsesNaturalOrder(t *testing.T) {
	q, mock := newMock(t, machine.Derecho)
	part := ranges.For(ranges.Node)
	mock.ExpectQuery(regexp.QuoteMeta(part.CaseSQL("COALESCE(numnodes, 0)"))+".*"+
		regexp.QuoteMeta("start_time IS NOT NULL AND eligible_time IS NOT NULL) b GROUP BY bucket ORDER BY "+part.OrderSQL("bucket"))).
		WithArgs("cpu", "cpudev").
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "avg", "count"}).
			AddRow("2", 0.25, 4).
			AddRow("9-16", 1.5, 2).
			AddRow("129-256", 3.0, 1))
	got, err := q.JobWaitsByResource(context.Background(), resource.CPU, ranges.Node, Window{})
	if err != nil {
		t.Fatalf("waits: %v", err)
	}
	if len(got) != 3 || got[1].RangeLabel != "9-16" || got[2].AvgWaitHours != 3 {
		t.Fatalf("got %+v", got)
	}
}

func TestJobSizesByMemory(t *testing.T) {
	q, mock := newMock(t, machine.Casper)
	mock.ExpectQuery(regexp.QuoteMeta("CASE WHEN COALESCE(reqmem, 0) / 1073741824.0 <= 10 THEN '1-10'")).
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "jobs", "users", "hours"}).
			AddRow("1-10", 5, 2, 7.5).
			AddRow(">1000", 1, 1, 100.0))
	got, err := q.JobSizesByResource(context.Background(), resource.GPU, ranges.Memory, Window{})
	if err != nil {
		t.Fatalf("sizes: %v", err)
	}
	want := []SizeBucket{{"1-10", 5, 2, 7.5}, {">1000", 1, 1, 100}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v", got)
	}
}

func TestJobDurationsPivot(t *testing.T) {
	q, mock := newMock(t, machine.Derecho)
	mock.ExpectQuery(regexp.QuoteMeta(ranges.Durations.IndexSQL("COALESCE(elapsed, 0)"))).
		WillReturnRows(sqlmock.NewRows([]string{"period", "bucket", "hours"}).
			AddRow("2024-01", 0, 1.5).
			AddRow("2024-01", 6, 2.0).
			AddRow("2024-02", 3, 4.0))
	got, err := q.JobDurations(context.Background(), resource.CPU, Window{}, period.Month)
	if err != nil {
		t.Fatalf("durations: %v", err)
	}
	want := []PeriodBuckets{
		{Date: "2024-01", Buckets: []float64{1.5, 0, 0, 0, 0, 0, 2}},
		{Date: "2024-02", Buckets: []float64{0, 0, 0, 4, 0, 0, 0}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v", got)
	}
}

func TestJobMemoryPerRankExcludesUndefinedRatios(t *testing.T) {
	q, mock := newMock(t, machine.Derecho)
	mock.ExpectQuery(regexp.QuoteMeta("memory IS NOT NULL AND mpiprocs > 0 AND ompthreads > 0 AND numnodes > 0")).
		WillReturnRows(sqlmock.NewRows([]string{"period", "bucket", "hours"}).AddRow("2024-Q1", 12, 9.0))
	got, err := q.JobMemoryPerRank(context.Background(), resource.GPU, Window{}, period.Quarter)
	if err != nil {
		t.Fatalf("memory per rank: %v", err)
	}
	if len(got) != 1 || len(got[0].Buckets) != 13 || got[0].Buckets[12] != 9 {
		t.Fatalf("got %+v", got)
	}
}

func TestUsageHistoryOuterJoinsPeriods(t *testing.T) {
	q, mock := newMock(t, machine.Derecho)
	mock.ExpectQuery(regexp.QuoteMeta("COUNT(DISTINCT username) FROM v_jobs_charged")).
		WillReturnRows(sqlmock.NewRows([]string{"period", "n"}).AddRow("2024-01", 3).AddRow("2024-02", 1))
	mock.ExpectQuery(regexp.QuoteMeta("COUNT(DISTINCT account) FROM v_jobs_charged")).
		WillReturnRows(sqlmock.NewRows([]string{"period", "n"}).AddRow("2024-01", 2).AddRow("2024-02", 1))
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(COALESCE(cpu_hours, 0)), 0)::float8")).
		WithArgs("cpu", "cpudev").
		WillReturnRows(sqlmock.NewRows([]string{"period", "u", "p", "j", "h"}).AddRow("2024-01", 2, 1, 10, 100.0))
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(COALESCE(gpu_hours, 0)), 0)::float8")).
		WithArgs("gpu", "gpudev", "pgpu").
		WillReturnRows(sqlmock.NewRows([]string{"period", "u", "p", "j", "h"}).AddRow("2024-02", 1, 1, 4, 8.0))

	got, err := q.UsageHistory(context.Background(), Window{}, period.Month)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	want := []HistoryRow{
		{Period: "2024-01", TotalUsers: 3, TotalProjects: 2, CPUUsers: 2, CPUProjects: 1, CPUJobs: 10, CPUHours: 100},
		{Period: "2024-02", TotalUsers: 1, TotalProjects: 1, GPUUsers: 1, GPUProjects: 1, GPUJobs: 4, GPUHours: 8},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v", got)
	}
}

func TestUniqueUsersByQuarterFoldsMonths(t *testing.T) {
	q, mock := newMock(t, machine.Casper)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT to_char(end_time AT TIME ZONE 'UTC', 'YYYY-MM') AS period, username FROM jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"period", "username"}).
			AddRow("2025-01", "alice").
			AddRow("2025-02", "alice").
			AddRow("2025-02", "bob"))
	got, err := q.UniqueUsersByPeriod(context.Background(), Window{}, period.Quarter)
	if err != nil {
		t.Fatalf("unique users: %v", err)
	}
	if !reflect.DeepEqual(got, []PeriodCount{{"2025-Q1", 2}}) {
		t.Fatalf("got %+v", got)
	}
}

func TestUniqueProjectsByMonth(t *testing.T) {
	q, mock := newMock(t, machine.Casper)
	mock.ExpectQuery(regexp.QuoteMeta("COUNT(DISTINCT account) FROM jobs")).
		WillReturnRows(sqlmock.NewRows([]string{"period", "n"}).AddRow("2025-01", 4))
	got, err := q.UniqueProjectsByPeriod(context.Background(), Window{}, period.Month)
	if err != nil || !reflect.DeepEqual(got, []PeriodCount{{"2025-01", 4}}) {
		t.Fatalf("got %+v %v", got, err)
	}
}

func TestJobsPerUserAccountByQuarter(t *testing.T) {
	q, mock := newMock(t, machine.Derecho)
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY period, username, account")).
		WillReturnRows(sqlmock.NewRows([]string{"period", "username", "account", "n"}).
			AddRow("2025-01", "alice", "P1", 10).
			AddRow("2025-02", "alice", "P1", 15).
			AddRow("2025-03", "alice", "P1", 20).
			AddRow("2025-04", "alice", "P1", 5))
	got, err := q.JobsPerUserAccountByPeriod(context.Background(), Window{}, period.Quarter)
	if err != nil {
		t.Fatalf("jobs per user: %v", err)
	}
	want := []UserAccountJobs{{"2025-Q1", "alice", "P1", 45}, {"2025-Q2", "alice", "P1", 5}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v", got)
	}
}

func TestTopUsersByJobsPassesLimit(t *testing.T) {
	q, mock := newMock(t, machine.Derecho)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY job_count DESC, username LIMIT $3")).
		WithArgs(day(2024, 1, 1), day(2024, 2, 1), 5).
		WillReturnRows(sqlmock.NewRows([]string{"username", "job_count"}).AddRow("alice", 9))
	got, err := q.TopUsersByJobs(context.Background(), Between(day(2024, 1, 1), day(2024, 1, 31)), 5)
	if err != nil || !reflect.DeepEqual(got, []UserJobCount{{"alice", 9}}) {
		t.Fatalf("got %+v %v", got, err)
	}
}

func TestQueueStatistics(t *testing.T) {
	q, mock := newMock(t, machine.Derecho)
	mock.ExpectQuery("GROUP BY queue").
		WillReturnRows(sqlmock.NewRows([]string{"queue", "job_count", "total", "avg"}).AddRow("cpu", 2, 7200, 3600.0))
	got, err := q.QueueStatistics(context.Background(), Window{})
	if err != nil || !reflect.DeepEqual(got, []QueueStats{{"cpu", 2, 7200, 3600}}) {
		t.Fatalf("got %+v %v", got, err)
	}
}

func TestJobsByUserFilters(t *testing.T) {
	q, mock := newMock(t, machine.Derecho)
	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE username = $1 AND status = $2 AND queue = $3 ORDER BY end_time DESC")).
		WithArgs("alice", "F", "cpu").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))
	got, err := q.JobsByUser(context.Background(), "alice", Window{}, JobFilter{Status: "F", Queue: "cpu"})
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v %v", got, err)
	}
}

func TestDailySummaryByAccount(t *testing.T) {
	q, mock := newMock(t, machine.Derecho)
	mock.ExpectQuery(regexp.QuoteMeta("FROM daily_summary WHERE account = $1 AND date >= $2 AND date <= $3 ORDER BY date")).
		WithArgs("P1", day(2024, 1, 1), day(2024, 1, 2)).
		WillReturnRows(sqlmock.NewRows([]string{"date", "username", "account", "queue", "job_count", "cpu", "gpu", "mem", "charge"}).
			AddRow(day(2024, 1, 1), "alice", "P1", "cpu", 3, 10.0, 0.0, 1.0, 10.0))
	got, err := q.DailySummaryByAccount(context.Background(), "P1", Between(day(2024, 1, 1), day(2024, 1, 2)))
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if len(got) != 1 || got[0].User != "alice" || got[0].ChargeHours != 10 {
		t.Fatalf("got %+v", got)
	}
}
