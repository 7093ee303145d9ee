//go:build integration

package summary

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ncar-hpc/qhistdb/internal/charging"
	dbpkg "github.com/ncar-hpc/qhistdb/internal/db"
	"github.com/ncar-hpc/qhistdb/internal/machine"
	"github.com/ncar-hpc/qhistdb/internal/models"
)

func ptr[T any](v T) *T { return &v }

func TestRollupIdempotence(t *testing.T) {
	dsn := os.Getenv("QHIST_TEST_DB_URL")
	if dsn == "" {
		t.Skip("QHIST_TEST_DB_URL not set")
	}
	database, err := dbpkg.Connect(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rules, _ := charging.For(machine.Derecho)
	if err := database.EnsureChargedView(ctx, rules, charging.LiveView); err != nil {
		t.Fatalf("view: %v", err)
	}

	day := time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	end := day.Add(12 * time.Hour)
	if _, err := database.ExecContext(ctx, `DELETE FROM jobs WHERE job_id LIKE 'rollup-%'`); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := database.ExecContext(ctx, `DELETE FROM daily_summary WHERE date = $1`, day); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	jobs := []models.Job{
		{JobID: "rollup-1", Submit: &day, End: &end, User: ptr("alice"), Account: ptr("P1"), Queue: ptr("cpu"), Elapsed: ptr(int64(3600)), NumNodes: ptr(int64(1))},
		{JobID: "rollup-2", Submit: &day, End: &end, User: ptr("bob"), Account: ptr("P1"), Queue: ptr("cpu"), Elapsed: ptr(int64(3600)), NumNodes: ptr(int64(1))},
		{JobID: "rollup-3", Submit: &day, End: &end, Account: ptr("P1"), Queue: ptr("cpu")},
	}
	if _, err := models.NewStore(database.DB).InsertJobs(ctx, jobs); err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := &Rollup{DB: database.DB, Machine: machine.Derecho}
	count := func() int {
		var n int
		if err := database.QueryRowContext(ctx, `SELECT COUNT(*) FROM daily_summary WHERE date = $1`, day).Scan(&n); err != nil {
			t.Fatalf("count: %v", err)
		}
		return n
	}
	if _, err := r.GenerateDailySummary(ctx, day, false); err != nil {
		t.Fatalf("first: %v", err)
	}
	once := count()
	if once != 2 {
		t.Fatalf("expected 2 rows (null user excluded), got %d", once)
	}
	if _, err := r.GenerateDailySummary(ctx, day, false); err != nil {
		t.Fatalf("second: %v", err)
	}
	if _, err := r.GenerateDailySummary(ctx, day, true); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got := count(); got != once {
		t.Fatalf("expected %d rows after re-runs, got %d", once, got)
	}
}
