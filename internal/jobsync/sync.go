// Package jobsync copies qhist records from a machine into its jobs table one
// day at a time and keeps the daily summary current.
package jobsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ncar-hpc/qhistdb/internal/ingest"
	"github.com/ncar-hpc/qhistdb/internal/machine"
	"github.com/ncar-hpc/qhistdb/internal/metrics"
	"github.com/ncar-hpc/qhistdb/internal/models"
	"github.com/ncar-hpc/qhistdb/internal/period"
	"github.com/ncar-hpc/qhistdb/internal/remote"
	"github.com/ncar-hpc/qhistdb/internal/summary"
	"github.com/ncar-hpc/qhistdb/internal/webhook"
)

type Options struct {
	// DryRun fetches and validates without writing anything.
	DryRun bool
	// BatchSize is the number of records per insert call.
	BatchSize int
	// Force re-fetches days that already have a daily summary.
	Force bool
	// GenerateSummary rebuilds the summary of each day that fetched rows.
	GenerateSummary bool
}

func DefaultOptions() Options {
	return Options{BatchSize: 1000, GenerateSummary: true}
}

// Stats tallies one sync run. Errors counts records rejected for a missing
// id or out-of-order timestamps.
type Stats struct {
	RunID          string   `json:"run_id"`
	Machine        string   `json:"machine"`
	Fetched        int      `json:"fetched"`
	Inserted       int64    `json:"inserted"`
	Errors         int      `json:"errors"`
	DaysFailed     int      `json:"days_failed"`
	FailedDays     []string `json:"failed_days"`
	DaysSkipped    int      `json:"days_skipped"`
	SkippedDays    []string `json:"skipped_days"`
	DaysSummarized int      `json:"days_summarized"`
}

type Syncer struct {
	Log     *slog.Logger
	Machine machine.Machine
	Fetcher remote.Fetcher
	Store   *models.Store
	Rollup  *summary.Rollup
	Hook    *webhook.Client
	// RefreshView, when set, runs before each day is summarized so a
	// materialized charged view sees the rows just inserted.
	RefreshView func(ctx context.Context) error
}

func (s *Syncer) log() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

// Sync processes every date in [start, end]. A day whose fetch fails is
// recorded and skipped; store errors abort the run.
func (s *Syncer) Sync(ctx context.Context, start, end time.Time, opts Options) (Stats, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	st := Stats{RunID: uuid.NewString(), Machine: s.Machine.String(), FailedDays: []string{}, SkippedDays: []string{}}
	log := s.log().With("run", st.RunID, "machine", s.Machine)

	summarized := map[time.Time]bool{}
	if !opts.Force && !opts.DryRun && s.Rollup != nil {
		var err error
		if summarized, err = s.Rollup.SummarizedDates(ctx); err != nil {
			return st, fmt.Errorf("summarized dates: %w", err)
		}
	}

	for _, day := range period.Days(start, end) {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		label := period.FormatDate(day)
		if summarized[day] {
			log.Debug("day already summarized", "date", label)
			st.DaysSkipped++
			st.SkippedDays = append(st.SkippedDays, label)
			metrics.IncSyncDay(st.Machine, "skipped")
			continue
		}

		jobs, err := s.Fetcher.Fetch(ctx, s.Machine, day, day)
		if err != nil {
			log.Warn("fetch failed", "date", label, "err", err)
			st.DaysFailed++
			st.FailedDays = append(st.FailedDays, label)
			metrics.IncSyncDay(st.Machine, "failed")
			continue
		}
		st.Fetched += len(jobs)
		valid, rejected := ingest.Split(jobs)
		st.Errors += rejected
		metrics.AddSyncJobs(st.Machine, "rejected", rejected)

		var inserted int64
		if !opts.DryRun {
			for i := 0; i < len(valid); i += opts.BatchSize {
				n, err := s.Store.InsertJobs(ctx, valid[i:min(i+opts.BatchSize, len(valid))])
				if err != nil {
					return st, fmt.Errorf("sync %s: %w", label, err)
				}
				inserted += n
			}
		}
		st.Inserted += inserted
		metrics.AddSyncJobs(st.Machine, "inserted", int(inserted))
		metrics.AddSyncJobs(st.Machine, "duplicate", len(valid)-int(inserted))
		metrics.IncSyncDay(st.Machine, "fetched")
		log.Info("day synced", "date", label, "fetched", len(jobs), "inserted", inserted, "rejected", rejected)

		if opts.GenerateSummary && !opts.DryRun && len(jobs) > 0 && s.Rollup != nil {
			if s.RefreshView != nil {
				if err := s.RefreshView(ctx); err != nil {
					return st, fmt.Errorf("refresh charged view: %w", err)
				}
			}
			if _, err := s.Rollup.GenerateDailySummary(ctx, day, true); err != nil {
				return st, fmt.Errorf("summarize %s: %w", label, err)
			}
			st.DaysSummarized++
		}
	}

	log.Info("sync finished", "fetched", st.Fetched, "inserted", st.Inserted, "errors", st.Errors,
		"failed_days", st.DaysFailed, "skipped_days", st.DaysSkipped, "summarized", st.DaysSummarized)
	if !opts.DryRun {
		if err := s.Hook.Send(ctx, webhook.EventSyncCompleted, st); err != nil {
			log.Warn("webhook failed", "err", err)
		}
	}
	return st, nil
}
