package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ncar-hpc/qhistdb/internal/api"
	"github.com/ncar-hpc/qhistdb/internal/charging"
	"github.com/ncar-hpc/qhistdb/internal/jobsync"
	"github.com/ncar-hpc/qhistdb/internal/machine"
	"github.com/ncar-hpc/qhistdb/internal/models"
	"github.com/ncar-hpc/qhistdb/internal/period"
	"github.com/ncar-hpc/qhistdb/internal/remote"
	"github.com/ncar-hpc/qhistdb/internal/report"
	"github.com/ncar-hpc/qhistdb/internal/webhook"
)

func (a *app) fetcher() (remote.Fetcher, error) {
	hosts := remote.Hosts{}
	for _, m := range machine.All() {
		if h := a.cfg.SSHHost(m); h != "" {
			hosts[m] = h
		}
	}
	timeout := time.Duration(a.cfg.SSH.TimeoutSec) * time.Second
	if a.cfg.SSH.KeyFile == "" {
		f := remote.NewExecFetcher(hosts, a.log)
		f.Timeout = timeout
		return f, nil
	}
	return remote.NewSSHFetcher(hosts, remote.SSHConfig{
		User:           a.cfg.SSH.User,
		KeyFile:        a.cfg.SSH.KeyFile,
		KnownHostsFile: a.cfg.SSH.KnownHostsFile,
		Timeout:        timeout,
	}, a.log)
}

// window returns the --start-date/--end-date range, defaulting to
// yesterday when neither is given.
func (a *app) window() (time.Time, time.Time, error) {
	p, err := report.Args{Start: a.args.Start, End: a.args.End}.Params()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	yesterday := period.Midnight(time.Now()).AddDate(0, 0, -1)
	w := report.DefaultWindow(p.Window, yesterday)
	if w.End.Before(w.Start) {
		w.End = w.Start
	}
	return w.Start, w.End, nil
}

func (a *app) syncCmd() *cobra.Command {
	opts := jobsync.DefaultOptions()
	var noSummary bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch job records with qhist, one day at a time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, end, err := a.window()
			if err != nil {
				return err
			}
			f, err := a.fetcher()
			if err != nil {
				return err
			}
			opts.GenerateSummary = !noSummary
			hook := &webhook.Client{URL: a.cfg.HookURL, Secret: []byte(a.cfg.HookSecret)}
			ctx := cmd.Context()
			return a.each(ctx, func(m machine.Machine, b *api.Backend) error {
				store := models.NewStore(b.DB.DB)
				s := &jobsync.Syncer{
					Log:     a.log.With("machine", m.String()),
					Machine: m,
					Fetcher: f,
					Store:   store,
					Rollup:  b.Rollup,
					Hook:    hook,
				}
				if b.View == charging.MaterializedView {
					s.RefreshView = func(ctx context.Context) error { return b.DB.RefreshChargedView(ctx, b.View) }
				}
				st, err := s.Sync(ctx, start, end, opts)
				if err != nil {
					return err
				}
				stored, err := store.CountJobs(ctx, start, end.AddDate(0, 0, 1))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: fetched %d, inserted %d, errors %d, days failed %d %v, days skipped %d, days summarized %d, stored in range %d\n",
					m, st.Fetched, st.Inserted, st.Errors, st.DaysFailed, st.FailedDays, st.DaysSkipped, st.DaysSummarized, stored)
				return nil
			})
		},
	}
	fl := cmd.Flags()
	fl.BoolVar(&opts.DryRun, "dry-run", false, "fetch and validate without writing")
	fl.IntVar(&opts.BatchSize, "batch-size", opts.BatchSize, "records per insert")
	fl.BoolVar(&opts.Force, "force", false, "re-fetch days that are already summarized")
	fl.BoolVar(&noSummary, "no-summary", false, "do not rebuild daily summaries")
	return cmd
}

func (a *app) summarizeCmd() *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Build daily summaries from the charged view",
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, end, err := a.window()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return a.each(ctx, func(m machine.Machine, b *api.Backend) error {
				st, err := b.Summarize(ctx, start, end, replace)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows, %d days processed, %d days skipped\n", m, st.TotalRows, st.DaysProcessed, st.DaysSkipped)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "rebuild days that are already summarized")
	return cmd
}
