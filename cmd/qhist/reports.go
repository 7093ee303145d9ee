package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ncar-hpc/qhistdb/internal/api"
	"github.com/ncar-hpc/qhistdb/internal/export"
	"github.com/ncar-hpc/qhistdb/internal/machine"
	"github.com/ncar-hpc/qhistdb/internal/period"
	"github.com/ncar-hpc/qhistdb/internal/queries"
	"github.com/ncar-hpc/qhistdb/internal/ranges"
	"github.com/ncar-hpc/qhistdb/internal/report"
	"github.com/ncar-hpc/qhistdb/internal/resource"
)

// operation builds the named report from the shared arguments.
func (a *app) operation(name string) (report.Operation, report.Params, error) {
	p, err := a.args.Params()
	if err != nil {
		return nil, p, err
	}
	op, err := report.Build(name, p)
	return op, p, err
}

// runAll runs op on every selected machine. A single machine gives its own
// table; several give one table with a machine column.
func (a *app) runAll(ctx context.Context, op report.Operation) (*report.Table, error) {
	ms, err := a.selected()
	if err != nil {
		return nil, err
	}
	targets := make([]report.Target, 0, len(ms))
	for _, m := range ms {
		b, err := a.backend(ctx, m)
		if err != nil {
			return nil, err
		}
		defer b.DB.Close()
		targets = append(targets, report.Target{Machine: m, Queries: b.Queries})
	}
	if len(targets) == 1 {
		return op.Run(ctx, targets[0].Queries)
	}
	return report.RunMulti(ctx, targets, op)
}

// show prints t as a console table, or in format when one is given.
func show(cmd *cobra.Command, t *report.Table, format string) error {
	out := cmd.OutOrStdout()
	if format == "" {
		export.Print(out, t)
		return nil
	}
	e, err := export.ByName(format)
	if err != nil {
		return err
	}
	return e.Write(out, t)
}

func (a *app) printCmd(use, name, short string, format *string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			op, _, err := a.operation(name)
			if err != nil {
				return err
			}
			t, err := a.runAll(cmd.Context(), op)
			if err != nil {
				return err
			}
			return show(cmd, t, *format)
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Time series of usage and activity",
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&a.args.Period, "group-by", report.DefaultPeriod, "period: "+strings.Join(period.Names(), ", "))
	pf.StringVar(&format, "format", "", "output format instead of a table: "+strings.Join(export.Formats(), ", "))
	cmd.AddCommand(
		a.printCmd("usage", "history", "Users, jobs and charged hours per period", &format),
		a.printCmd("jobs-per-user", "jobs-per-user", "Jobs per user and account per period", &format),
		a.printCmd("unique-users", "unique-users", "Distinct users per period", &format),
		a.printCmd("unique-projects", "unique-projects", "Distinct accounts per period", &format),
	)
	return cmd
}

func (a *app) resourceCmd() *cobra.Command {
	var format, dir string
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Write resource usage reports to files",
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&a.args.Resource, "resource", report.DefaultResource, "resource type: "+strings.Join(resource.Types(), ", "))
	pf.StringVar(&a.args.Range, "range", report.DefaultRange, "range kind: "+strings.Join(ranges.Kinds(), ", "))
	pf.StringVar(&a.args.GroupBy, "group-by", report.DefaultGroupBy, "group usage by user or account")
	pf.StringVar(&a.args.Period, "period", report.DefaultPeriod, "period: "+strings.Join(period.Names(), ", "))
	pf.StringVar(&format, "format", "dat", "file format: "+strings.Join(export.Formats(), ", "))
	pf.StringVarP(&dir, "output-dir", "o", ".", "directory for report files")

	sub := func(name, short string) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				e, err := export.ByName(format)
				if err != nil {
					return err
				}
				op, p, err := a.operation(name)
				if err != nil {
					return err
				}
				win := report.DefaultWindow(p.Window, time.Now())
				ctx := cmd.Context()
				return a.each(ctx, func(m machine.Machine, b *api.Backend) error {
					t, err := op.Run(ctx, b.Queries)
					if err != nil {
						return fmt.Errorf("%s: %w", m, err)
					}
					path, err := export.WriteFile(dir, export.FileName(m, t, win, e.Ext()), t, format)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Report saved to %s\n", path)
					return nil
				})
			},
		}
	}
	cmd.AddCommand(
		sub("usage", "Charged hours and job counts per user or account"),
		sub("job-waits", "Average queue wait per job size range"),
		sub("job-sizes", "Jobs, users and hours per job size range"),
		sub("job-durations", "Charged hours per runtime bucket and period"),
		sub("memory-per-rank", "Charged hours per memory-per-rank bucket and period"),
	)
	return cmd
}

func (a *app) reportCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:       "report <name>",
		Short:     "Run any named report and print it",
		Long:      "Reports: " + strings.Join(report.Names(), ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: report.Names(),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, _, err := a.operation(args[0])
			if err != nil {
				return err
			}
			t, err := a.runAll(cmd.Context(), op)
			if err != nil {
				return err
			}
			return show(cmd, t, format)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&a.args.Resource, "resource", report.DefaultResource, "resource type: "+strings.Join(resource.Types(), ", "))
	fl.StringVar(&a.args.Range, "range", report.DefaultRange, "range kind: "+strings.Join(ranges.Kinds(), ", "))
	fl.StringVar(&a.args.GroupBy, "group-by", string(queries.ByUser), "group usage by user or account")
	fl.StringVar(&a.args.Period, "period", report.DefaultPeriod, "period: "+strings.Join(period.Names(), ", "))
	fl.StringVar(&a.args.Account, "account", "", "account for account-summary and daily-summary")
	fl.StringVar(&a.args.User, "user", "", "user for user-summary and daily-summary")
	fl.StringVar(&a.args.Limit, "limit", "", "row limit for top-users")
	fl.StringVar(&format, "format", "", "output format instead of a table: "+strings.Join(export.Formats(), ", "))
	return cmd
}
