// Command qhist syncs PBS job history from the HPC machines into PostgreSQL
// and produces usage reports from it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ncar-hpc/qhistdb/internal/api"
	"github.com/ncar-hpc/qhistdb/internal/charging"
	"github.com/ncar-hpc/qhistdb/internal/config"
	"github.com/ncar-hpc/qhistdb/internal/db"
	"github.com/ncar-hpc/qhistdb/internal/logging"
	"github.com/ncar-hpc/qhistdb/internal/machine"
	"github.com/ncar-hpc/qhistdb/internal/report"
	"github.com/ncar-hpc/qhistdb/internal/version"
)

// app carries what every subcommand shares.
type app struct {
	log      *slog.Logger
	cfg      *config.Config
	machines []string
	args     report.Args
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a := &app{log: logging.New("qhist")}
	if err := a.root().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func (a *app) root() *cobra.Command {
	root := &cobra.Command{
		Use:           "qhist",
		Short:         "Query and maintain HPC job history",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Parse()
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringSliceVarP(&a.machines, "machine", "m", []string{machine.Derecho.String()}, "machine to use (repeatable: casper, derecho)")
	pf.StringVar(&a.args.Start, "start-date", "", "first day, YYYY-MM-DD")
	pf.StringVar(&a.args.End, "end-date", "", "last day, YYYY-MM-DD")

	root.AddCommand(a.migrateCmd(), a.syncCmd(), a.summarizeCmd(), a.historyCmd(), a.resourceCmd(), a.reportCmd())
	return root
}

// selected parses --machine in the order given.
func (a *app) selected() ([]machine.Machine, error) {
	out := make([]machine.Machine, 0, len(a.machines))
	for _, s := range a.machines {
		m, err := machine.Parse(s)
		if err != nil {
			return nil, err
		}
		if a.cfg.DBURL(m) == "" {
			return nil, fmt.Errorf("no database configured for %s", m)
		}
		out = append(out, m)
	}
	return out, nil
}

// backend connects to m's database. The caller closes b.DB.
func (a *app) backend(ctx context.Context, m machine.Machine) (*api.Backend, error) {
	d, err := db.Connect(a.cfg.DBURL(m))
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("%s database: %w", m, err)
	}
	d.ConfigurePool(a.cfg.DBMaxOpen, a.cfg.DBMaxIdle, a.cfg.DBConnMaxLife)
	return api.NewBackend(a.log.With("machine", m.String()), d, m, a.cfg.ViewMode()), nil
}

// each runs fn against every selected machine's backend in turn.
func (a *app) each(ctx context.Context, fn func(machine.Machine, *api.Backend) error) error {
	ms, err := a.selected()
	if err != nil {
		return err
	}
	for _, m := range ms {
		b, err := a.backend(ctx, m)
		if err != nil {
			return err
		}
		err = fn(m, b)
		_ = b.DB.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *app) migrateCmd() *cobra.Command {
	var view string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and create the charged view",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode := a.cfg.ViewMode()
			if view != "" {
				var err error
				if mode, err = charging.ParseViewMode(view); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			return a.each(ctx, func(m machine.Machine, b *api.Backend) error {
				if err := b.DB.Migrate(ctx); err != nil {
					return fmt.Errorf("%s: %w", m, err)
				}
				rules, err := charging.For(m)
				if err != nil {
					return err
				}
				if err := b.DB.EnsureChargedView(ctx, rules, mode); err != nil {
					return fmt.Errorf("%s: %w", m, err)
				}
				a.log.Info("schema ready", "machine", m, "view", mode)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&view, "view", "", "charged view kind: live or materialized (default from config)")
	return cmd
}
