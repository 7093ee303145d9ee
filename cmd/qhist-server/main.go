package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ncar-hpc/qhistdb/internal/api"
	"github.com/ncar-hpc/qhistdb/internal/charging"
	"github.com/ncar-hpc/qhistdb/internal/config"
	"github.com/ncar-hpc/qhistdb/internal/db"
	"github.com/ncar-hpc/qhistdb/internal/logging"
	"github.com/ncar-hpc/qhistdb/internal/machine"
	"github.com/ncar-hpc/qhistdb/internal/period"
	"github.com/ncar-hpc/qhistdb/internal/summary"
	"github.com/ncar-hpc/qhistdb/internal/webhook"
)

func main() {
	lg := logging.New("qhist-server")
	cfg, err := config.Parse()
	if err != nil {
		lg.Error("config", slog.String("error", err.Error()))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends := map[machine.Machine]*api.Backend{}
	for _, m := range cfg.Machines() {
		b, err := open(ctx, lg, cfg, m)
		if err != nil {
			lg.Error("db", slog.String("machine", m.String()), slog.String("error", err.Error()))
			os.Exit(2)
		}
		defer b.DB.Close()
		backends[m] = b
	}

	hooks := &webhook.Client{URL: cfg.HookURL, Secret: []byte(cfg.HookSecret)}
	s := api.New(lg, backends, api.Options{
		RequireAuth: cfg.RequireAuth,
		JWTKey:      cfg.JWTKey,
		DBTimeout:   time.Duration(cfg.DBTimeoutMS) * time.Millisecond,
		Hooks:       hooks,
	})

	// Optional background rollup of yesterday on every machine.
	if cfg.RollupInterval > 0 {
		steps := map[string]summary.Step{}
		for m, b := range backends {
			m, b := m, b
			steps[m.String()] = func(ctx context.Context) error {
				st, err := b.RunOnce(ctx)
				if err != nil {
					return err
				}
				return hooks.Send(ctx, webhook.EventRollupCompleted, map[string]any{"machine": m, "date": period.FormatDate(st.Date), "stats": st})
			}
		}
		sched := &summary.Scheduler{Log: lg.With("component", "rollup"), Interval: cfg.RollupInterval, Steps: steps}
		go sched.Run(ctx)
	}

	lg.Info("listening", slog.String("addr", cfg.HTTPAddr), slog.Int("machines", len(backends)))
	if err := s.Start(ctx, cfg.HTTPAddr); err != nil {
		lg.Error("http", slog.String("error", err.Error()))
		os.Exit(1)
	}
	lg.Info("shutting down")
}

// open connects to m's database, applies migrations and (re)creates its
// charged view.
func open(ctx context.Context, lg *slog.Logger, cfg *config.Config, m machine.Machine) (*api.Backend, error) {
	d, err := db.Connect(cfg.DBURL(m))
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		return nil, err
	}
	d.ConfigurePool(cfg.DBMaxOpen, cfg.DBMaxIdle, cfg.DBConnMaxLife)
	if err := d.Migrate(ctx); err != nil {
		return nil, err
	}
	rules, err := charging.For(m)
	if err != nil {
		return nil, err
	}
	if err := d.EnsureChargedView(ctx, rules, cfg.ViewMode()); err != nil {
		return nil, err
	}
	return api.NewBackend(lg.With("machine", m.String()), d, m, cfg.ViewMode()), nil
}
