package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ncar-hpc/qhistdb/internal/auth"
	"github.com/ncar-hpc/qhistdb/internal/charging"
	"github.com/ncar-hpc/qhistdb/internal/db"
	"github.com/ncar-hpc/qhistdb/internal/errs"
	"github.com/ncar-hpc/qhistdb/internal/export"
	"github.com/ncar-hpc/qhistdb/internal/machine"
	"github.com/ncar-hpc/qhistdb/internal/metrics"
	"github.com/ncar-hpc/qhistdb/internal/period"
	"github.com/ncar-hpc/qhistdb/internal/queries"
	"github.com/ncar-hpc/qhistdb/internal/report"
	"github.com/ncar-hpc/qhistdb/internal/summary"
	"github.com/ncar-hpc/qhistdb/internal/version"
	"github.com/ncar-hpc/qhistdb/internal/webhook"
)

//go:embed openapi.json
var openapiFS embed.FS

// Backend is everything the server holds for one machine.
//
// Rollups through a Backend are serialized: the HTTP trigger and the
// background scheduler share one Backend per machine.
type Backend struct {
	DB      *db.DB
	View    charging.ViewMode
	Queries *queries.JobQueries
	Rollup  *summary.Rollup

	mu sync.Mutex
}

// NewBackend wires the query engine and rollup of machine m onto d.
func NewBackend(l *slog.Logger, d *db.DB, m machine.Machine, view charging.ViewMode) *Backend {
	return &Backend{
		DB:      d,
		View:    view,
		Queries: queries.New(d.DB, m),
		Rollup:  &summary.Rollup{Log: l, DB: d.DB, Machine: m},
	}
}

// Summarize refreshes a materialized charged view, then rolls up
// [start, end].
func (b *Backend) Summarize(ctx context.Context, start, end time.Time, replace bool) (summary.RangeStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.refresh(ctx); err != nil {
		return summary.RangeStats{}, err
	}
	return b.Rollup.GenerateSummariesForRange(ctx, start, end, replace)
}

// RunOnce is the scheduled rollup: yesterday, replacing earlier results.
func (b *Backend) RunOnce(ctx context.Context) (summary.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.refresh(ctx); err != nil {
		return summary.Stats{}, err
	}
	return b.Rollup.RunOnce(ctx)
}

func (b *Backend) refresh(ctx context.Context) error {
	if b.View != charging.MaterializedView {
		return nil
	}
	return b.DB.RefreshChargedView(ctx, b.View)
}

type Options struct {
	RequireAuth bool
	JWTKey      []byte
	// DBTimeout bounds readiness pings; QueryTimeout bounds report queries.
	DBTimeout    time.Duration
	QueryTimeout time.Duration
	Hooks        *webhook.Client
}

type Server struct {
	log      *slog.Logger
	backends map[machine.Machine]*Backend
	opts     Options
}

func New(l *slog.Logger, backends map[machine.Machine]*Backend, opts Options) *Server {
	if opts.DBTimeout <= 0 {
		opts.DBTimeout = 2 * time.Second
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 5 * time.Minute
	}
	if l == nil {
		l = slog.Default()
	}
	return &Server{log: l, backends: backends, opts: opts}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withAccessLog, instrument, recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", s.handleReady)
	r.Get("/version", s.handleVersion)
	r.Get("/openapi.json", s.handleOpenAPI)
	r.Handle("/metrics", PromHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/machines", s.listMachines)
		r.Get("/reports", s.listReports)
		r.Get("/multi/{op}", s.multiReport)
		r.Get("/{machine}/reports/{op}", s.machineReport)
		r.With(s.requireRollup).Post("/{machine}/rollup", s.rollup)
	})
	return r
}

// recoverer ensures handler panics don't crash the server; returns 500 and logs minimal info
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic", "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "internal")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withAccessLog logs method, path, status code and duration for every request
func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		s.log.Info("http", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Int("status", sw.code), slog.String("remote", r.RemoteAddr), slog.String("duration", time.Since(start).String()))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// fail maps parameter errors to 400 and anything else to a logged 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errs.ErrInvalidParameter) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Error("request failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "db")
}

func (s *Server) backend(w http.ResponseWriter, r *http.Request) (machine.Machine, *Backend, bool) {
	m, err := machine.Parse(chi.URLParam(r, "machine"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return "", nil, false
	}
	b, ok := s.backends[m]
	if !ok {
		writeError(w, http.StatusNotFound, "machine "+m.String()+" is not configured")
		return "", nil, false
	}
	return m, b, true
}

// configured lists the served machines in canonical order.
func (s *Server) configured() []machine.Machine {
	var out []machine.Machine
	for _, m := range machine.All() {
		if _, ok := s.backends[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get("qhist-server"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.DBTimeout)
	defer cancel()
	for _, m := range s.configured() {
		if err := s.backends[m].DB.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, m.String()+" db not ready")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	b, _ := openapiFS.ReadFile("openapi.json")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (s *Server) listMachines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.configured())
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, report.Names())
}

func argsFrom(r *http.Request) report.Args {
	q := r.URL.Query()
	return report.Args{
		Resource: q.Get("resource"),
		GroupBy:  q.Get("group_by"),
		Range:    q.Get("range"),
		Period:   q.Get("period"),
		Start:    q.Get("start"),
		End:      q.Get("end"),
		Limit:    q.Get("limit"),
		Account:  q.Get("account"),
		User:     q.Get("user"),
	}
}

// operation builds the report named in the path and resolves the output
// format, json unless ?format= says otherwise.
func operation(r *http.Request) (report.Operation, export.Exporter, error) {
	p, err := argsFrom(r).Params()
	if err != nil {
		return nil, nil, err
	}
	op, err := report.Build(chi.URLParam(r, "op"), p)
	if err != nil {
		return nil, nil, err
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	e, err := export.ByName(format)
	if err != nil {
		return nil, nil, err
	}
	return op, e, nil
}

var contentTypes = map[string]string{
	"json": "application/json",
	"csv":  "text/csv; charset=utf-8",
	"md":   "text/markdown; charset=utf-8",
	"dat":  "text/plain; charset=utf-8",
}

func (s *Server) writeTable(w http.ResponseWriter, e export.Exporter, t *report.Table) {
	w.Header().Set("Content-Type", contentTypes[e.Ext()])
	if err := e.Write(w, t); err != nil {
		s.log.Error("write report", "report", t.Name, "err", err)
	}
}

func (s *Server) machineReport(w http.ResponseWriter, r *http.Request) {
	_, b, ok := s.backend(w, r)
	if !ok {
		return
	}
	op, e, err := operation(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.QueryTimeout)
	defer cancel()
	t0 := time.Now()
	t, err := op.Run(ctx, b.Queries)
	metrics.ObserveDB("report", time.Since(t0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeTable(w, e, t)
}

// multiReport runs one report across ?machines=a,b (default: all served)
// and stamps each row with its machine.
func (s *Server) multiReport(w http.ResponseWriter, r *http.Request) {
	op, e, err := operation(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	names := s.configured()
	if v := r.URL.Query().Get("machines"); v != "" {
		names = nil
		for _, n := range strings.Split(v, ",") {
			m, err := machine.Parse(n)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if _, ok := s.backends[m]; !ok {
				writeError(w, http.StatusBadRequest, "machine "+m.String()+" is not configured")
				return
			}
			names = append(names, m)
		}
	}
	targets := make([]report.Target, 0, len(names))
	for _, m := range names {
		targets = append(targets, report.Target{Machine: m, Queries: s.backends[m].Queries})
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.QueryTimeout)
	defer cancel()
	t0 := time.Now()
	t, err := report.RunMulti(ctx, targets, op)
	metrics.ObserveDB("report_multi", time.Since(t0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeTable(w, e, t)
}

func bearer(r *http.Request) (string, bool) {
	a := r.Header.Get("Authorization")
	if !strings.HasPrefix(a, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(a, "Bearer "), true
}

func (s *Server) requireRollup(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.RequireAuth {
			next.ServeHTTP(w, r)
			return
		}
		tok, ok := bearer(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		c, err := auth.VerifyHS256(tok, s.opts.JWTKey)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		m, err := machine.Parse(chi.URLParam(r, "machine"))
		if err != nil || !auth.CanRollup(c, m) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type rollupResult struct {
	Machine string `json:"machine"`
	Start   string `json:"start"`
	End     string `json:"end"`
	summary.RangeStats
}

// rollup summarizes ?date= or ?start=&end= (default yesterday). Existing
// summaries are replaced unless ?replace=false.
func (s *Server) rollup(w http.ResponseWriter, r *http.Request) {
	m, b, ok := s.backend(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	start, end := q.Get("start"), q.Get("end")
	if d := q.Get("date"); d != "" {
		start, end = d, d
	}
	p, err := report.Args{Start: start, End: end}.Params()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	win := report.DefaultWindow(p.Window, time.Now().AddDate(0, 0, -1))
	replace := q.Get("replace") != "false"

	st, err := b.Summarize(r.Context(), win.Start, win.End, replace)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res := rollupResult{Machine: m.String(), Start: period.FormatDate(win.Start), End: period.FormatDate(win.End), RangeStats: st}
	if err := s.opts.Hooks.Send(r.Context(), webhook.EventRollupCompleted, res); err != nil {
		s.log.Warn("webhook failed", "err", err)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      s.opts.QueryTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
