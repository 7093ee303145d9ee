package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"

	"github.com/ncar-hpc/qhistdb/internal/auth"
	"github.com/ncar-hpc/qhistdb/internal/charging"
	"github.com/ncar-hpc/qhistdb/internal/db"
	"github.com/ncar-hpc/qhistdb/internal/machine"
	"github.com/ncar-hpc/qhistdb/internal/period"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)) }

func newBackend(t *testing.T, m machine.Machine) (*Backend, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("expectations: %v", err)
		}
		sqlDB.Close()
	})
	return NewBackend(quietLogger(), &db.DB{DB: sqlDB}, m, charging.LiveView), mock
}

func newTestServer(t *testing.T, opts Options) (*Server, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()
	derecho, dm := newBackend(t, machine.Derecho)
	casper, cm := newBackend(t, machine.Casper)
	srv := New(quietLogger(), map[machine.Machine]*Backend{machine.Derecho: derecho, machine.Casper: casper}, opts)
	return srv, dm, cm
}

func do(h http.Handler, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouterProvidesExpectedEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	router := srv.Router()
	for _, path := range []string{"/healthz", "/readyz", "/version", "/openapi.json", "/metrics", "/v1/machines", "/v1/reports"} {
		if rr := do(router, http.MethodGet, path, nil); rr.Code != http.StatusOK {
			t.Errorf("%s: status %d", path, rr.Code)
		}
	}
	rr := do(router, http.MethodGet, "/v1/machines", nil)
	var got []string
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil || strings.Join(got, ",") != "casper,derecho" {
		t.Fatalf("machines %s: %v", rr.Body, err)
	}
}

func TestMachineReport(t *testing.T) {
	srv, dm, _ := newTestServer(t, Options{})
	dm.ExpectQuery("SELECT username, COUNT\\(\\*\\) AS job_count FROM jobs").
		WillReturnRows(sqlmock.NewRows([]string{"username", "job_count"}).AddRow("alice", 12).AddRow("bob", 3))

	rr := do(srv.Router(), http.MethodGet, "/v1/derecho/reports/top-users?start=2025-01-01&end=2025-01-31&limit=2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type %q", ct)
	}
	var rows []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode %s: %v", rr.Body, err)
	}
	if len(rows) != 2 || rows[0]["user"] != "alice" || rows[0]["job_count"] != float64(12) {
		t.Fatalf("rows %v", rows)
	}
}

func TestMachineReportCSV(t *testing.T) {
	srv, _, cm := newTestServer(t, Options{})
	cm.ExpectQuery("FROM jobs").
		WillReturnRows(sqlmock.NewRows([]string{"queue", "job_count", "total", "avg"}).AddRow("casper", 4, 400, 100.0))
	rr := do(srv.Router(), http.MethodGet, "/v1/casper/reports/queue-stats?format=csv", nil)
	if rr.Code != http.StatusOK || !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/csv") {
		t.Fatalf("status %d type %q", rr.Code, rr.Header().Get("Content-Type"))
	}
	if !strings.HasPrefix(rr.Body.String(), "queue,job_count,total_elapsed_seconds,avg_elapsed_seconds\ncasper,4,400,100.0\n") {
		t.Fatalf("body %q", rr.Body)
	}
}

func TestReportErrors(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	router := srv.Router()
	cases := map[string]int{
		"/v1/frontier/reports/usage":                 http.StatusNotFound,
		"/v1/derecho/reports/usage?resource=tpu":     http.StatusBadRequest,
		"/v1/derecho/reports/nope":                   http.StatusBadRequest,
		"/v1/derecho/reports/usage?format=xlsx":      http.StatusBadRequest,
		"/v1/derecho/reports/usage?start=2025-13-01": http.StatusBadRequest,
		"/v1/multi/usage?machines=derecho,frontier":  http.StatusBadRequest,
	}
	for path, want := range cases {
		rr := do(router, http.MethodGet, path, nil)
		if rr.Code != want {
			t.Errorf("%s: got %d want %d (%s)", path, rr.Code, want, rr.Body)
		}
		if !strings.Contains(rr.Body.String(), `"error"`) {
			t.Errorf("%s: body %s", path, rr.Body)
		}
	}
}

func TestMultiReport(t *testing.T) {
	srv, dm, cm := newTestServer(t, Options{})
	cm.ExpectQuery("COUNT\\(DISTINCT account\\)").
		WillReturnRows(sqlmock.NewRows([]string{"period", "n"}).AddRow("2025", 40))
	dm.ExpectQuery("COUNT\\(DISTINCT account\\)").
		WillReturnRows(sqlmock.NewRows([]string{"period", "n"}).AddRow("2025", 90))
	rr := do(srv.Router(), http.MethodGet, "/v1/multi/unique-projects?period=year", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body)
	}
	var rows []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 || rows[0]["machine"] != "casper" || rows[1]["machine"] != "derecho" || rows[1]["project_count"] != float64(90) {
		t.Fatalf("rows %v", rows)
	}
}

func TestRollupRequiresScopedToken(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	srv, dm, _ := newTestServer(t, Options{RequireAuth: true, JWTKey: key})
	router := srv.Router()

	if rr := do(router, http.MethodPost, "/v1/derecho/rollup?date=2025-01-02", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rr.Code)
	}
	casperOp, _ := auth.SignHS256(auth.NewClaims("ops", "operator", "machine:casper", time.Hour), key)
	h := http.Header{"Authorization": {"Bearer " + casperOp}}
	if rr := do(router, http.MethodPost, "/v1/derecho/rollup?date=2025-01-02", h); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}

	day := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	dm.ExpectBegin()
	dm.ExpectExec(regexp.QuoteMeta("DELETE FROM daily_summary WHERE date = $1")).WithArgs(day).WillReturnResult(sqlmock.NewResult(0, 2))
	dm.ExpectExec(regexp.QuoteMeta("INSERT INTO daily_summary")).WithArgs(day, day, day.AddDate(0, 0, 1)).WillReturnResult(sqlmock.NewResult(0, 5))
	dm.ExpectCommit()

	admin, _ := auth.SignHS256(auth.NewClaims("ops", "admin", "", time.Hour), key)
	rr := do(router, http.MethodPost, "/v1/derecho/rollup?date=2025-01-02", http.Header{"Authorization": {"Bearer " + admin}})
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body)
	}
	var res struct {
		Machine   string `json:"machine"`
		Start     string `json:"start"`
		TotalRows int64  `json:"total_rows"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Machine != "derecho" || res.Start != "2025-01-02" || res.TotalRows != 5 {
		t.Fatalf("result %+v", res)
	}
}

func TestConcurrentRollupsAreSerialized(t *testing.T) {
	srv, dm, _ := newTestServer(t, Options{})
	router := srv.Router()

	day := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		dm.ExpectBegin()
		dm.ExpectExec(regexp.QuoteMeta("DELETE FROM daily_summary WHERE date = $1")).WithArgs(day).WillReturnResult(sqlmock.NewResult(0, 0))
		dm.ExpectExec(regexp.QuoteMeta("INSERT INTO daily_summary")).WithArgs(day, day, day.AddDate(0, 0, 1)).
			WillDelayFor(20 * time.Millisecond).WillReturnResult(sqlmock.NewResult(0, 3))
		dm.ExpectCommit()
	}

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = do(router, http.MethodPost, "/v1/derecho/rollup?date=2025-01-02", nil).Code
		}(i)
	}
	wg.Wait()
	for i, c := range codes {
		if c != http.StatusOK {
			t.Errorf("rollup %d: status %d", i, c)
		}
	}
}

func TestBackendRunOnceSummarizesYesterday(t *testing.T) {
	b, mock := newBackend(t, machine.Casper)
	yesterday := period.Midnight(time.Now()).AddDate(0, 0, -1)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM daily_summary WHERE date = $1")).WithArgs(yesterday).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO daily_summary")).WithArgs(yesterday, yesterday, yesterday.AddDate(0, 0, 1)).WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	st, err := b.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !st.Date.Equal(yesterday) || st.RowsInserted != 4 || st.Skipped {
		t.Fatalf("stats %+v", st)
	}
}

func TestRecovererCatchesPanics(t *testing.T) {
	called := false
	handler := recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if !called {
		t.Fatalf("handler was not invoked")
	}
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rr.Code)
	}
}

func TestAccessLogIncludesStatus(t *testing.T) {
	buf := &bytes.Buffer{}
	srv := New(slog.New(slog.NewTextHandler(buf, nil)), nil, Options{})

	rr := httptest.NewRecorder()
	srv.withAccessLog(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/log", nil))

	if !bytes.Contains(buf.Bytes(), []byte("status=418")) {
		t.Fatalf("log missing status: %s", buf.String())
	}
}

func TestOpenAPIDocumentsEveryRoute(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	routes, ok := srv.Router().(chi.Routes)
	if !ok {
		t.Fatal("router does not expose chi routes")
	}
	b, err := openapiFS.ReadFile("openapi.json")
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Paths map[string]map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("openapi.json: %v", err)
	}
	served := map[string]map[string]bool{}
	err = chi.Walk(routes, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if served[route] == nil {
			served[route] = map[string]bool{}
		}
		served[route][strings.ToLower(method)] = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for route := range served {
		if _, ok := doc.Paths[route]; !ok && route != "/openapi.json" {
			t.Errorf("route %s is not documented", route)
		}
	}
	for path, methods := range doc.Paths {
		for m := range methods {
			if !served[path][m] {
				t.Errorf("documented %s %s is not served", strings.ToUpper(m), path)
			}
		}
	}
}
