package charging

import (
	"math"
	"strings"
	"testing"

	"github.com/ncar-hpc/qhistdb/internal/machine"
)

type fixture map[string]any

func (f fixture) Number(col string) (float64, bool) {
	switch v := f[col].(type) {
	case int:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func (f fixture) Text(col string) (string, bool) {
	s, ok := f[col].(string)
	return s, ok
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestDerechoProductionQueues(t *testing.T) {
	cases := []struct {
		name string
		job  fixture
		want Charges
	}{
		{
			name: "cpu queue uses whole nodes",
			job:  fixture{"queue": "cpu", "elapsed": 3600, "numnodes": 2, "numcpus": 10},
			want: Charges{CPUHours: 256, ChargeHours: 256},
		},
		{
			name: "gpu queue charges gpu hours",
			job:  fixture{"queue": "GPU", "elapsed": 7200, "numnodes": 2, "numgpus": 1},
			want: Charges{CPUHours: 512, GPUHours: 16, ChargeHours: 16},
		},
		{
			name: "memory hours",
			job:  fixture{"queue": "cpu", "elapsed": 3600, "numnodes": 1, "memory": 4 * BytesPerGB},
			want: Charges{CPUHours: 128, MemoryHours: 4, ChargeHours: 128},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Charge(tc.job, machine.Derecho)
			if !near(got.CPUHours, tc.want.CPUHours) || !near(got.GPUHours, tc.want.GPUHours) ||
				!near(got.MemoryHours, tc.want.MemoryHours) || !near(got.ChargeHours, tc.want.ChargeHours) {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestDerechoDevQueuesChargeRequestedResources(t *testing.T) {
	got := Charge(fixture{"queue": "cpudev", "elapsed": 7200, "numnodes": 1, "numcpus": 16}, machine.Derecho)
	if !near(got.CPUHours, 32) || got.GPUHours != 0 {
		t.Fatalf("cpudev: %+v", got)
	}
	got = Charge(fixture{"queue": "gpudev", "elapsed": 3600, "numnodes": 1, "numcpus": 8, "numgpus": 2}, machine.Derecho)
	if !near(got.CPUHours, 8) || !near(got.GPUHours, 2) || !near(got.ChargeHours, 2) {
		t.Fatalf("gpudev: %+v", got)
	}
}

func TestMissingInputsChargeZero(t *testing.T) {
	for _, m := range machine.All() {
		for _, job := range []fixture{{}, {"queue": "gpu"}, {"elapsed": 3600}, {"queue": "cpu", "elapsed": 0, "numnodes": 4}} {
			got := Charge(job, m)
			if got != (Charges{}) {
				t.Fatalf("%s %v: expected zero charges, got %+v", m, job, got)
			}
		}
	}
}

func TestCasperChargesCPUAndGPU(t *testing.T) {
	got := Charge(fixture{"queue": "nvgpu", "elapsed": 1800, "numcpus": 4, "numgpus": 2}, machine.Casper)
	if !near(got.CPUHours, 2) || !near(got.GPUHours, 1) || !near(got.ChargeHours, 3) {
		t.Fatalf("casper: %+v", got)
	}
}

func TestUnknownMachine(t *testing.T) {
	if _, err := For("cheyenne"); err == nil {
		t.Fatal("expected error")
	}
	if got := Charge(fixture{"elapsed": 3600, "numcpus": 1}, "cheyenne"); got != (Charges{}) {
		t.Fatalf("expected zero charges, got %+v", got)
	}
}

func TestViewSQLIsDerivedFromTheTable(t *testing.T) {
	r, err := For(machine.Derecho)
	if err != nil {
		t.Fatal(err)
	}
	sql := r.ViewSQL(LiveView)
	for _, want := range []string{
		"CREATE VIEW v_jobs_charged AS",
		"COALESCE(queue, '') ILIKE '%gpu%'",
		"COALESCE(queue, '') ILIKE '%dev%'",
		"COALESCE(elapsed, 0) * COALESCE(numnodes, 0) * 128.0",
		"NULLIF(3600.0, 0)",
		"AS cpu_hours", "AS gpu_hours", "AS memory_hours", "AS charge_hours",
		"FROM jobs",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("view sql missing %q:\n%s", want, sql)
		}
	}
	if !strings.HasPrefix(r.ViewSQL(MaterializedView), "CREATE MATERIALIZED VIEW") {
		t.Fatal("expected materialized view ddl")
	}
	for _, m := range Measures() {
		if r.Expr(m).SQL() == Num(0).SQL() {
			t.Fatalf("measure %s has no formula", m)
		}
	}
}

func TestCaseOrderFirstMatchWins(t *testing.T) {
	c := Case{
		Whens: []When{{If: QueueHas("gpu"), Then: Num(1)}, {If: QueueHas("gpudev"), Then: Num(2)}},
		Else:  Num(3),
	}
	if got := c.Eval(fixture{"queue": "gpudev"}); got != 1 {
		t.Fatalf("got %v", got)
	}
	if got := c.Eval(fixture{}); got != 3 {
		t.Fatalf("got %v", got)
	}
	want := "CASE WHEN COALESCE(queue, '') ILIKE '%gpu%' THEN 1.0 WHEN COALESCE(queue, '') ILIKE '%gpudev%' THEN 2.0 ELSE 3.0 END"
	if c.SQL() != want {
		t.Fatalf("sql %q", c.SQL())
	}
}

func TestDivByZero(t *testing.T) {
	if got := Div(Num(5), Col("missing")).Eval(fixture{}); got != 0 {
		t.Fatalf("got %v", got)
	}
}

func TestParseViewMode(t *testing.T) {
	if m, err := ParseViewMode("MATERIALIZED"); err != nil || m != MaterializedView {
		t.Fatalf("got %v %v", m, err)
	}
	if m, err := ParseViewMode(""); err != nil || m != LiveView {
		t.Fatalf("got %v %v", m, err)
	}
	if _, err := ParseViewMode("cached"); err == nil || !strings.Contains(err.Error(), "cached") {
		t.Fatalf("expected error naming value, got %v", err)
	}
}
