package charging

import (
	"fmt"
	"strings"

	"github.com/ncar-hpc/qhistdb/internal/errs"
	"github.com/ncar-hpc/qhistdb/internal/machine"
)

const (
	// ViewName is the charged view every report reads from.
	ViewName = "v_jobs_charged"

	DerechoCoresPerNode = 128
	DerechoGPUsPerNode  = 4
	BytesPerGB          = 1 << 30
	SecondsPerHour      = 3600
)

type Measure string

const (
	CPUHours    Measure = "cpu_hours"
	GPUHours    Measure = "gpu_hours"
	MemoryHours Measure = "memory_hours"
	ChargeHours Measure = "charge_hours"
)

// Measures lists the view columns in the order they are rendered.
func Measures() []Measure { return []Measure{CPUHours, GPUHours, MemoryHours, ChargeHours} }

type Formula struct {
	Measure Measure
	Expr    Expr
}

// Rules is the charging table of one machine.
type Rules struct {
	Machine  machine.Machine
	Formulas []Formula
}

var (
	gpuQueue = QueueHas("gpu")
	devQueue = QueueHas("dev")

	memoryHours = Div(Mul(Col("elapsed"), Col("memory")), Num(SecondsPerHour*BytesPerGB))

	derechoCPU = Case{
		Whens: []When{{If: devQueue, Then: Div(Mul(Col("elapsed"), Col("numcpus")), Num(SecondsPerHour))}},
		Else:  Div(Mul(Col("elapsed"), Col("numnodes"), Num(DerechoCoresPerNode)), Num(SecondsPerHour)),
	}
	derechoGPU = Case{
		Whens: []When{
			{If: All(gpuQueue, devQueue), Then: Div(Mul(Col("elapsed"), Col("numgpus")), Num(SecondsPerHour))},
			{If: gpuQueue, Then: Div(Mul(Col("elapsed"), Col("numnodes"), Num(DerechoGPUsPerNode)), Num(SecondsPerHour))},
		},
		Else: Num(0),
	}

	casperCPU = Div(Mul(Col("elapsed"), Col("numcpus")), Num(SecondsPerHour))
	casperGPU = Div(Mul(Col("elapsed"), Col("numgpus")), Num(SecondsPerHour))

	tables = map[machine.Machine]Rules{
		machine.Derecho: {Machine: machine.Derecho, Formulas: []Formula{
			{CPUHours, derechoCPU},
			{GPUHours, derechoGPU},
			{MemoryHours, memoryHours},
			{ChargeHours, Case{Whens: []When{{If: gpuQueue, Then: derechoGPU}}, Else: derechoCPU}},
		}},
		machine.Casper: {Machine: machine.Casper, Formulas: []Formula{
			{CPUHours, casperCPU},
			{GPUHours, casperGPU},
			{MemoryHours, memoryHours},
			{ChargeHours, Add(casperCPU, casperGPU)},
		}},
	}
)

// For returns the charging table for m.
func For(m machine.Machine) (Rules, error) {
	r, ok := tables[m]
	if !ok {
		return Rules{}, fmt.Errorf("%w: no charging rules for %q", errs.ErrUnknownMachine, m)
	}
	return r, nil
}

// Charge evaluates the rules of m against one job. Unknown machines charge nothing.
func Charge(row Row, m machine.Machine) Charges {
	r, err := For(m)
	if err != nil {
		return Charges{}
	}
	return r.Evaluate(row)
}

// Expr returns the formula for measure, or a zero literal when the table has none.
func (r Rules) Expr(measure Measure) Expr {
	for _, f := range r.Formulas {
		if f.Measure == measure {
			return f.Expr
		}
	}
	return Num(0)
}

func (r Rules) Evaluate(row Row) Charges {
	var c Charges
	for _, f := range r.Formulas {
		c.set(f.Measure, f.Expr.Eval(row))
	}
	return c
}

// ViewMode selects how the charged view is stored.
type ViewMode string

const (
	LiveView         ViewMode = "live"
	MaterializedView ViewMode = "materialized"
)

func ParseViewMode(s string) (ViewMode, error) {
	switch ViewMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", LiveView:
		return LiveView, nil
	case MaterializedView:
		return MaterializedView, nil
	}
	return "", errs.Invalid("charged view mode", s, []string{string(LiveView), string(MaterializedView)})
}

// SelectSQL is the charged projection of the jobs table.
func (r Rules) SelectSQL() string {
	var b strings.Builder
	b.WriteString("SELECT jobs.*")
	for _, m := range Measures() {
		fmt.Fprintf(&b, ",\n    (%s)::double precision AS %s", r.Expr(m).SQL(), m)
	}
	b.WriteString("\nFROM jobs")
	return b.String()
}

// ViewSQL is the DDL creating the charged view.
func (r Rules) ViewSQL(mode ViewMode) string {
	kind := "VIEW"
	if mode == MaterializedView {
		kind = "MATERIALIZED VIEW"
	}
	return fmt.Sprintf("CREATE %s %s AS\n%s", kind, ViewName, r.SelectSQL())
}

// Charges holds the computed measures of one job. It is itself a Row, so
// expressions over measure columns evaluate against it.
type Charges struct {
	CPUHours    float64 `json:"cpu_hours"`
	GPUHours    float64 `json:"gpu_hours"`
	MemoryHours float64 `json:"memory_hours"`
	ChargeHours float64 `json:"charge_hours"`
}

func (c *Charges) set(m Measure, v float64) {
	switch m {
	case CPUHours:
		c.CPUHours = v
	case GPUHours:
		c.GPUHours = v
	case MemoryHours:
		c.MemoryHours = v
	case ChargeHours:
		c.ChargeHours = v
	}
}

func (c Charges) Number(col string) (float64, bool) {
	switch Measure(col) {
	case CPUHours:
		return c.CPUHours, true
	case GPUHours:
		return c.GPUHours, true
	case MemoryHours:
		return c.MemoryHours, true
	case ChargeHours:
		return c.ChargeHours, true
	}
	return 0, false
}

func (c Charges) Text(string) (string, bool) { return "", false }
