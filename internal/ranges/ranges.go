package ranges

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ncar-hpc/qhistdb/internal/errs"
)

// Range is a closed integer interval with its display label.
type Range struct {
	Low   int64
	High  int64
	Label string
}

// Partition splits the non-negative integers into ordered ranges plus an
// overflow label for everything above the last range.
type Partition struct {
	Ranges   []Range
	Overflow string
}

// FromBoundaries builds contiguous ranges from ascending boundaries. The first
// two boundaries are singletons; every later boundary closes a range that
// starts just above the previous one: [1,2,4,8] -> 1, 2, 3-4, 5-8.
func FromBoundaries(bounds []int64, overflow string) Partition {
	p := Partition{Overflow: overflow}
	for i, b := range bounds {
		low := b
		if i >= 2 {
			low = bounds[i-1] + 1
		}
		p.Ranges = append(p.Ranges, Range{Low: low, High: b, Label: rangeLabel(low, b)})
	}
	return p
}

func rangeLabel(low, high int64) string {
	if low == high {
		return strconv.FormatInt(low, 10)
	}
	return fmt.Sprintf("%d-%d", low, high)
}

// Label returns the label of the first range whose upper bound is >= v.
// Values below the first range land in the first range.
func (p Partition) Label(v float64) string {
	for _, r := range p.Ranges {
		if v <= float64(r.High) {
			return r.Label
		}
	}
	return p.Overflow
}

// Key orders labels naturally: range index, overflow after the ranges, and
// anything unknown last.
func (p Partition) Key(label string) int {
	for i, r := range p.Ranges {
		if r.Label == label {
			return i
		}
	}
	if label == p.Overflow {
		return len(p.Ranges)
	}
	return len(p.Ranges) + 1
}

// Labels lists every label in natural order, overflow included.
func (p Partition) Labels() []string {
	out := make([]string, 0, len(p.Ranges)+1)
	for _, r := range p.Ranges {
		out = append(out, r.Label)
	}
	return append(out, p.Overflow)
}

// CaseSQL renders the same first-match chain as Label over a SQL expression.
func (p Partition) CaseSQL(expr string) string {
	var b strings.Builder
	b.WriteString("CASE")
	for _, r := range p.Ranges {
		fmt.Fprintf(&b, " WHEN %s <= %d THEN %s", expr, r.High, quote(r.Label))
	}
	fmt.Fprintf(&b, " ELSE %s END", quote(p.Overflow))
	return b.String()
}

// OrderSQL maps a label column back to its Key.
func (p Partition) OrderSQL(labelExpr string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CASE %s", labelExpr)
	for i, r := range p.Ranges {
		fmt.Fprintf(&b, " WHEN %s THEN %d", quote(r.Label), i)
	}
	fmt.Fprintf(&b, " WHEN %s THEN %d ELSE %d END", quote(p.Overflow), len(p.Ranges), len(p.Ranges)+1)
	return b.String()
}

func quote(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }

// Kind names the resource dimension a job-size or job-wait report buckets on.
type Kind string

const (
	GPU    Kind = "gpu"
	Node   Kind = "node"
	Core   Kind = "core"
	Memory Kind = "memory"
)

func Kinds() []string { return []string{string(GPU), string(Node), string(Core), string(Memory)} }

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case GPU, Node, Core, Memory:
		return k, nil
	}
	return "", errs.Invalid("range type", s, Kinds())
}

var (
	Nodes = FromBoundaries([]int64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048}, ">2048")
	Cores = FromBoundaries([]int64{1, 2, 4, 8, 16, 32, 64, 96, 128}, ">128")
	GPUs  = FromBoundaries([]int64{4, 8, 16, 32, 64, 128, 256, 320}, ">320")
	MemGB = Partition{
		Ranges: []Range{
			{Low: 1, High: 10, Label: "1-10"},
			{Low: 11, High: 50, Label: "11-50"},
			{Low: 51, High: 100, Label: "51-100"},
			{Low: 101, High: 500, Label: "101-500"},
			{Low: 501, High: 1000, Label: "501-1000"},
		},
		Overflow: ">1000",
	}
)

// For returns the partition used for a range kind.
func For(k Kind) Partition {
	switch k {
	case GPU:
		return GPUs
	case Node:
		return Nodes
	case Core:
		return Cores
	default:
		return MemGB
	}
}
