package ranges

import (
	"fmt"
	"strings"
)

// Bucket holds values strictly below Below.
type Bucket struct {
	Below float64
	Label string
}

// Thresholds is an ordered list of upper-exclusive buckets plus an overflow
// bucket for everything at or above the last bound.
type Thresholds struct {
	Buckets  []Bucket
	Overflow string
}

func (t Thresholds) Index(v float64) int {
	for i, b := range t.Buckets {
		if v < b.Below {
			return i
		}
	}
	return len(t.Buckets)
}

func (t Thresholds) Label(v float64) string {
	i := t.Index(v)
	if i == len(t.Buckets) {
		return t.Overflow
	}
	return t.Buckets[i].Label
}

func (t Thresholds) Labels() []string {
	out := make([]string, 0, len(t.Buckets)+1)
	for _, b := range t.Buckets {
		out = append(out, b.Label)
	}
	return append(out, t.Overflow)
}

// Len counts buckets including overflow.
func (t Thresholds) Len() int { return len(t.Buckets) + 1 }

// IndexSQL renders Index over a SQL expression.
func (t Thresholds) IndexSQL(expr string) string {
	var b strings.Builder
	b.WriteString("CASE")
	for i, bk := range t.Buckets {
		fmt.Fprintf(&b, " WHEN %s < %s THEN %d", expr, formatBound(bk.Below), i)
	}
	fmt.Fprintf(&b, " ELSE %d END", len(t.Buckets))
	return b.String()
}

func formatBound(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}

const (
	minute = 60.0
	hour   = 3600.0
	mib    = float64(1 << 20)
	gib    = float64(1 << 30)
)

// Durations buckets elapsed seconds.
var Durations = Thresholds{
	Buckets: []Bucket{
		{30, "<30s"},
		{30 * minute, "30s-30m"},
		{hour, "30-60m"},
		{5 * hour, "1-5h"},
		{12 * hour, "5-12h"},
		{18 * hour, "12-18h"},
	},
	Overflow: ">18h",
}

// MemoryPerRank buckets bytes of memory per MPI rank and thread.
var MemoryPerRank = Thresholds{
	Buckets: []Bucket{
		{128 * mib, "<128M"},
		{256 * mib, "128M-256M"},
		{512 * mib, "256M-512M"},
		{gib, "512M-1G"},
		{2 * gib, "1-2G"},
		{4 * gib, "2-4G"},
		{8 * gib, "4-8G"},
		{16 * gib, "8-16G"},
		{32 * gib, "16-32G"},
		{64 * gib, "32-64G"},
		{128 * gib, "64-128G"},
		{256 * gib, "128-256G"},
	},
	Overflow: ">256G",
}
