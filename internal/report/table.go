package report

import (
	"fmt"
	"strings"
)

// Column describes one output column. Width 0 means unpadded (used for the
// last column of fixed-width output). Format is a fmt verb applied to the
// value; empty means %v.
type Column struct {
	Key    string
	Header string
	Width  int
	Format string
}

// Row maps column keys to scalar values.
type Row map[string]any

// Table is an ordered report ready for export.
type Table struct {
	Name    string
	Columns []Column
	Rows    []Row
}

// Cell formats a row's value for a column.
func (c Column) Cell(r Row) string {
	v, ok := r[c.Key]
	if !ok || v == nil {
		return ""
	}
	if c.Format == "" {
		return fmt.Sprint(v)
	}
	return fmt.Sprintf(c.Format, v)
}

func (t *Table) Headers() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Header
	}
	return out
}

func (t *Table) Keys() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Key
	}
	return out
}

// Records renders every row as formatted cells in column order.
func (t *Table) Records() [][]string {
	out := make([][]string, 0, len(t.Rows))
	for _, r := range t.Rows {
		rec := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			rec[i] = c.Cell(r)
		}
		out = append(out, rec)
	}
	return out
}

func col(key, header string, width int, format string) Column {
	return Column{Key: key, Header: header, Width: width, Format: format}
}

// joined renders a string list as one cell.
func joined(vals []string) string { return strings.Join(vals, ",") }
