package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/ncar-hpc/qhistdb/internal/errs"
	"github.com/ncar-hpc/qhistdb/internal/machine"
	"github.com/ncar-hpc/qhistdb/internal/period"
	"github.com/ncar-hpc/qhistdb/internal/queries"
	"github.com/ncar-hpc/qhistdb/internal/report"
)

// Exporter writes a report table in one file format.
type Exporter interface {
	Ext() string
	Write(w io.Writer, t *report.Table) error
}

var exporters = map[string]Exporter{
	"dat":  Dat{},
	"json": JSON{},
	"csv":  CSV{},
	"md":   Markdown{},
}

// Formats lists the accepted format names.
func Formats() []string { return []string{"dat", "json", "csv", "md"} }

// ByName returns the exporter for format.
func ByName(format string) (Exporter, error) {
	e, ok := exporters[strings.ToLower(format)]
	if !ok {
		return nil, errs.Invalid("format", format, Formats())
	}
	return e, nil
}

// FileName builds "<Ma>_<report>_<start>_<end>.<ext>" with compact dates.
func FileName(m machine.Machine, t *report.Table, win queries.Window, ext string) string {
	return fmt.Sprintf("%s_%s_%s_%s.%s", m.Abbrev(), t.Name, period.Compact(win.Start), period.Compact(win.End), ext)
}

// WriteFile renders t into dir and returns the path written.
func WriteFile(dir, name string, t *report.Table, format string) (string, error) {
	e, err := ByName(format)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := e.Write(&buf, t); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Dat is the traditional fixed-width layout: every column left-aligned to its
// width, the last one unpadded.
type Dat struct{}

func (Dat) Ext() string { return "dat" }

func (Dat) Write(w io.Writer, t *report.Table) error {
	var b strings.Builder
	for _, c := range t.Columns {
		b.WriteString(pad(c.Header, c.Width))
	}
	b.WriteByte('\n')
	for _, rec := range t.Records() {
		for i, c := range t.Columns {
			b.WriteString(pad(rec[i], c.Width))
		}
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func pad(s string, width int) string {
	if width <= 0 {
		return s
	}
	return fmt.Sprintf("%-*s", width, s)
}

// JSON writes an array of objects keyed by column key, in column order, with
// unformatted values.
type JSON struct{}

func (JSON) Ext() string { return "json" }

func (JSON) Write(w io.Writer, t *report.Table) error {
	var b bytes.Buffer
	b.WriteString("[")
	for i, r := range t.Rows {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("\n  {")
		for j, c := range t.Columns {
			if j > 0 {
				b.WriteString(", ")
			}
			k, _ := json.Marshal(c.Key)
			v, err := json.Marshal(r[c.Key])
			if err != nil {
				return fmt.Errorf("column %s: %w", c.Key, err)
			}
			b.Write(k)
			b.WriteString(": ")
			b.Write(v)
		}
		b.WriteString("}")
	}
	if len(t.Rows) > 0 {
		b.WriteString("\n")
	}
	b.WriteString("]\n")
	_, err := w.Write(b.Bytes())
	return err
}

// CSV writes a header of column keys followed by the formatted cells. The
// header is written even when there are no rows.
type CSV struct{}

func (CSV) Ext() string { return "csv" }

func (CSV) Write(w io.Writer, t *report.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Keys()); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Records()); err != nil {
		return err
	}
	return cw.Error()
}

// Markdown renders a pipe table.
type Markdown struct{}

func (Markdown) Ext() string { return "md" }

func (Markdown) Write(w io.Writer, t *report.Table) error {
	tw := tablewriter.NewWriter(w)
	tw.SetAutoFormatHeaders(false)
	tw.SetAutoWrapText(false)
	tw.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	tw.SetCenterSeparator("|")
	tw.SetHeader(t.Headers())
	tw.AppendBulk(t.Records())
	tw.Render()
	return nil
}

// Print renders t as a boxed console table.
func Print(w io.Writer, t *report.Table) {
	tw := tablewriter.NewWriter(w)
	tw.SetAutoFormatHeaders(false)
	tw.SetAutoWrapText(false)
	tw.SetHeader(t.Headers())
	tw.AppendBulk(t.Records())
	tw.Render()
}
