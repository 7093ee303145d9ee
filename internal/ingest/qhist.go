// Package ingest decodes qhist -J output into job records.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/ncar-hpc/qhistdb/internal/models"
)

// Fields is the qhist -f list requesting every field the parser reads.
const Fields = "id,short_id,account,avgcpu,count,cpupercent,cputime,cputype," +
	"elapsed,eligible,end,gputype,memory,mpiprocs,name,numcpus," +
	"numgpus,numnodes,ompthreads,ptargets,queue,reqmem,resources," +
	"start,status,submit,user,vmemory,walltime"

// Naive timestamps are wall-clock times at the machines' site.
var site = mustLoad("America/Denver")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

var layouts = []struct {
	layout string
	zoned  bool
}{
	{"2006-01-02T15:04:05", false},
	{"2006-01-02T15:04:05-0700", true},
	{"2006-01-02T15:04:05Z07:00", true},
	{"2006-01-02 15:04:05", false},
	{"2006-01-02 15:04:05-0700", true},
	{"2006-01-02 15:04:05Z07:00", true},
}

type record map[string]any

func (r record) sub(key string) record {
	m, _ := r[key].(map[string]any)
	return record(m)
}

// Parse decodes a qhist JSON document. Records are returned in job id order.
// Individual malformed fields become absent; only an undecodable document is
// an error. Empty input yields no records.
func Parse(data []byte) ([]models.Job, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var doc struct {
		Jobs map[string]map[string]any `json:"Jobs"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode qhist output: %w", err)
	}
	ids := make([]string, 0, len(doc.Jobs))
	for id := range doc.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, ParseRecord(id, doc.Jobs[id]))
	}
	return out, nil
}

// ParseRecord flattens one qhist record. fullID is the key the record was
// listed under (e.g. "2712367.desched1"); when empty the short_id is used.
func ParseRecord(fullID string, raw map[string]any) models.Job {
	r := record(raw)
	list := r.sub("Resource_List")
	used := r.sub("resources_used")

	rawShort := str(r["short_id"])
	j := models.Job{JobID: fullID}
	if j.JobID == "" && rawShort != nil {
		j.JobID = *rawShort
	}
	if rawShort != nil {
		j.ShortID = JobNumber(*rawShort)
	}
	j.Name = str(r["jobname"])
	j.User = str(r["user"])
	j.Account = str(r["account"])
	j.Queue = str(r["queue"])
	j.Status = str(r["Exit_status"])

	j.Submit = Timestamp(r["ctime"])
	j.Eligible = Timestamp(r["etime"])
	j.Start = Timestamp(r["start"])
	j.End = Timestamp(r["end"])

	j.Elapsed = hoursToSeconds(used["walltime"])
	j.Walltime = hoursToSeconds(list["walltime"])
	j.CPUTime = hoursToSeconds(used["cput"])

	j.NumCPUs = integer(list["ncpus"])
	j.NumGPUs = integer(list["ngpus"])
	j.NumNodes = integer(list["nodect"])

	j.ReqMem = gbToBytes(list["mem"])
	j.Memory = gbToBytes(used["mem"])
	j.VMemory = gbToBytes(used["vmem"])

	j.Resources = str(list["select"])
	if j.Resources != nil {
		j.MPIProcs, j.OMPThreads = selectCounts(*j.Resources)
	}
	j.PTargets = str(list["preempt_targets"])

	j.CPUPercent = float(used["cpupercent"])
	j.AvgCPU = float(used["avgcpu"])
	j.RunCount = integer(r["run_count"])
	return j
}

// selectCounts reads mpiprocs and ompthreads out of a PBS select statement
// such as "1:ncpus=128:mpiprocs=128:ompthreads=1".
func selectCounts(sel string) (mpiprocs, ompthreads *int64) {
	for _, part := range strings.Split(sel, ":") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch k {
		case "mpiprocs":
			mpiprocs = integer(v)
		case "ompthreads":
			ompthreads = integer(v)
		}
	}
	return mpiprocs, ompthreads
}

// JobNumber extracts the numeric job id, dropping an array index suffix:
// "6049117[28]" is 6049117.
func JobNumber(s string) *int64 {
	if i := strings.IndexByte(s, '['); i >= 0 {
		s = s[:i]
	}
	return integer(s)
}

// Timestamp parses a qhist timestamp into UTC. Naive values are site local
// time. Anything unparseable is absent.
func Timestamp(v any) *time.Time {
	s := str(v)
	if s == nil {
		return nil
	}
	for _, l := range layouts {
		var (
			t   time.Time
			err error
		)
		if l.zoned {
			t, err = time.Parse(l.layout, *s)
		} else {
			t, err = time.ParseInLocation(l.layout, *s, site)
		}
		if err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func str(v any) *string {
	var s string
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		s = x
	case json.Number:
		s = x.String()
	case bool:
		s = strconv.FormatBool(x)
	default:
		return nil
	}
	if s == "" {
		return nil
	}
	return &s
}

func integer(v any) *int64 {
	s := str(v)
	if s == nil {
		return nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(*s), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func float(v any) *float64 {
	s := str(v)
	if s == nil {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(*s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func scaled(v any, factor float64) *int64 {
	f := float(v)
	if f == nil {
		return nil
	}
	x := *f * factor
	if x < 0 || x >= math.MaxInt64 {
		return nil
	}
	n := int64(x)
	return &n
}

func hoursToSeconds(v any) *int64 { return scaled(v, 3600) }

func gbToBytes(v any) *int64 { return scaled(v, 1<<30) }
