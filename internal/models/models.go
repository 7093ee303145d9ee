package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job is one scheduler accounting record. Everything but JobID may be absent.
type Job struct {
	JobID      string     `json:"job_id"`
	ShortID    *int64     `json:"short_id,omitempty"`
	Name       *string    `json:"name,omitempty"`
	User       *string    `json:"user,omitempty"`
	Account    *string    `json:"account,omitempty"`
	Queue      *string    `json:"queue,omitempty"`
	Status     *string    `json:"status,omitempty"`
	Submit     *time.Time `json:"submit,omitempty"`
	Eligible   *time.Time `json:"eligible,omitempty"`
	Start      *time.Time `json:"start,omitempty"`
	End        *time.Time `json:"end,omitempty"`
	Elapsed    *int64     `json:"elapsed,omitempty"`
	Walltime   *int64     `json:"walltime,omitempty"`
	CPUTime    *int64     `json:"cputime,omitempty"`
	NumCPUs    *int64     `json:"numcpus,omitempty"`
	NumGPUs    *int64     `json:"numgpus,omitempty"`
	NumNodes   *int64     `json:"numnodes,omitempty"`
	MPIProcs   *int64     `json:"mpiprocs,omitempty"`
	OMPThreads *int64     `json:"ompthreads,omitempty"`
	ReqMem     *int64     `json:"reqmem,omitempty"`
	Memory     *int64     `json:"memory,omitempty"`
	VMemory    *int64     `json:"vmemory,omitempty"`
	CPUType    *string    `json:"cputype,omitempty"`
	GPUType    *string    `json:"gputype,omitempty"`
	Resources  *string    `json:"resources,omitempty"`
	PTargets   *string    `json:"ptargets,omitempty"`
	CPUPercent *float64   `json:"cpupercent,omitempty"`
	AvgCPU     *float64   `json:"avgcpu,omitempty"`
	RunCount   *int64     `json:"run_count,omitempty"`
}

// JobColumns lists the jobs table columns in the order Values and Targets use.
var JobColumns = []string{
	"job_id", "short_id", "name", "username", "account", "queue", "status",
	"submit_time", "eligible_time", "start_time", "end_time",
	"elapsed", "walltime", "cputime",
	"numcpus", "numgpus", "numnodes", "mpiprocs", "ompthreads",
	"reqmem", "memory", "vmemory",
	"cputype", "gputype", "resources", "ptargets",
	"cpupercent", "avgcpu", "run_count",
}

// Values returns the insert arguments, nil for absent fields.
func (j *Job) Values() []any {
	return []any{
		j.JobID, j.ShortID, j.Name, j.User, j.Account, j.Queue, j.Status,
		j.Submit, j.Eligible, j.Start, j.End,
		j.Elapsed, j.Walltime, j.CPUTime,
		j.NumCPUs, j.NumGPUs, j.NumNodes, j.MPIProcs, j.OMPThreads,
		j.ReqMem, j.Memory, j.VMemory,
		j.CPUType, j.GPUType, j.Resources, j.PTargets,
		j.CPUPercent, j.AvgCPU, j.RunCount,
	}
}

// Targets returns scan destinations matching JobColumns.
func (j *Job) Targets() []any {
	return []any{
		&j.JobID, &j.ShortID, &j.Name, &j.User, &j.Account, &j.Queue, &j.Status,
		&j.Submit, &j.Eligible, &j.Start, &j.End,
		&j.Elapsed, &j.Walltime, &j.CPUTime,
		&j.NumCPUs, &j.NumGPUs, &j.NumNodes, &j.MPIProcs, &j.OMPThreads,
		&j.ReqMem, &j.Memory, &j.VMemory,
		&j.CPUType, &j.GPUType, &j.Resources, &j.PTargets,
		&j.CPUPercent, &j.AvgCPU, &j.RunCount,
	}
}

// Number lets the charging rules read a job directly.
func (j *Job) Number(col string) (float64, bool) {
	var p *int64
	switch col {
	case "elapsed":
		p = j.Elapsed
	case "walltime":
		p = j.Walltime
	case "cputime":
		p = j.CPUTime
	case "numcpus":
		p = j.NumCPUs
	case "numgpus":
		p = j.NumGPUs
	case "numnodes":
		p = j.NumNodes
	case "mpiprocs":
		p = j.MPIProcs
	case "ompthreads":
		p = j.OMPThreads
	case "reqmem":
		p = j.ReqMem
	case "memory":
		p = j.Memory
	case "vmemory":
		p = j.VMemory
	case "run_count":
		p = j.RunCount
	case "cpupercent":
		return floatOf(j.CPUPercent)
	case "avgcpu":
		return floatOf(j.AvgCPU)
	}
	if p == nil {
		return 0, false
	}
	return float64(*p), true
}

func (j *Job) Text(col string) (string, bool) {
	var p *string
	switch col {
	case "job_id":
		return j.JobID, true
	case "name":
		p = j.Name
	case "username":
		p = j.User
	case "account":
		p = j.Account
	case "queue":
		p = j.Queue
	case "status":
		p = j.Status
	}
	if p == nil {
		return "", false
	}
	return *p, true
}

func floatOf(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

// DailySummary is one rollup row.
type DailySummary struct {
	Date        time.Time `json:"date"`
	User        string    `json:"user"`
	Account     string    `json:"account"`
	Queue       string    `json:"queue"`
	JobCount    int64     `json:"job_count"`
	CPUHours    float64   `json:"cpu_hours"`
	GPUHours    float64   `json:"gpu_hours"`
	MemoryHours float64   `json:"memory_hours"`
	ChargeHours float64   `json:"charge_hours"`
}

type Store struct{ DB *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// maxRowsPerInsert keeps a multi-row insert under Postgres' 65535 bind parameter limit.
const maxRowsPerInsert = 1000

// InsertJobs inserts jobs, ignoring any whose (job_id, submit_time) is already
// stored. The first stored version of a job wins. It returns the number of
// rows actually inserted.
func (s *Store) InsertJobs(ctx context.Context, jobs []Job) (int64, error) {
	var inserted int64
	for start := 0; start < len(jobs); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(jobs))
		query, args := insertJobsSQL(jobs[start:end])
		res, err := s.DB.ExecContext(ctx, query, args...)
		if err != nil {
			return inserted, fmt.Errorf("insert jobs: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func insertJobsSQL(jobs []Job) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO jobs(")
	b.WriteString(strings.Join(JobColumns, ","))
	b.WriteString(") VALUES ")
	args := make([]any, 0, len(jobs)*len(JobColumns))
	for i := range jobs {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := range JobColumns {
			if c > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", len(args)+c+1)
		}
		b.WriteString(")")
		args = append(args, jobs[i].Values()...)
	}
	b.WriteString(" ON CONFLICT (job_id, submit_time) DO NOTHING")
	return b.String(), args
}

// CountJobs counts stored jobs that ended in [start, end).
func (s *Store) CountJobs(ctx context.Context, start, end time.Time) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE end_time >= $1 AND end_time < $2`, start, end).Scan(&n)
	return n, err
}

// GetJob returns the stored version of a job, or nil when absent.
func (s *Store) GetJob(ctx context.Context, jobID string, submit time.Time) (*Job, error) {
	var j Job
	q := `SELECT ` + strings.Join(JobColumns, ",") + ` FROM jobs WHERE job_id=$1 AND submit_time=$2`
	err := s.DB.QueryRowContext(ctx, q, jobID, submit).Scan(j.Targets()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}
