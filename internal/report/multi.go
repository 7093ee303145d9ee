package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/ncar-hpc/qhistdb/internal/errs"
	"github.com/ncar-hpc/qhistdb/internal/machine"
	"github.com/ncar-hpc/qhistdb/internal/period"
	"github.com/ncar-hpc/qhistdb/internal/queries"
	"github.com/ncar-hpc/qhistdb/internal/ranges"
	"github.com/ncar-hpc/qhistdb/internal/resource"
)

// Target is one machine's query engine.
type Target struct {
	Machine machine.Machine
	Queries *queries.JobQueries
}

// RunMulti runs op against each target in order and concatenates the rows,
// stamping each with a leading machine column. Machines have no common store,
// so each run is independent.
func RunMulti(ctx context.Context, targets []Target, op Operation) (*Table, error) {
	out := &Table{Name: op.Name(), Columns: []Column{col("machine", "Machine", 10, "")}}
	for i, tg := range targets {
		t, err := op.Run(ctx, tg.Queries)
		if err != nil {
			return nil, fmt.Errorf("%s on %s: %w", op.Name(), tg.Machine, err)
		}
		if i == 0 {
			out.Columns = append(out.Columns, t.Columns...)
		}
		for _, r := range t.Rows {
			stamped := Row{"machine": string(tg.Machine)}
			for k, v := range r {
				stamped[k] = v
			}
			out.Rows = append(out.Rows, stamped)
		}
	}
	return out, nil
}

// Params carries the already-parsed arguments an operation may need.
type Params struct {
	Resource resource.Type
	GroupBy  queries.GroupBy
	Range    ranges.Kind
	Period   period.Granularity
	Window   queries.Window
	Limit    int
	Account  string
	User     string
}

// Names lists the operations Build accepts.
func Names() []string {
	return []string{
		"usage", "job-waits", "job-sizes", "job-durations", "memory-per-rank",
		"history", "jobs-per-user", "unique-users", "unique-projects",
		"top-users", "queue-stats", "account-summary", "user-summary", "daily-summary",
	}
}

// Build maps an operation name from the CLI or API onto its Operation.
func Build(name string, p Params) (Operation, error) {
	switch strings.ToLower(name) {
	case "usage":
		return Usage{Resource: p.Resource, GroupBy: p.GroupBy, Window: p.Window}, nil
	case "job-waits":
		return JobWaits{Resource: p.Resource, Range: p.Range, Window: p.Window}, nil
	case "job-sizes":
		return JobSizes{Resource: p.Resource, Range: p.Range, Window: p.Window}, nil
	case "job-durations":
		return JobDurations{Resource: p.Resource, Window: p.Window, Period: p.Period}, nil
	case "memory-per-rank":
		return MemoryPerRank{Resource: p.Resource, Window: p.Window, Period: p.Period}, nil
	case "history":
		return History{Window: p.Window, Period: p.Period}, nil
	case "jobs-per-user":
		return JobsPerUser{Window: p.Window, Period: p.Period}, nil
	case "unique-users":
		return UniqueUsers{Window: p.Window, Period: p.Period}, nil
	case "unique-projects":
		return UniqueProjects{Window: p.Window, Period: p.Period}, nil
	case "top-users":
		return TopUsers{Window: p.Window, Limit: p.Limit}, nil
	case "queue-stats":
		return QueueStats{Window: p.Window}, nil
	case "account-summary":
		return AccountSummary{Account: p.Account, Window: p.Window}, nil
	case "user-summary":
		return UserSummary{User: p.User, Window: p.Window}, nil
	case "daily-summary":
		return DailySummary{Account: p.Account, User: p.User, Window: p.Window}, nil
	}
	return nil, errs.Invalid("report", name, Names())
}
