package resource

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/ncar-hpc/qhistdb/internal/charging"
	"github.com/ncar-hpc/qhistdb/internal/errs"
	"github.com/ncar-hpc/qhistdb/internal/machine"
)

// Type selects which class of queue a report covers.
type Type string

const (
	CPU Type = "cpu"
	GPU Type = "gpu"
	All Type = "all"
)

func Types() []string { return []string{string(CPU), string(GPU), string(All)} }

func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case CPU, GPU, All:
		return t, nil
	}
	return "", errs.Invalid("resource type", s, Types())
}

var queues = map[machine.Machine]map[Type][]string{
	machine.Derecho: {
		CPU: {"cpu", "cpudev"},
		GPU: {"gpu", "gpudev", "pgpu"},
	},
	machine.Casper: {
		CPU: {"htc", "gdex", "largemem", "vis", "rda"},
		GPU: {"nvgpu", "gpgpu", "a100"},
	},
}

// Resolution is the queue allow-list and hours expression for one
// (resource type, machine) pair.
type Resolution struct {
	Type    Type
	Machine machine.Machine
	Queues  []string
	Hours   charging.Expr
}

// Resolve maps a resource type on a machine to the queues it covers and the
// charged-view expression that measures its usage.
func Resolve(t Type, m machine.Machine) (Resolution, error) {
	byType, ok := queues[m]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %q", errs.ErrUnknownMachine, m)
	}
	r := Resolution{Type: t, Machine: m}
	switch t {
	case CPU:
		r.Queues = append([]string(nil), byType[CPU]...)
		r.Hours = charging.Col(string(charging.CPUHours))
	case GPU:
		r.Queues = append([]string(nil), byType[GPU]...)
		r.Hours = charging.Col(string(charging.GPUHours))
	case All:
		r.Queues = lo.Uniq(append(append([]string(nil), byType[CPU]...), byType[GPU]...))
		r.Hours = charging.Add(charging.Col(string(charging.CPUHours)), charging.Col(string(charging.GPUHours)))
	default:
		return Resolution{}, errs.Invalid("resource type", string(t), Types())
	}
	return r, nil
}
