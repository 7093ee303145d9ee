package resource

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/ncar-hpc/qhistdb/internal/charging"
	"github.com/ncar-hpc/qhistdb/internal/errs"
	"github.com/ncar-hpc/qhistdb/internal/machine"
)

func TestResolveAllIsExactUnion(t *testing.T) {
	for _, m := range machine.All() {
		cpu, err := Resolve(CPU, m)
		if err != nil {
			t.Fatal(err)
		}
		gpu, _ := Resolve(GPU, m)
		all, _ := Resolve(All, m)
		want := append(append([]string{}, cpu.Queues...), gpu.Queues...)
		if !reflect.DeepEqual(all.Queues, want) {
			t.Fatalf("%s: all=%v want %v", m, all.Queues, want)
		}
		seen := map[string]bool{}
		for _, q := range all.Queues {
			if seen[q] {
				t.Fatalf("%s: duplicate queue %q", m, q)
			}
			seen[q] = true
		}
	}
}

func TestResolveHours(t *testing.T) {
	c := charging.Charges{CPUHours: 10, GPUHours: 2}
	cases := map[Type]float64{CPU: 10, GPU: 2, All: 12}
	for typ, want := range cases {
		r, err := Resolve(typ, machine.Derecho)
		if err != nil {
			t.Fatal(err)
		}
		if got := r.Hours.Eval(c); got != want {
			t.Fatalf("%s: got %v want %v", typ, got, want)
		}
	}
	r, _ := Resolve(All, machine.Casper)
	if r.Hours.SQL() != "(COALESCE(cpu_hours, 0) + COALESCE(gpu_hours, 0))" {
		t.Fatalf("sql %q", r.Hours.SQL())
	}
}

func TestParseAndResolveErrors(t *testing.T) {
	_, err := ParseType("tpu")
	if err == nil || !errors.Is(err, errs.ErrInvalidParameter) {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
	for _, want := range []string{"tpu", "cpu", "gpu", "all"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
	if strings.HasPrefix(err.Error(), "Invalid") {
		t.Fatalf("error %q should start lower case", err)
	}
	if _, err := Resolve(Type("tpu"), machine.Casper); !errors.Is(err, errs.ErrInvalidParameter) {
		t.Fatalf("expected invalid parameter, got %v", err)
	}
	if _, err := Resolve(CPU, machine.Machine("summit")); !errors.Is(err, errs.ErrUnknownMachine) {
		t.Fatalf("expected unknown machine, got %v", err)
	}
}

func TestResolutionsAreCopies(t *testing.T) {
	r, err := Resolve(CPU, machine.Casper)
	if err != nil {
		t.Fatal(err)
	}
	r.Queues[0] = "mutated"
	again, _ := Resolve(CPU, machine.Casper)
	if again.Queues[0] != "htc" {
		t.Fatal("queue table was mutated through returned slice")
	}
	if g, _ := Resolve(GPU, machine.Casper); len(g.Queues) != 3 {
		t.Fatal("expected three casper gpu queues")
	}
}
