package machine

import (
	"fmt"
	"strings"

	"github.com/ncar-hpc/qhistdb/internal/errs"
)

// Machine identifies one physical cluster. Each machine has its own job store
// and its own charging rules.
type Machine string

const (
	Derecho Machine = "derecho"
	Casper  Machine = "casper"
)

// All lists every supported machine in a stable order.
func All() []Machine { return []Machine{Casper, Derecho} }

func Names() []string {
	out := make([]string, 0, 2)
	for _, m := range All() {
		out = append(out, string(m))
	}
	return out
}

// Parse is case-insensitive.
func Parse(s string) (Machine, error) {
	m := Machine(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case Derecho, Casper:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q, must be one of %s", errs.ErrUnknownMachine, s, strings.Join(Names(), ", "))
}

// Abbrev is the two letter prefix used in report file names ("De", "Ca").
func (m Machine) Abbrev() string {
	if len(m) < 2 {
		return strings.ToUpper(string(m))
	}
	return strings.ToUpper(string(m[:1])) + string(m[1:2])
}

func (m Machine) String() string { return string(m) }
