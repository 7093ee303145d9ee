// Package remote runs qhist on a machine's login node and parses its output.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/ncar-hpc/qhistdb/internal/ingest"
	"github.com/ncar-hpc/qhistdb/internal/machine"
	"github.com/ncar-hpc/qhistdb/internal/models"
	"github.com/ncar-hpc/qhistdb/internal/period"
)

// DefaultTimeout bounds one qhist invocation.
const DefaultTimeout = 5 * time.Minute

// ErrCommand is wrapped by every failure of the remote qhist command itself.
var ErrCommand = errors.New("qhist command failed")

// Fetcher returns the job records ending in [start, end].
type Fetcher interface {
	Fetch(ctx context.Context, m machine.Machine, start, end time.Time) ([]models.Job, error)
}

// QhistArgs builds the remote qhist command line for a day or a date range.
func QhistArgs(start, end time.Time) []string {
	p := period.Compact(start)
	if !end.IsZero() && !period.Midnight(end).Equal(period.Midnight(start)) {
		p += "-" + period.Compact(end)
	}
	return []string{"qhist", "-J", "-f=" + ingest.Fields, "-p", p}
}

// Hosts maps a machine to the ssh destination for its login node. Machines
// not listed are reached by their own name.
type Hosts map[machine.Machine]string

func (h Hosts) For(m machine.Machine) string {
	if host, ok := h[m]; ok && host != "" {
		return host
	}
	return m.String()
}

// CommandFunc matches exec.CommandContext so tests can substitute it.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// ExecFetcher shells out to the system ssh client, relying on the user's
// ssh configuration for keys and host aliases.
type ExecFetcher struct {
	Hosts   Hosts
	Timeout time.Duration
	Command CommandFunc
	Log     *slog.Logger
}

func NewExecFetcher(hosts Hosts, logger *slog.Logger) *ExecFetcher {
	return &ExecFetcher{Hosts: hosts, Timeout: DefaultTimeout, Command: exec.CommandContext, Log: logger}
}

func (f *ExecFetcher) Fetch(ctx context.Context, m machine.Machine, start, end time.Time) ([]models.Job, error) {
	log := f.Log
	if log == nil {
		log = slog.Default()
	}
	command := f.Command
	if command == nil {
		command = exec.CommandContext
	}
	ctx, cancel := context.WithTimeout(ctx, timeoutOr(f.Timeout))
	defer cancel()

	args := append([]string{f.Hosts.For(m)}, QhistArgs(start, end)...)
	cmd := command(ctx, "ssh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	began := time.Now()
	if err := cmd.Run(); err != nil {
		log.Error("qhist failed", "machine", m, "cmd", cmd.String(), "stderr", strings.TrimSpace(stderr.String()), "err", err)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w on %s: %v", ErrCommand, m, ctx.Err())
		}
		return nil, fmt.Errorf("%w on %s: %s", ErrCommand, m, strings.TrimSpace(stderr.String()))
	}
	log.Debug("qhist done", "machine", m, "bytes", stdout.Len(), "took", time.Since(began))
	return ingest.Parse(stdout.Bytes())
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
