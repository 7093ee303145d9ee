package remote

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ncar-hpc/qhistdb/internal/ingest"
	"github.com/ncar-hpc/qhistdb/internal/machine"
	"github.com/ncar-hpc/qhistdb/internal/models"
)

// SSHConfig configures the native client.
type SSHConfig struct {
	User           string
	KeyFile        string
	KnownHostsFile string
	Port           int
	Timeout        time.Duration
}

// SSHFetcher runs qhist over an in-process ssh connection. It is used by the
// server, which cannot rely on an interactive user's ssh setup.
type SSHFetcher struct {
	Hosts   Hosts
	Timeout time.Duration
	Log     *slog.Logger

	port   int
	config *ssh.ClientConfig
}

func NewSSHFetcher(hosts Hosts, cfg SSHConfig, logger *slog.Logger) (*SSHFetcher, error) {
	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	hostKeys, err := knownhosts.New(cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	return &SSHFetcher{
		Hosts:   hosts,
		Timeout: timeoutOr(cfg.Timeout),
		Log:     logger,
		port:    port,
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         30 * time.Second,
		},
	}, nil
}

func (f *SSHFetcher) Fetch(ctx context.Context, m machine.Machine, start, end time.Time) ([]models.Job, error) {
	log := f.Log
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithTimeout(ctx, timeoutOr(f.Timeout))
	defer cancel()

	addr := net.JoinHostPort(f.Hosts.For(m), fmt.Sprint(f.port))
	client, err := ssh.Dial("tcp", addr, f.config)
	if err != nil {
		return nil, fmt.Errorf("ssh %s: %w", addr, err)
	}
	defer client.Close()
	// Closing the client unblocks Run when the context ends first.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session %s: %w", addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	command := strings.Join(QhistArgs(start, end), " ")
	if err := session.Run(command); err != nil {
		log.Error("qhist failed", "machine", m, "addr", addr, "stderr", strings.TrimSpace(stderr.String()), "err", err)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w on %s: %v", ErrCommand, m, ctx.Err())
		}
		return nil, fmt.Errorf("%w on %s: %s", ErrCommand, m, strings.TrimSpace(stderr.String()))
	}
	return ingest.Parse(stdout.Bytes())
}
