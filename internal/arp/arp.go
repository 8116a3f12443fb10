// Package arp fetches the appliance host's ARP table over SSH and
// parses ip/mac pairs from the command output. The table is an optional
// liveness signal layered on top of the appliance's activity records;
// every failure here degrades to "no ARP data" rather than failing the
// poll.
package arp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/nugget/pihole-presence/internal/config"
	"github.com/nugget/pihole-presence/internal/presence"
)

// macPattern matches a colon- or dash-separated 48-bit hardware address
// token in command output.
var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)

// Fetcher runs a remote address-resolution query (default "arp -n")
// over SSH. A new connection is dialed per fetch; the poll interval is
// long enough that holding a session open buys nothing and reconnecting
// survives appliance reboots for free.
type Fetcher struct {
	cfg    config.SSHConfig
	logger *slog.Logger
}

// NewFetcher creates an ARP fetcher from the SSH config. The caller is
// expected to have checked cfg.Configured().
func NewFetcher(cfg config.SSHConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{cfg: cfg, logger: logger}
}

// Fetch connects, runs the configured command, and returns the parsed
// table keyed by IP with normalized MAC values.
func (f *Fetcher) Fetch(ctx context.Context) (map[string]string, error) {
	auth, err := f.authMethods()
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(f.cfg.TimeoutSec) * time.Second
	clientCfg := &ssh.ClientConfig{
		User: f.cfg.Username,
		Auth: auth,
		// The appliance host is on the local subnet and the data is a
		// public ARP cache; matches the original deployment's
		// StrictHostKeyChecking=no.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(f.cfg.Host, strconv.Itoa(f.cfg.Port))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	output, err := session.Output(f.cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", f.cfg.Command, err)
	}

	table := ParseTable(string(output))
	f.logger.Debug("arp table fetched", "entries", len(table))
	return table, nil
}

// authMethods builds the SSH auth chain: key file first when
// configured, then password.
func (f *Fetcher) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if f.cfg.KeyFile != "" {
		key, err := os.ReadFile(f.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key %s: %w", f.cfg.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key %s: %w", f.cfg.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if f.cfg.Password != "" {
		methods = append(methods, ssh.Password(f.cfg.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh credentials configured")
	}
	return methods, nil
}

// ParseTable extracts ip/mac pairs from address-resolution command
// output. It handles both `arp -n` and `ip neigh` formats: any line
// whose first field parses as an IP and which contains a MAC-shaped
// token yields an entry. Header lines and incomplete entries are
// skipped. MACs are normalized to lowercase colon-separated form.
func ParseTable(output string) map[string]string {
	table := make(map[string]string)

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Address") || strings.Contains(line, "incomplete") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if net.ParseIP(fields[0]) == nil {
			continue
		}

		for _, field := range fields[1:] {
			if macPattern.MatchString(field) {
				if mac := presence.NormalizeMAC(field); mac != "" {
					table[fields[0]] = mac
				}
				break
			}
		}
	}

	return table
}
