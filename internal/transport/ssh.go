package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSSHPort = 22

// SSHOpts configures connections to remote archive hosts.
type SSHOpts struct {
	KeyFile    string // private key; empty tries ~/.ssh/id_{ed25519,ecdsa,rsa}
	KnownHosts string // empty = ~/.ssh/known_hosts
	Insecure   bool   // skip host key verification
}

var errNoAuth = errors.New("no SSH credentials available (start an agent or pass --ssh-key)")

// DialSSH connects to the host of loc. The agent's keys are offered
// first, then the key files.
func DialSSH(ctx context.Context, loc Location, opts SSHOpts) (*ssh.Client, error) {
	login := loc.User
	if login == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("determine current user: %w", err)
		}
		login = u.Username
	}
	port := loc.Port
	if port == 0 {
		port = defaultSSHPort
	}

	signers := collectSigners(opts.KeyFile)
	if len(signers) == 0 {
		return nil, errNoAuth
	}
	verify, err := hostKeyCallback(opts)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(loc.Host, strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            login,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signers...)},
		HostKeyCallback: verify,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	slog.Debug("ssh connected", "host", addr, "user", login)
	return ssh.NewClient(c, chans, reqs), nil
}

// collectSigners gathers the agent's keys followed by the usable key
// files. Unreadable or encrypted key files are skipped.
func collectSigners(keyFile string) []ssh.Signer {
	var signers []ssh.Signer
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			if s, err := agent.NewClient(conn).Signers(); err == nil {
				signers = append(signers, s...)
			}
		}
	}

	paths := []string{keyFile}
	if keyFile == "" {
		paths = nil
		if home, err := os.UserHomeDir(); err == nil {
			for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
				paths = append(paths, filepath.Join(home, ".ssh", name))
			}
		}
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		s, err := ssh.ParsePrivateKey(data)
		if err != nil {
			slog.Debug("skipping ssh key", "path", p, "error", err)
			continue
		}
		signers = append(signers, s)
	}
	return signers
}

// hostKeyCallback checks host keys against known_hosts, which must
// exist unless opts.Insecure is set.
func hostKeyCallback(opts SSHOpts) (ssh.HostKeyCallback, error) {
	if opts.Insecure {
		//nolint:gosec // requested with --insecure-host-key
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := opts.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}
