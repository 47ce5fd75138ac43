package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/pkg/sftp"

	"github.com/bamsammich/reel/internal/volume"
)

// ErrNoRemotePath is returned for a remote archive name without a path.
var ErrNoRemotePath = errors.New("remote archive name has no path")

// Dialer connects to the host of a remote location and returns an SFTP
// client together with the connection to close after it.
type Dialer func(ctx context.Context, loc Location) (*sftp.Client, io.Closer, error)

// Media opens archive volumes by name, reaching remote volumes over
// SFTP. One connection is kept per user, host and port for the life of
// the Media, so every volume of a multi-volume archive reuses it.
type Media struct {
	dial       Dialer
	conns      map[string]*remoteConn
	mu         sync.Mutex
	forceLocal bool
}

type remoteConn struct {
	client *sftp.Client
	closer io.Closer
}

// NewMedia returns Media dialing remote hosts with opts. When
// forceLocal is set every name is a local file, colons included.
func NewMedia(opts SSHOpts, forceLocal bool) *Media {
	return &Media{
		dial:       sshDialer(opts),
		conns:      make(map[string]*remoteConn),
		forceLocal: forceLocal,
	}
}

// NewMediaWithDialer returns Media using dial for remote hosts.
func NewMediaWithDialer(dial Dialer) *Media {
	return &Media{dial: dial, conns: make(map[string]*remoteConn)}
}

func sshDialer(opts SSHOpts) Dialer {
	return func(ctx context.Context, loc Location) (*sftp.Client, io.Closer, error) {
		sshClient, err := DialSSH(ctx, loc, opts)
		if err != nil {
			return nil, nil, err
		}
		client, err := sftp.NewClient(sshClient)
		if err != nil {
			sshClient.Close()
			return nil, nil, fmt.Errorf("sftp client: %w", err)
		}
		return client, sshClient, nil
	}
}

// Open implements volume.Opener.
func (m *Media) Open(ctx context.Context, name string, mode volume.Mode) (volume.Medium, error) {
	if m.forceLocal {
		return volume.OpenFile(ctx, name, mode)
	}
	loc := ParseLocation(name)
	if !loc.IsRemote() {
		return volume.OpenFile(ctx, name, mode)
	}
	if loc.Path == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrNoRemotePath)
	}

	client, err := m.client(ctx, loc)
	if err != nil {
		return nil, err
	}

	var f *sftp.File
	switch mode {
	case volume.ModeRead:
		f, err = client.Open(loc.Path)
	case volume.ModeWrite:
		f, err = client.OpenFile(loc.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	default:
		f, err = client.OpenFile(loc.Path, os.O_RDWR|os.O_CREATE)
	}
	if err != nil {
		return nil, fmt.Errorf("sftp open %s: %w", loc, err)
	}
	return f, nil
}

func (m *Media) client(ctx context.Context, loc Location) (*sftp.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := loc.Key()
	if c, ok := m.conns[key]; ok {
		return c.client, nil
	}
	client, closer, err := m.dial(ctx, loc)
	if err != nil {
		return nil, err
	}
	m.conns[key] = &remoteConn{client: client, closer: closer}
	slog.Debug("remote archive host connected", "host", loc.Host)
	return client, nil
}

// Close closes every remote connection.
func (m *Media) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for key, c := range m.conns {
		if err := c.client.Close(); err != nil {
			errs = append(errs, err)
		}
		if c.closer != nil {
			if err := c.closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(m.conns, key)
	}
	return errors.Join(errs...)
}
