package transport_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/reel/internal/transport"
	"github.com/bamsammich/reel/internal/volume"
)

// memDialer serves every host from one in-memory SFTP file system.
type memDialer struct {
	handlers sftp.Handlers
	dials    atomic.Int32
}

func newMemDialer() *memDialer {
	return &memDialer{handlers: sftp.InMemHandler()}
}

func (d *memDialer) dial(_ context.Context, _ transport.Location) (*sftp.Client, io.Closer, error) {
	d.dials.Add(1)
	clientConn, serverConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, d.handlers)
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	if err != nil {
		return nil, nil, err
	}
	return client, server, nil
}

func TestMedia_RemoteRoundTrip(t *testing.T) {
	d := newMemDialer()
	m := transport.NewMediaWithDialer(d.dial)
	defer m.Close()
	ctx := context.Background()

	w, err := m.Open(ctx, "tape@vault:/a.tar", volume.ModeWrite)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte("reel"), 1024)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := m.Open(ctx, "tape@vault:/a.tar", volume.ModeRead)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, payload, got)

	assert.Equal(t, int32(1), d.dials.Load(), "connection is reused")
}

func TestMedia_RemoteSeekable(t *testing.T) {
	d := newMemDialer()
	m := transport.NewMediaWithDialer(d.dial)
	defer m.Close()
	ctx := context.Background()

	w, err := m.Open(ctx, "vault:/s.tar", volume.ModeWrite)
	require.NoError(t, err)
	_, err = w.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := m.Open(ctx, "vault:/s.tar", volume.ModeRead)
	require.NoError(t, err)
	defer r.Close()
	sk, ok := r.(io.Seeker)
	require.True(t, ok)
	_, err = sk.Seek(6, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "6789", string(buf))
}

func TestMedia_RemoteMissing(t *testing.T) {
	m := transport.NewMediaWithDialer(newMemDialer().dial)
	defer m.Close()

	_, err := m.Open(context.Background(), "vault:/missing.tar", volume.ModeRead)
	require.Error(t, err)
}

func TestMedia_RemoteNoPath(t *testing.T) {
	m := transport.NewMediaWithDialer(newMemDialer().dial)
	defer m.Close()

	_, err := m.Open(context.Background(), "vault:", volume.ModeRead)
	require.ErrorIs(t, err, transport.ErrNoRemotePath)
}

func TestMedia_DialError(t *testing.T) {
	boom := errors.New("unreachable")
	m := transport.NewMediaWithDialer(func(context.Context, transport.Location) (*sftp.Client, io.Closer, error) {
		return nil, nil, boom
	})
	defer m.Close()

	_, err := m.Open(context.Background(), "vault:/a.tar", volume.ModeRead)
	require.ErrorIs(t, err, boom)
}

func TestMedia_Local(t *testing.T) {
	d := newMemDialer()
	m := transport.NewMediaWithDialer(d.dial)
	defer m.Close()

	path := filepath.Join(t.TempDir(), "local.tar")
	w, err := m.Open(context.Background(), path, volume.ModeWrite)
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
	assert.Zero(t, d.dials.Load())
}

func TestMedia_ForceLocal(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	m := transport.NewMedia(transport.SSHOpts{}, true)
	defer m.Close()

	w, err := m.Open(context.Background(), "host:file.tar", volume.ModeWrite)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.FileExists(t, filepath.Join(dir, "host:file.tar"))
}

func TestMedia_VolumeSession(t *testing.T) {
	d := newMemDialer()
	m := transport.NewMediaWithDialer(d.dial)
	defer m.Close()
	ctx := context.Background()

	opts := volume.Options{
		Archives:       []string{"vault:/backup.tar"},
		BlockingFactor: 4,
		Open:           m.Open,
	}
	s, err := volume.Open(ctx, opts, volume.ModeWrite)
	require.NoError(t, err)
	b, err := s.Next()
	require.NoError(t, err)
	copy(b.Bytes(), "payload")
	s.ConsumeThrough(b)
	require.NoError(t, s.Close())

	r, err := m.Open(ctx, "vault:/backup.tar", volume.ModeRead)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, data, 4*512)
	assert.Equal(t, "payload", string(data[:7]))
}
