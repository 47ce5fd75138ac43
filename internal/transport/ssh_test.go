package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func newHostKey(t *testing.T) (ssh.PublicKey, *pem.Block) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return sshPub, block
}

func TestHostKeyCallbackKnownHosts(t *testing.T) {
	key, _ := newHostKey(t)
	other, _ := newHostKey(t)
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize("tapehost:22")}, key)
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))

	cb, err := hostKeyCallback(SSHOpts{KnownHosts: path})
	require.NoError(t, err)

	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 22}
	assert.NoError(t, cb("tapehost:22", addr, key))
	assert.Error(t, cb("tapehost:22", addr, other))
}

func TestHostKeyCallbackMissingFile(t *testing.T) {
	_, err := hostKeyCallback(SSHOpts{KnownHosts: filepath.Join(t.TempDir(), "absent")})
	assert.Error(t, err)
}

func TestHostKeyCallbackInsecure(t *testing.T) {
	cb, err := hostKeyCallback(SSHOpts{Insecure: true, KnownHosts: "/nonexistent"})
	require.NoError(t, err)
	key, _ := newHostKey(t)
	assert.NoError(t, cb("anyhost:22", &net.TCPAddr{}, key))
}

func TestCollectSignersKeyFile(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	dir := t.TempDir()
	pub, block := newHostKey(t)
	keyPath := filepath.Join(dir, "id_test")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	signers := collectSigners(keyPath)
	require.Len(t, signers, 1)
	assert.Equal(t, pub.Marshal(), signers[0].PublicKey().Marshal())

	junk := filepath.Join(dir, "junk")
	require.NoError(t, os.WriteFile(junk, []byte("not a key"), 0o600))
	assert.Empty(t, collectSigners(junk))
	assert.Empty(t, collectSigners(filepath.Join(dir, "absent")))
}
