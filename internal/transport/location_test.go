package transport_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bamsammich/reel/internal/transport"
)

func TestParseLocationLocal(t *testing.T) {
	t.Parallel()

	for _, name := range []string{
		"-",
		"/dev/nst0",
		"archive.tar",
		"backups/monday.tar",
		"./tapehost:x.tar",
		"../tapehost:x.tar",
		"/mnt/tape:1.tar",
		"vol/tapehost:x.tar",
		":x.tar",
		"operator@:x.tar",
		"/srv/archives/",
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			loc := transport.ParseLocation(name)
			assert.False(t, loc.IsRemote())
			assert.Equal(t, transport.Location{Path: name}, loc)
			assert.Equal(t, name, loc.String())
		})
	}
}

func TestParseLocationRemote(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  transport.Location
	}{
		{"tapehost:/dev/nst0", transport.Location{Host: "tapehost", Path: "/dev/nst0"}},
		{"operator@tapehost:/dev/nst0", transport.Location{Host: "tapehost", User: "operator", Path: "/dev/nst0"}},
		{"operator@tapehost:week1.tar", transport.Location{Host: "tapehost", User: "operator", Path: "week1.tar"}},
		{"op@backup.example.com:/a.tar", transport.Location{Host: "backup.example.com", User: "op", Path: "/a.tar"}},
		{"a@b@tapehost:x.tar", transport.Location{Host: "tapehost", User: "a@b", Path: "x.tar"}},
		{"tapehost:", transport.Location{Host: "tapehost"}},
		{"ssh://operator@tapehost:2222/srv/a.tar", transport.Location{Host: "tapehost", User: "operator", Path: "/srv/a.tar", Port: 2222}},
		{"ssh://tapehost/a.tar", transport.Location{Host: "tapehost", Path: "/a.tar"}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			loc := transport.ParseLocation(tt.input)
			assert.True(t, loc.IsRemote())
			assert.Equal(t, tt.want, loc)
		})
	}
}

func TestParseLocationBadURL(t *testing.T) {
	t.Parallel()

	loc := transport.ParseLocation("ssh://tapehost:port/a.tar")
	assert.False(t, loc.IsRemote())
	assert.Equal(t, "ssh://tapehost:port/a.tar", loc.Path)
}

func TestLocationString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "operator@tapehost:/a.tar",
		transport.Location{Host: "tapehost", User: "operator", Path: "/a.tar"}.String())
	assert.Equal(t, "tapehost:/a.tar",
		transport.Location{Host: "tapehost", Path: "/a.tar"}.String())
	assert.Equal(t, "ssh://operator@tapehost:2222/a.tar",
		transport.Location{Host: "tapehost", User: "operator", Port: 2222, Path: "/a.tar"}.String())
	assert.Equal(t, "ssh://tapehost:2222/a.tar",
		transport.Location{Host: "tapehost", Port: 2222, Path: "/a.tar"}.String())
}

func TestLocationKeySharesConnections(t *testing.T) {
	t.Parallel()

	week1 := transport.ParseLocation("operator@tapehost:/week1.tar")
	week2 := transport.ParseLocation("operator@tapehost:/week2.tar")
	other := transport.ParseLocation("root@tapehost:/week1.tar")
	port := transport.ParseLocation("ssh://operator@tapehost:2222/week1.tar")

	assert.Equal(t, week1.Key(), week2.Key())
	assert.NotEqual(t, week1.Key(), other.Key())
	assert.NotEqual(t, week1.Key(), port.Key())
	assert.Equal(t, "operator@tapehost:0", week1.Key())
}
