package transport

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// Location is a parsed archive name: a local file or device, or a file
// on a remote host reached over SSH.
type Location struct {
	Host string
	User string
	Path string
	Port int // 0 = default
}

// IsRemote returns true if the location refers to a remote host.
func (l Location) IsRemote() bool {
	return l.Host != ""
}

// Key identifies the connection a remote location needs.
func (l Location) Key() string {
	return fmt.Sprintf("%s@%s", l.User, net.JoinHostPort(l.Host, strconv.Itoa(l.Port)))
}

// String returns a human-readable representation.
func (l Location) String() string {
	if !l.IsRemote() {
		return l.Path
	}
	if l.Port != 0 {
		u := url.URL{Scheme: "ssh", Host: net.JoinHostPort(l.Host, strconv.Itoa(l.Port)), Path: l.Path}
		if l.User != "" {
			u.User = url.User(l.User)
		}
		return u.String()
	}
	if l.User != "" {
		return fmt.Sprintf("%s@%s:%s", l.User, l.Host, l.Path)
	}
	return fmt.Sprintf("%s:%s", l.Host, l.Path)
}

// ParseLocation parses an archive name into a Location.
//
// Supported formats:
//   - -                               → standard input/output
//   - /absolute/path                  → local
//   - relative/path                   → local
//   - host:path                       → remote (current user)
//   - user@host:path                  → remote
//   - ssh://[user@]host[:port]/path   → remote on a given port
//
// A name containing ":" is only remote if the part before the colon
// contains no path separators (so "/dev/st0:x" and "./host:path" are
// local).
func ParseLocation(arg string) Location {
	if strings.HasPrefix(arg, "ssh://") {
		return parseSSHURL(arg)
	}
	if arg == "-" || filepath.IsAbs(arg) || strings.HasPrefix(arg, "./") || strings.HasPrefix(arg, "../") {
		return Location{Path: arg}
	}

	hostPart, pathPart, ok := strings.Cut(arg, ":")
	if !ok || hostPart == "" || strings.ContainsRune(hostPart, '/') ||
		strings.ContainsRune(hostPart, filepath.Separator) {
		return Location{Path: arg}
	}

	user, host := "", hostPart
	if at := strings.LastIndexByte(hostPart, '@'); at >= 0 {
		user, host = hostPart[:at], hostPart[at+1:]
	}
	if host == "" {
		return Location{Path: arg}
	}
	return Location{Host: host, User: user, Path: pathPart}
}

func parseSSHURL(raw string) Location {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return Location{Path: raw}
	}

	loc := Location{Host: u.Hostname(), Path: u.Path}
	if p := u.Port(); p != "" {
		if loc.Port, err = strconv.Atoi(p); err != nil {
			return Location{Path: raw}
		}
	}
	if u.User != nil {
		loc.User = u.User.Username()
	}
	return loc
}
