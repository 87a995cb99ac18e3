// Package location parses the source/destination arguments accepted by the
// syncfast CLI (spec.md §6's location syntax table), grounded field for
// field on original_source's sync::locations module.
package location

import (
	"strings"
)

// Kind discriminates a Location's realization.
type Kind int

const (
	Local Kind = iota
	Ssh
	Http
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case Ssh:
		return "ssh"
	case Http:
		return "http"
	default:
		return "unknown"
	}
}

// SshTarget is a location reachable over SSH: an optional user, a host,
// and a path on that host (possibly relative to the remote user's home).
type SshTarget struct {
	User string
	Host string
	Path string
}

// Location is a parsed source/destination argument.
type Location struct {
	Kind Kind

	LocalPath string    // Local
	Ssh       SshTarget // Ssh
	URL       string    // Http
}

// Parse interprets s per spec.md §8 E4: http(s):// is HTTP, ssh://[user@]
// host/path is SSH, file:///abs/path is a local absolute path, anything
// else beginning with a bare "[a-z]+:/" scheme-looking prefix is rejected,
// and everything else is a local path (including relative paths and
// strings that merely contain "://" without being a recognized scheme).
func Parse(s string) (Location, bool) {
	switch {
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return Location{Kind: Http, URL: s}, true
	case strings.HasPrefix(s, "ssh://"):
		return parseSsh(s)
	case strings.HasPrefix(s, "file:///"):
		return Location{Kind: Local, LocalPath: s[len("file://"):]}, true
	default:
		return parseBare(s)
	}
}

func parseSsh(s string) (Location, bool) {
	rest := s[len("ssh://"):]
	idxSlash := strings.IndexByte(rest, '/')
	if idxSlash < 0 {
		return Location{}, false
	}

	hostPart := rest[:idxSlash]
	path := rest[idxSlash:]

	user := ""
	host := hostPart
	if idxAt := strings.IndexByte(hostPart, '@'); idxAt >= 0 {
		user = hostPart[:idxAt]
		host = hostPart[idxAt+1:]
	}

	return Location{Kind: Ssh, Ssh: SshTarget{User: user, Host: host, Path: path}}, true
}

// parseBare rejects strings that look like an unrecognized "scheme:/..."
// URI (a run of ASCII letters followed immediately by ":/"), and treats
// everything else as a local path.
func parseBare(s string) (Location, bool) {
	for i, c := range s {
		if c == ':' {
			if i > 0 && i+1 < len(s) && s[i+1] == '/' {
				return Location{}, false
			}
			continue
		}
		if !isASCIIAlpha(c) {
			break
		}
	}
	return Location{Kind: Local, LocalPath: s}, true
}

func isASCIIAlpha(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
