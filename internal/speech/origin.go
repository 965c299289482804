package speech

import (
	"net/url"
	"strings"
)

// SecureOrigin reports whether microphone capture may be attempted from the
// given page origin: https anywhere, or any scheme on a loopback host.
func SecureOrigin(origin string) bool {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Scheme, "https") {
		return true
	}
	switch strings.ToLower(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
