package render

import (
	"net/url"
	"strings"
)

// RequestFilter decides whether a page request may leave the sandbox.
type RequestFilter func(rawURL string) bool

// Allowlist matches external hostnames exactly or by "*.suffix" wildcard.
type Allowlist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewAllowlist builds an allowlist from configured host patterns.
func NewAllowlist(hosts []string) *Allowlist {
	a := &Allowlist{exact: make(map[string]struct{})}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		switch {
		case h == "":
		case strings.HasPrefix(h, "*."):
			a.suffixes = append(a.suffixes, h[1:])
		default:
			a.exact[h] = struct{}{}
		}
	}
	return a
}

// AllowsHost reports whether host matches an entry.
// "*.example.com" matches sub.example.com but not example.com.
func (a *Allowlist) AllowsHost(host string) bool {
	host = strings.ToLower(host)
	if _, ok := a.exact[host]; ok {
		return true
	}
	for _, s := range a.suffixes {
		if strings.HasSuffix(host, s) && len(host) > len(s) {
			return true
		}
	}
	return false
}

// Filter returns a request filter allowing same-origin requests to origin
// plus allowlisted hosts. Inline data and blob URLs are always allowed.
func (a *Allowlist) Filter(origin string) RequestFilter {
	base, err := url.Parse(origin)
	return func(rawURL string) bool {
		u, perr := url.Parse(rawURL)
		if perr != nil {
			return false
		}
		switch u.Scheme {
		case "data", "blob":
			return true
		}
		if err == nil && sameOrigin(base, u) {
			return true
		}
		if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
			return false
		}
		return a.AllowsHost(u.Hostname())
	}
}

func sameOrigin(base, u *url.URL) bool {
	if !strings.EqualFold(base.Host, u.Host) {
		return false
	}
	switch {
	case base.Scheme == u.Scheme:
		return true
	case base.Scheme == "http" && u.Scheme == "ws":
		return true
	case base.Scheme == "https" && u.Scheme == "wss":
		return true
	}
	return false
}
