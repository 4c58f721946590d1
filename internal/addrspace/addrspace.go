// Package addrspace maps backend paths to the URLs a browser requests and
// back. A Space is either direct (URLs point at the backend itself, for a
// service worker to intercept) or proxied (URLs are served by this process
// under /bundles/{backend}/).
package addrspace

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/fruitsalade/bundleproxy/internal/bundle"
)

// ErrNotFound is returned for request paths outside the space or naming
// no known member.
var ErrNotFound = errors.New("address not found")

// ProxyPrefix is the path under which proxied members are served.
const ProxyPrefix = "/bundles/"

// Mode selects how member URLs are formed.
type Mode int

const (
	Direct Mode = iota
	Proxied
)

func (m Mode) String() string {
	if m == Proxied {
		return "proxied"
	}
	return "direct"
}

// Membership answers whether a backend path belongs to a known bundle.
type Membership interface {
	Contains(backendID, backendPath string) bool
}

// Space is the address space of one backend.
type Space struct {
	backend string
	mode    Mode
	base    string
	members Membership
}

// New creates the space of a backend. baseURL is the backend root URL used
// in direct mode; a backend without one is always proxied. members may be
// nil to accept every path.
func New(backendID, baseURL string, mode Mode, members Membership) *Space {
	s := &Space{backend: backendID, mode: mode, members: members}
	if mode == Direct && baseURL != "" {
		s.base = strings.TrimSuffix(baseURL, "/") + "/"
	} else {
		s.mode = Proxied
		s.base = ProxyPrefix + backendID + "/"
	}
	return s
}

// Backend returns the backend ID.
func (s *Space) Backend() string { return s.backend }

// Mode returns the effective mode.
func (s *Space) Mode() Mode { return s.mode }

// Base returns the external URL of the backend root, ending in "/".
func (s *Space) Base() string { return s.base }

// ToExternal returns the URL of a backend path. Paths are appended as they
// are so that a relative reference v inside a folder f maps to
// ToExternal(f) + "/" + v.
func (s *Space) ToExternal(backendPath string) string {
	return s.base + strings.TrimPrefix(backendPath, "/")
}

// FromExternal maps a requested URL or path back to a backend path. Query
// and fragment are ignored. Paths outside the space, or not belonging to a
// known bundle, fail with ErrNotFound.
func (s *Space) FromExternal(requestPath string) (string, error) {
	rest, ok := s.strip(requestPath)
	if !ok {
		return "", fmt.Errorf("%w: %s is outside %s", ErrNotFound, requestPath, s.base)
	}
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}
	if dec, err := url.PathUnescape(rest); err == nil {
		rest = dec
	}
	p := bundle.CleanPath(rest)
	if p == "" {
		return "", fmt.Errorf("%w: %s names no member", ErrNotFound, requestPath)
	}
	if s.members != nil && !s.members.Contains(s.backend, p) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return p, nil
}

func (s *Space) strip(requestPath string) (string, bool) {
	if rest, ok := strings.CutPrefix(requestPath, s.base); ok {
		return rest, true
	}
	if s.mode == Direct {
		// Accept the bare path of an absolute base.
		if u, err := url.Parse(s.base); err == nil && u.Path != "" {
			return strings.CutPrefix(requestPath, u.Path)
		}
	}
	return "", false
}
