package ldaproute

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Default LDAP ports.
const (
	DefaultLDAPPort  uint16 = 389
	DefaultLDAPSPort uint16 = 636
)

// URL is the subset of an LDAP URL this layer routes on: scheme, host, port
// and base DN. Attributes, scope and filter belong to the operation layer.
type URL struct {
	Scheme string // "ldap" or "ldaps"
	Host   string
	Port   uint16
	BaseDN string
}

// ParseURL parses an LDAP URL of the form ldap://host:port/baseDN or
// ldaps://host:port/baseDN. A missing port defaults to 389 for ldap and 636
// for ldaps.
func ParseURL(raw string) (*URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("LDAP URL cannot be empty")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid LDAP URL %q: %w", raw, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ldap" && scheme != "ldaps" {
		return nil, fmt.Errorf("unsupported scheme %q, must be ldap or ldaps", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return nil, fmt.Errorf("LDAP URL %q has no host", raw)
	}

	port := DefaultLDAPPort
	if scheme == "ldaps" {
		port = DefaultLDAPSPort
	}
	if portStr := parsed.Port(); portStr != "" {
		n, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid port %q in LDAP URL %q", portStr, raw)
		}
		port = uint16(n)
	}

	baseDN := strings.TrimPrefix(parsed.Path, "/")
	if unescaped, err := url.PathUnescape(baseDN); err == nil {
		baseDN = unescaped
	}

	return &URL{
		Scheme: scheme,
		Host:   host,
		Port:   port,
		BaseDN: baseDN,
	}, nil
}

// Endpoint returns the host/port pair this URL addresses.
func (u *URL) Endpoint() Endpoint {
	return Endpoint{Host: u.Host, Port: u.Port}
}

// String reassembles the URL.
func (u *URL) String() string {
	s := fmt.Sprintf("%s://%s", u.Scheme, u.Endpoint().String())
	if u.BaseDN != "" {
		s += "/" + url.PathEscape(u.BaseDN)
	}
	return s
}
