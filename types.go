package ldaproute

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"
)

// Endpoint identifies an LDAP server as a host/port pair. It is an immutable
// value: Endpoints are compared and used as map keys by value.
type Endpoint struct {
	Host string
	Port uint16
}

// String returns the endpoint in host:port form, suitable for dialing.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// TransportSecurity is the transport negotiated (or to be negotiated) for a
// connection: plaintext, TLS from the first byte, or plaintext upgraded via
// StartTLS.
type TransportSecurity uint8

const (
	TransportPlaintext TransportSecurity = iota
	TransportTLS
	TransportStartTLS
)

// String returns string representation of the transport security.
func (s TransportSecurity) String() string {
	switch s {
	case TransportPlaintext:
		return "plaintext"
	case TransportTLS:
		return "tls"
	case TransportStartTLS:
		return "starttls"
	default:
		return "unknown"
	}
}

// transportFor collapses a (useTLS, useStartTLS) decision into a
// TransportSecurity. TLS and StartTLS are mutually exclusive by construction.
func transportFor(useTLS, useStartTLS bool) TransportSecurity {
	switch {
	case useTLS:
		return TransportTLS
	case useStartTLS:
		return TransportStartTLS
	default:
		return TransportPlaintext
	}
}

// DialTarget describes a single connection attempt: where to connect and how
// to secure the transport.
type DialTarget struct {
	Endpoint       Endpoint
	Security       TransportSecurity
	TLSConfig      *tls.Config   // used for TLS and StartTLS negotiation
	ConnectTimeout time.Duration // bounds the TCP connect and TLS handshake
}

// DialFunc establishes a single connection to a target. The default
// implementation dials with go-ldap; tests and callers with special transport
// needs may substitute their own.
type DialFunc func(ctx context.Context, target DialTarget) (*Conn, error)

// HealthCheckFunc probes a connection. A non-nil error marks the connection
// unusable and it will be discarded rather than handed out or pooled.
type HealthCheckFunc func(conn *Conn) error

// ProbeFunc checks whether an endpoint currently accepts connections. Used by
// the BlacklistManager to decide when a blacklisted endpoint may return to
// rotation.
type ProbeFunc func(endpoint Endpoint) error

// Pool is the checkout/release surface of an underlying connection pool. The
// PooledReferralConnector treats the pool's sizing and blocking policy as
// opaque: GetConnection may block or grow the pool per the implementation.
type Pool interface {
	// GetConnection checks out a connection, establishing one if necessary.
	GetConnection(ctx context.Context) (*Conn, error)

	// ReleaseConnection returns a checked-out connection to the pool.
	ReleaseConnection(conn *Conn)

	// Close closes the pool and every connection it manages. Connections
	// checked out at close time are discarded on release rather than reused.
	Close() error

	// CurrentAvailableConnections reports the number of idle connections.
	CurrentAvailableConnections() int
}
