package ldaproute

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/go-ldap/ldap/v3"
)

// Conn is a single LDAP connection together with the routing metadata this
// package cares about: which endpoint it is connected to and whether the
// transport is secure. The wrapped *ldap.Conn carries the protocol.
type Conn struct {
	raw      ldapConn
	endpoint Endpoint
	security TransportSecurity
	owner    Pool // set while checked out of a pool, nil otherwise
	alive    bool
}

// ldapConn is the slice of *ldap.Conn this package uses. go-ldap's concrete
// type satisfies it; tests substitute lightweight fakes.
type ldapConn interface {
	Bind(username, password string) error
	StartTLS(config *tls.Config) error
	IsClosing() bool
	Close() error
}

// Raw returns the wrapped go-ldap connection for performing LDAP operations.
// It is nil for connections produced by a custom DialFunc that does not wrap
// go-ldap.
func (c *Conn) Raw() *ldap.Conn {
	conn, _ := c.raw.(*ldap.Conn)
	return conn
}

// Endpoint returns the endpoint this connection was established to.
func (c *Conn) Endpoint() Endpoint {
	return c.endpoint
}

// ConnectedPort returns the port this connection was established to.
func (c *Conn) ConnectedPort() uint16 {
	return c.endpoint.Port
}

// Security returns the negotiated transport security.
func (c *Conn) Security() TransportSecurity {
	return c.security
}

// IsSecure reports whether the connection uses TLS or has completed a
// StartTLS upgrade.
func (c *Conn) IsSecure() bool {
	return c != nil && c.security != TransportPlaintext
}

// IsConnected reports whether the connection is believed usable.
func (c *Conn) IsConnected() bool {
	if c == nil || !c.alive {
		return false
	}
	if c.raw != nil && c.raw.IsClosing() {
		return false
	}
	return true
}

// Bind authenticates the connection with the given request.
func (c *Conn) Bind(req BindRequest) error {
	if req == nil {
		return nil
	}
	if !c.IsConnected() {
		return NewConnectError("bind on closed connection", c.endpoint, nil)
	}
	return req.Bind(c)
}

// Close tears down the transport. Pooled connections should normally be
// returned with Release instead; Close is the right call when the connection
// is known bad.
func (c *Conn) Close() {
	if c == nil || !c.alive {
		return
	}
	c.alive = false
	if c.raw != nil {
		_ = c.raw.Close()
	}
}

// Release returns the connection to the pool it was checked out of, or closes
// it if it is not pooled.
func (c *Conn) Release() {
	if c == nil {
		return
	}
	if c.owner != nil {
		c.owner.ReleaseConnection(c)
		return
	}
	c.Close()
}

// BindRequest authenticates a connection. Implementations beyond simple bind
// (SASL mechanisms, external certificate auth) can be supplied by callers.
type BindRequest interface {
	Bind(conn *Conn) error
}

// SimpleBindRequest authenticates with an LDAP simple bind.
type SimpleBindRequest struct {
	Username string
	Password string
}

// Bind performs the simple bind on the given connection.
func (r *SimpleBindRequest) Bind(conn *Conn) error {
	if conn == nil || conn.raw == nil {
		return NewConnectError("simple bind requires an established connection", Endpoint{}, nil)
	}
	return conn.raw.Bind(r.Username, r.Password)
}

// dialLDAP is the default DialFunc. It dials with go-ldap, negotiating TLS or
// StartTLS per the target, and bounds the attempt with the target's connect
// timeout.
func dialLDAP(_ context.Context, target DialTarget) (*Conn, error) {
	scheme := "ldap"
	if target.Security == TransportTLS {
		scheme = "ldaps"
	}
	url := fmt.Sprintf("%s://%s", scheme, target.Endpoint.String())

	opts := []ldap.DialOpt{
		ldap.DialWithDialer(&net.Dialer{Timeout: target.ConnectTimeout}),
	}

	tlsConfig := prepareTLSConfig(target.TLSConfig, target.Endpoint.Host)
	if target.Security == TransportTLS {
		opts = append(opts, ldap.DialWithTLSConfig(tlsConfig))
	}

	conn, err := ldap.DialURL(url, opts...)
	if err != nil {
		return nil, NewConnectError("failed to connect", target.Endpoint, err)
	}

	if target.Security == TransportStartTLS {
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Close()
			return nil, NewConnectError("StartTLS negotiation failed", target.Endpoint, err)
		}
	}

	if target.ConnectTimeout > 0 {
		conn.SetTimeout(target.ConnectTimeout)
	}

	return &Conn{
		raw:      conn,
		endpoint: target.Endpoint,
		security: target.Security,
		alive:    true,
	}, nil
}

// prepareTLSConfig clones the supplied TLS config and pins ServerName to the
// target host so certificate validation works when dialing by address. The
// original config is never mutated.
func prepareTLSConfig(base *tls.Config, host string) *tls.Config {
	if base == nil {
		return &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: host,
		}
	}
	clone := base.Clone()
	if !clone.InsecureSkipVerify && clone.ServerName == "" {
		clone.ServerName = host
	}
	return clone
}
