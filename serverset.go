package ldaproute

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creasty/defaults"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// ServerSet produces connections to one of a set of servers.
type ServerSet interface {
	// GetConnection establishes a connection to one of the set's endpoints.
	GetConnection(ctx context.Context) (*Conn, error)
}

// ServerSetConfig configures a RoundRobinServerSet. The zero value is usable;
// missing fields are filled with defaults at construction.
type ServerSetConfig struct {
	// ConnectTimeout bounds each individual connection attempt, including
	// TLS or StartTLS negotiation. No additional timeout is imposed beyond
	// the transport's.
	ConnectTimeout time.Duration `default:"10s"`

	// Security selects the transport used for every endpoint in the set.
	Security TransportSecurity

	// TLSConfig is used for TLS and StartTLS negotiation.
	TLSConfig *tls.Config

	// Bind, when set, authenticates every new connection before it is
	// returned.
	Bind BindRequest

	// Dial overrides the default go-ldap dialer.
	Dial DialFunc

	// Probe overrides the blacklist manager's reachability probe.
	Probe ProbeFunc
}

// RoundRobinServerSet load-balances new connections across a fixed, ordered
// list of endpoints. Each GetConnection call advances an atomic rotation
// counter exactly once and scans forward from there until an attempt
// succeeds, skipping blacklisted endpoints while at least one endpoint
// remains usable.
//
// Whether a BlacklistManager is created is decided once, at construction,
// from the LDAP_BLACKLIST_CHECK_INTERVAL_MILLIS environment variable.
type RoundRobinServerSet struct {
	ctx       context.Context // logging context
	endpoints []Endpoint
	config    *ServerSetConfig
	dial      DialFunc
	counter   atomic.Uint64
	blacklist *BlacklistManager
	closeOnce sync.Once
}

// NewRoundRobinServerSet creates a server set over the given endpoints.
// Construction fails if the endpoint list is empty.
func NewRoundRobinServerSet(ctx context.Context, endpoints []Endpoint, config *ServerSetConfig) (*RoundRobinServerSet, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("server set requires at least one endpoint")
	}

	if config == nil {
		config = &ServerSetConfig{}
	}
	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	dial := config.Dial
	if dial == nil {
		dial = dialLDAP
	}

	s := &RoundRobinServerSet{
		ctx:       ctx,
		endpoints: append([]Endpoint(nil), endpoints...),
		config:    config,
		dial:      dial,
	}

	if interval, enabled := blacklistCheckInterval(); enabled {
		s.blacklist = NewBlacklistManager(ctx, interval, config.Probe)
	}

	tflog.SubsystemDebug(ctx, "ldap", "Round-robin server set created", map[string]any{
		"endpoint_count":    len(endpoints),
		"blacklist_enabled": s.blacklist != nil,
	})
	return s, nil
}

// Endpoints returns the ordered endpoint list the set rotates over.
func (s *RoundRobinServerSet) Endpoints() []Endpoint {
	return append([]Endpoint(nil), s.endpoints...)
}

// GetBlacklistManager returns the set's blacklist manager, or nil when
// blacklisting is disabled.
func (s *RoundRobinServerSet) GetBlacklistManager() *BlacklistManager {
	return s.blacklist
}

// GetConnection establishes a connection to the next healthy endpoint,
// applying the configured bind request if one is set.
func (s *RoundRobinServerSet) GetConnection(ctx context.Context) (*Conn, error) {
	return s.GetConnectionWithBind(ctx, s.config.Bind)
}

// GetConnectionWithBind establishes a connection to the next healthy endpoint
// and authenticates it with the given bind request (nil means no bind).
//
// On each call the rotation counter advances exactly once, regardless of how
// many endpoints are tried before one succeeds. A failed attempt blacklists
// the endpoint when a BlacklistManager is active; success never mutates the
// blacklist. When every endpoint has been tried or skipped, the returned
// error is a ConnectError carrying the last underlying failure.
func (s *RoundRobinServerSet) GetConnectionWithBind(ctx context.Context, bind BindRequest) (*Conn, error) {
	n := len(s.endpoints)
	start := int((s.counter.Add(1) - 1) % uint64(n))

	skipBlacklisted := s.blacklist != nil && !s.allBlacklisted()

	var lastErr error
	for i := 0; i < n; i++ {
		endpoint := s.endpoints[(start+i)%n]

		if skipBlacklisted && s.blacklist.IsBlacklisted(endpoint) {
			continue
		}

		conn, err := s.connect(ctx, endpoint, bind)
		if err != nil {
			lastErr = err
			if s.blacklist != nil && IsConnectError(err) {
				s.blacklist.AddToBlacklist(endpoint)
			}
			continue
		}
		return conn, nil
	}

	return nil, NewConnectError("no servers available", Endpoint{}, lastErr)
}

// connect performs a single attempt against one endpoint.
func (s *RoundRobinServerSet) connect(ctx context.Context, endpoint Endpoint, bind BindRequest) (*Conn, error) {
	conn, err := s.dial(ctx, DialTarget{
		Endpoint:       endpoint,
		Security:       s.config.Security,
		TLSConfig:      s.config.TLSConfig,
		ConnectTimeout: s.config.ConnectTimeout,
	})
	if err != nil {
		if !IsConnectError(err) {
			err = NewConnectError("failed to connect", endpoint, err)
		}
		LogConnectionEvent(s.ctx, "connection_failed", map[string]any{
			"endpoint": endpoint.String(),
			"error":    err.Error(),
		})
		return nil, err
	}

	if bind != nil {
		if err := conn.Bind(bind); err != nil {
			conn.Close()
			LogConnectionEvent(s.ctx, "authentication_failed", map[string]any{
				"endpoint": endpoint.String(),
				"error":    err.Error(),
			})
			return nil, err
		}
	}

	LogConnectionEvent(s.ctx, "connection_established", map[string]any{
		"endpoint": endpoint.String(),
		"security": conn.Security().String(),
	})
	return conn, nil
}

// allBlacklisted reports whether every endpoint of this set is blacklisted,
// in which case blacklisted endpoints are tried anyway rather than failing
// without a single attempt.
func (s *RoundRobinServerSet) allBlacklisted() bool {
	for _, endpoint := range s.endpoints {
		if !s.blacklist.IsBlacklisted(endpoint) {
			return false
		}
	}
	return true
}

// Close stops the blacklist manager's background task, if one was created.
// Safe to call more than once.
func (s *RoundRobinServerSet) Close() {
	s.closeOnce.Do(func() {
		if s.blacklist != nil {
			s.blacklist.Close()
		}
	})
}
