package ldaproute

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// ReferralConnector obtains a connection for following a referral. A non-nil
// error means the referral could not be followed; it carries no new LDAP
// result semantics, and callers should leave their original referral result
// untouched rather than surfacing the error as an operation failure.
type ReferralConnector interface {
	GetReferralConnection(ctx context.Context, u *URL, source *Conn) (*Conn, error)
}

// PooledReferralConnectorProperties is the immutable configuration of a
// PooledReferralConnector. The zero value is usable; missing fields are
// filled with defaults at construction.
type PooledReferralConnectorProperties struct {
	// Bind, when set, eagerly authenticates every connection of every new
	// pool. Referral connections never inherit the authentication state of
	// the connection that received the referral: an explicit bind request
	// always wins, and without one the pooled connections are
	// unauthenticated.
	Bind BindRequest

	// SecurityType governs transport selection for referral targets.
	SecurityType SecurityType

	// TLSConfig is used whenever a pool's resolved transport is TLS or
	// StartTLS.
	TLSConfig *tls.Config

	// HealthCheck is passed to each underlying pool and probes idle
	// connections on checkout.
	HealthCheck HealthCheckFunc

	// MaximumPoolAge evicts a pool once it has existed this long.
	// Zero means pools are never evicted by age.
	MaximumPoolAge time.Duration

	// MaximumPoolIdleDuration evicts a pool once this long has passed since
	// its last checkout. Zero means pools are never evicted by idle time.
	MaximumPoolIdleDuration time.Duration

	// BackgroundCheckInterval is the janitor sweep period.
	BackgroundCheckInterval time.Duration `default:"30s"`

	// InitialPoolSize and MaxPoolSize size each underlying pool.
	InitialPoolSize int `default:"1"`
	MaxPoolSize     int `default:"10"`

	// ConnectTimeout bounds each connection attempt made on behalf of a
	// pool.
	ConnectTimeout time.Duration `default:"10s"`

	// Dial overrides the default go-ldap dialer.
	Dial DialFunc
}

// poolKey identifies a pool in the registry: referrals resolving to the same
// host, port and transport security share one pool. The bind identity is
// constant per connector and therefore not part of the key.
type poolKey struct {
	host     string
	port     uint16
	security TransportSecurity
}

func (k poolKey) endpoint() Endpoint {
	return Endpoint{Host: k.host, Port: k.port}
}

// poolEntry is one live registry entry. Timestamps are guarded by the
// connector's registry lock.
type poolEntry struct {
	id             string
	key            poolKey
	pool           Pool
	createdAt      time.Time
	lastCheckoutAt time.Time
}

// PoolSnapshot is a point-in-time view of one registry entry, exposed for
// monitoring and tests.
type PoolSnapshot struct {
	ID                   string
	Endpoint             Endpoint
	Security             TransportSecurity
	CreatedAt            time.Time
	LastCheckoutAt       time.Time
	AvailableConnections int
}

// PooledReferralConnector caches connection pools keyed by referral target so
// that repeated referrals to the same place reuse established connections. A
// single background janitor per connector evicts pools that have exceeded the
// configured maximum age or idle duration.
type PooledReferralConnector struct {
	ctx   context.Context // logging context
	id    string
	props *PooledReferralConnectorProperties
	dial  DialFunc

	mu     sync.RWMutex
	pools  map[poolKey]*poolEntry
	closed bool

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPooledReferralConnector creates a connector and starts its janitor.
func NewPooledReferralConnector(ctx context.Context, props *PooledReferralConnectorProperties) (*PooledReferralConnector, error) {
	if props == nil {
		props = &PooledReferralConnectorProperties{}
	}
	if err := defaults.Set(props); err != nil {
		return nil, err
	}
	if props.MaxPoolSize <= 0 || props.MaxPoolSize > MaxPoolSizeLimit {
		return nil, fmt.Errorf("MaxPoolSize must be between 1 and %d", MaxPoolSizeLimit)
	}
	if props.BackgroundCheckInterval <= 0 {
		return nil, errors.New("BackgroundCheckInterval must be positive")
	}

	dial := props.Dial
	if dial == nil {
		dial = dialLDAP
	}

	c := &PooledReferralConnector{
		ctx:   ctx,
		id:    uuid.NewString(),
		props: props,
		dial:  dial,
		pools: make(map[poolKey]*poolEntry),
		stop:  make(chan struct{}),
	}

	c.wg.Add(1)
	go c.runJanitor()

	tflog.SubsystemDebug(ctx, "ldap", "Pooled referral connector created", map[string]any{
		"connector_id":   c.id,
		"security_type":  props.SecurityType.String(),
		"sweep_interval": props.BackgroundCheckInterval.String(),
	})
	return c, nil
}

// GetReferralConnection resolves the transport for the referral target,
// finds or creates the matching pool, and checks out one connection. The
// caller must Release the connection when done.
//
// This method is also the direct entry point for collaborators (extended
// operation handlers and the like) that follow referrals outside the
// standard retry path. Hop-count enforcement stays with the caller; the
// connector never loops on its own.
func (c *PooledReferralConnector) GetReferralConnection(ctx context.Context, u *URL, source *Conn) (*Conn, error) {
	if u == nil {
		return nil, errors.New("referral URL cannot be nil")
	}

	sourceSecure := source.IsSecure()
	useTLS, useStartTLS := resolveSecurity(c.props.SecurityType, u.Scheme, sourceSecure)
	key := poolKey{
		host:     u.Host,
		port:     u.Port,
		security: transportFor(useTLS, useStartTLS),
	}

	for attempt := 0; ; attempt++ {
		entry, err := c.entryFor(ctx, key)
		if err != nil {
			return nil, err
		}

		conn, err := entry.pool.GetConnection(ctx)
		if err != nil {
			// The entry can be evicted, and its pool closed, between the
			// registry lookup and the checkout. Detach the stale entry and
			// look up again; the second pass creates a fresh pool.
			if errors.Is(err, errPoolClosed) && attempt == 0 {
				c.dropEntry(key, entry)
				continue
			}
			LogPoolEvent(c.ctx, "connection_failed", map[string]any{
				"connector_id": c.id,
				"pool_id":      entry.id,
				"endpoint":     key.endpoint().String(),
			})
			return nil, fmt.Errorf("failed to check out referral connection to %s: %w", key.endpoint().String(), err)
		}

		LogPoolEvent(c.ctx, "connection_acquired", map[string]any{
			"connector_id": c.id,
			"pool_id":      entry.id,
			"endpoint":     key.endpoint().String(),
			"security":     key.security.String(),
		})
		return conn, nil
	}
}

// dropEntry removes the entry from the registry if it is still the one
// registered for the key. A newer entry registered for the same key in the
// meantime is left alone.
func (c *PooledReferralConnector) dropEntry(key poolKey, entry *poolEntry) {
	c.mu.Lock()
	if current, ok := c.pools[key]; ok && current == entry {
		delete(c.pools, key)
	}
	c.mu.Unlock()
}

// entryFor returns the live registry entry for the key, creating it (and its
// pool) under the registry lock on first referral to that key. The entry's
// last-checkout time is stamped in both paths.
func (c *PooledReferralConnector) entryFor(ctx context.Context, key poolKey) (*poolEntry, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, errors.New("referral connector is closed")
	}
	if entry, ok := c.pools[key]; ok {
		c.mu.RUnlock()
		c.mu.Lock()
		entry.lastCheckoutAt = time.Now()
		c.mu.Unlock()
		return entry, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New("referral connector is closed")
	}
	if entry, ok := c.pools[key]; ok {
		entry.lastCheckoutAt = time.Now()
		return entry, nil
	}

	pool, err := c.createPool(ctx, key)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	entry := &poolEntry{
		id:             uuid.NewString(),
		key:            key,
		pool:           pool,
		createdAt:      now,
		lastCheckoutAt: now,
	}
	c.pools[key] = entry

	LogPoolEvent(c.ctx, "pool_initialized", map[string]any{
		"connector_id": c.id,
		"pool_id":      entry.id,
		"endpoint":     key.endpoint().String(),
		"security":     key.security.String(),
	})
	return entry, nil
}

// createPool builds the underlying pool for one registry key. Every pooled
// connection negotiates the key's transport as it is established and is bound
// with the configured bind request, if any.
func (c *PooledReferralConnector) createPool(ctx context.Context, key poolKey) (Pool, error) {
	target := DialTarget{
		Endpoint:       key.endpoint(),
		Security:       key.security,
		TLSConfig:      c.props.TLSConfig,
		ConnectTimeout: c.props.ConnectTimeout,
	}

	pool, err := NewConnPool(ctx, &PoolConfig{
		Dial: func(ctx context.Context) (*Conn, error) {
			return c.dial(ctx, target)
		},
		Bind:        c.props.Bind,
		HealthCheck: c.props.HealthCheck,
		InitialSize: c.props.InitialPoolSize,
		MaxSize:     c.props.MaxPoolSize,
	})
	if err != nil {
		LogPoolEvent(c.ctx, "pool_creation_failed", map[string]any{
			"connector_id": c.id,
			"endpoint":     key.endpoint().String(),
			"error":        err.Error(),
		})
		return nil, fmt.Errorf("failed to create referral pool for %s: %w", key.endpoint().String(), err)
	}
	return pool, nil
}

// PoolsByHostPort returns a snapshot of the registry grouped by host:port.
// Multiple transport securities for the same host:port appear as multiple
// snapshots under one key.
func (c *PooledReferralConnector) PoolsByHostPort() map[string][]PoolSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := make(map[string][]PoolSnapshot, len(c.pools))
	for key, entry := range c.pools {
		addr := key.endpoint().String()
		snapshot[addr] = append(snapshot[addr], PoolSnapshot{
			ID:                   entry.id,
			Endpoint:             key.endpoint(),
			Security:             key.security,
			CreatedAt:            entry.createdAt,
			LastCheckoutAt:       entry.lastCheckoutAt,
			AvailableConnections: entry.pool.CurrentAvailableConnections(),
		})
	}
	return snapshot
}

// runJanitor periodically sweeps the registry. A failing or panicking sweep
// never kills the janitor.
func (c *PooledReferralConnector) runJanitor() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.props.BackgroundCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.safeSweep()
		}
	}
}

func (c *PooledReferralConnector) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			tflog.SubsystemError(c.ctx, "ldap", "Referral pool sweep panicked", map[string]any{
				"connector_id": c.id,
				"panic":        r,
			})
		}
	}()
	c.sweep(time.Now())
}

// sweep removes and closes every entry that has exceeded the maximum age or
// idle duration. Entries are detached under the registry lock and closed
// outside it; closing discards outstanding checked-out connections rather
// than returning them, and the next referral to that key creates a fresh
// entry.
func (c *PooledReferralConnector) sweep(now time.Time) {
	maxAge := c.props.MaximumPoolAge
	maxIdle := c.props.MaximumPoolIdleDuration
	if maxAge <= 0 && maxIdle <= 0 {
		return
	}

	var expired []*poolEntry
	c.mu.Lock()
	for key, entry := range c.pools {
		tooOld := maxAge > 0 && now.Sub(entry.createdAt) > maxAge
		tooIdle := maxIdle > 0 && now.Sub(entry.lastCheckoutAt) > maxIdle
		if tooOld || tooIdle {
			delete(c.pools, key)
			expired = append(expired, entry)
		}
	}
	c.mu.Unlock()

	for _, entry := range expired {
		_ = entry.pool.Close()
		LogPoolEvent(c.ctx, "pool_evicted", map[string]any{
			"connector_id": c.id,
			"pool_id":      entry.id,
			"endpoint":     entry.key.endpoint().String(),
			"age":          now.Sub(entry.createdAt).String(),
			"idle":         now.Sub(entry.lastCheckoutAt).String(),
		})
	}
}

// Close stops the janitor and closes every remaining pool unconditionally.
// Safe to call more than once and concurrently with in-flight checkouts:
// checked-out connections are discarded on release, and the registry stops
// accepting new reuse.
func (c *PooledReferralConnector) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()

		c.mu.Lock()
		c.closed = true
		entries := make([]*poolEntry, 0, len(c.pools))
		for key, entry := range c.pools {
			delete(c.pools, key)
			entries = append(entries, entry)
		}
		c.mu.Unlock()

		for _, entry := range entries {
			_ = entry.pool.Close()
		}

		tflog.SubsystemDebug(c.ctx, "ldap", "Pooled referral connector closed", map[string]any{
			"connector_id": c.id,
			"pools_closed": len(entries),
		})
	})
	return nil
}
