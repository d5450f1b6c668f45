package ldaproute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/creasty/defaults"
)

// Pool sizing limits.
const (
	// MaxPoolSizeLimit caps the connections a single pool may hold. It keeps
	// a misconfigured connector from exhausting server-side connection slots
	// or client-side sockets.
	MaxPoolSizeLimit = 100
)

// errPoolClosed is returned from checkout once Close has begun. Callers
// holding a stale reference to a closed pool can detect it and look the pool
// up again.
var errPoolClosed = errors.New("connection pool is closed")

// PoolConfig configures a connection pool created with NewConnPool.
type PoolConfig struct {
	// Dial establishes a new connection to the pool's target. Required.
	Dial func(ctx context.Context) (*Conn, error)

	// Bind, when set, authenticates every newly established connection
	// before it enters the pool.
	Bind BindRequest

	// HealthCheck, when set, probes idle connections on checkout; a failing
	// connection is discarded and replaced.
	HealthCheck HealthCheckFunc

	// InitialSize connections are established eagerly at pool creation.
	InitialSize int `default:"1"`

	// MaxSize caps the live connections (checked out plus idle). Checkout
	// blocks once the cap is reached and no idle connection is available.
	MaxSize int `default:"10"`
}

// connPool is the default Pool implementation: a channel-backed idle store
// with a slot channel capping total live connections.
type connPool struct {
	config *PoolConfig

	idle  chan *Conn
	slots chan struct{} // one token per live connection

	mu     sync.RWMutex
	closed bool

	created int64
	errors  int64
}

// NewConnPool creates a pool and eagerly establishes the configured initial
// connections. Creation fails if any initial connection cannot be established
// or bound.
func NewConnPool(ctx context.Context, config *PoolConfig) (Pool, error) {
	if config == nil || config.Dial == nil {
		return nil, errors.New("pool requires a dial function")
	}
	if err := defaults.Set(config); err != nil {
		return nil, err
	}
	if err := validatePoolConfig(config); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}

	p := &connPool{
		config: config,
		idle:   make(chan *Conn, config.MaxSize),
		slots:  make(chan struct{}, config.MaxSize),
	}

	for i := 0; i < config.InitialSize; i++ {
		p.slots <- struct{}{}
		conn, err := p.establish(ctx)
		if err != nil {
			<-p.slots
			p.Close()
			return nil, err
		}
		conn.owner = nil
		p.idle <- conn
	}

	return p, nil
}

func validatePoolConfig(config *PoolConfig) error {
	if config.MaxSize <= 0 {
		return errors.New("MaxSize must be positive")
	}
	if config.MaxSize > MaxPoolSizeLimit {
		return fmt.Errorf("MaxSize too high (max %d)", MaxPoolSizeLimit)
	}
	if config.InitialSize < 0 {
		return errors.New("InitialSize cannot be negative")
	}
	if config.InitialSize > config.MaxSize {
		return errors.New("InitialSize cannot exceed MaxSize")
	}
	return nil
}

// GetConnection checks out a connection, preferring an idle one. When the
// pool is at capacity with nothing idle, the call blocks until a connection
// is released or the context is done.
func (p *connPool) GetConnection(ctx context.Context) (*Conn, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, errPoolClosed
	}
	p.mu.RUnlock()

	// Fast path: an idle connection is waiting.
	select {
	case conn := <-p.idle:
		return p.checkout(ctx, conn)
	default:
	}

	select {
	case conn := <-p.idle:
		return p.checkout(ctx, conn)
	case p.slots <- struct{}{}:
		p.mu.RLock()
		closed := p.closed
		p.mu.RUnlock()
		if closed {
			<-p.slots
			return nil, errPoolClosed
		}
		conn, err := p.establish(ctx)
		if err != nil {
			<-p.slots
			return nil, err
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// checkout vets an idle connection, replacing it when it is no longer
// usable. The connection's slot is carried over to the replacement.
func (p *connPool) checkout(ctx context.Context, conn *Conn) (*Conn, error) {
	if p.healthy(conn) {
		conn.owner = p
		return conn, nil
	}

	conn.Close()
	replacement, err := p.establish(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	return replacement, nil
}

func (p *connPool) healthy(conn *Conn) bool {
	if !conn.IsConnected() {
		return false
	}
	if p.config.HealthCheck != nil {
		if err := p.config.HealthCheck(conn); err != nil {
			atomic.AddInt64(&p.errors, 1)
			return false
		}
	}
	return true
}

// establish dials and, if configured, binds a fresh connection. The caller
// must already hold a slot.
func (p *connPool) establish(ctx context.Context) (*Conn, error) {
	conn, err := p.config.Dial(ctx)
	if err != nil {
		atomic.AddInt64(&p.errors, 1)
		return nil, err
	}

	if p.config.Bind != nil {
		if err := conn.Bind(p.config.Bind); err != nil {
			conn.Close()
			atomic.AddInt64(&p.errors, 1)
			return nil, fmt.Errorf("failed to bind pooled connection to %s: %w", conn.endpoint.String(), err)
		}
	}

	atomic.AddInt64(&p.created, 1)
	conn.owner = p
	return conn, nil
}

// ReleaseConnection returns a checked-out connection. Unusable connections
// and connections released after Close are discarded instead of pooled.
func (p *connPool) ReleaseConnection(conn *Conn) {
	if conn == nil {
		return
	}
	conn.owner = nil

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	if closed || !conn.IsConnected() {
		conn.Close()
		select {
		case <-p.slots:
		default:
		}
		return
	}

	select {
	case p.idle <- conn:
	default:
		// Slot accounting makes overflow impossible unless the same
		// connection is released twice; drop it in that case.
		conn.Close()
		select {
		case <-p.slots:
		default:
		}
	}
}

// CurrentAvailableConnections reports the number of idle connections.
func (p *connPool) CurrentAvailableConnections() int {
	return len(p.idle)
}

// Stats reports lifetime counters for the pool.
func (p *connPool) Stats() (created, errored int64) {
	return atomic.LoadInt64(&p.created), atomic.LoadInt64(&p.errors)
}

// Close closes every idle connection and marks the pool closed. Connections
// checked out at close time are closed when released. Safe to call more than
// once.
func (p *connPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case conn := <-p.idle:
			conn.Close()
			select {
			case <-p.slots:
			default:
			}
		default:
			return nil
		}
	}
}
