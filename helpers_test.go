package ldaproute

import (
	"context"
	"errors"
	"sync"
)

// fakeDialer is an in-memory DialFunc implementation. Endpoints can be taken
// down and brought back to simulate unreachable servers without any network.
type fakeDialer struct {
	mu       sync.Mutex
	down     map[Endpoint]bool
	attempts map[Endpoint]int
	targets  []DialTarget
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		down:     make(map[Endpoint]bool),
		attempts: make(map[Endpoint]int),
	}
}

func (d *fakeDialer) dial(_ context.Context, target DialTarget) (*Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempts[target.Endpoint]++
	d.targets = append(d.targets, target)

	if d.down[target.Endpoint] {
		return nil, errors.New("connection refused")
	}

	return &Conn{
		endpoint: target.Endpoint,
		security: target.Security,
		alive:    true,
	}, nil
}

func (d *fakeDialer) setDown(endpoint Endpoint, down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down[endpoint] = down
}

func (d *fakeDialer) attemptCount(endpoint Endpoint) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[endpoint]
}

func (d *fakeDialer) dialedTargets() []DialTarget {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DialTarget(nil), d.targets...)
}

// fakeProbe is an in-memory ProbeFunc whose per-endpoint result can be
// flipped at runtime.
type fakeProbe struct {
	mu    sync.Mutex
	down  map[Endpoint]bool
	calls int
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{down: make(map[Endpoint]bool)}
}

func (p *fakeProbe) probe(endpoint Endpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.down[endpoint] {
		return errors.New("connection refused")
	}
	return nil
}

func (p *fakeProbe) setDown(endpoint Endpoint, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[endpoint] = down
}

func (p *fakeProbe) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// panickingPool delegates to a real pool but panics on Close.
type panickingPool struct{ Pool }

func (p *panickingPool) Close() error { panic("pool close exploded") }

// fakeBind records bind attempts and can fail selectively by endpoint.
type fakeBind struct {
	mu     sync.Mutex
	calls  int
	failOn map[Endpoint]bool
}

func newFakeBind() *fakeBind {
	return &fakeBind{failOn: make(map[Endpoint]bool)}
}

func (b *fakeBind) Bind(conn *Conn) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.failOn[conn.Endpoint()] {
		return errors.New("invalid credentials")
	}
	return nil
}

func (b *fakeBind) failFor(endpoint Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOn[endpoint] = true
}

func (b *fakeBind) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}
