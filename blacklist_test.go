package ldaproute

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlacklistManager_AddIdempotent(t *testing.T) {
	defer leaktest.Check(t)()

	manager := NewBlacklistManager(context.Background(), time.Minute, func(Endpoint) error { return nil })
	defer manager.Close()

	manager.AddToBlacklist(testEndpoint0)
	manager.AddToBlacklist(testEndpoint0)

	assert.Equal(t, 1, manager.Size())
	assert.True(t, manager.IsBlacklisted(testEndpoint0))
	assert.Equal(t, []Endpoint{testEndpoint0}, manager.BlacklistedEndpoints())
}

func TestBlacklistManager_CheckRemovesReachableOnly(t *testing.T) {
	defer leaktest.Check(t)()

	probe := newFakeProbe()
	probe.setDown(testEndpoint0, true)

	manager := NewBlacklistManager(context.Background(), time.Minute, probe.probe)
	defer manager.Close()

	manager.AddToBlacklist(testEndpoint0)
	manager.AddToBlacklist(testEndpoint1)

	manager.CheckBlacklistedServers()
	assert.True(t, manager.IsBlacklisted(testEndpoint0))
	assert.False(t, manager.IsBlacklisted(testEndpoint1))

	// Idempotent: a second pass changes nothing while the probe still fails.
	manager.CheckBlacklistedServers()
	assert.True(t, manager.IsBlacklisted(testEndpoint0))
	assert.Equal(t, 1, manager.Size())

	probe.setDown(testEndpoint0, false)
	manager.CheckBlacklistedServers()
	assert.Equal(t, 0, manager.Size())
}

func TestBlacklistManager_BackgroundRecheck(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	probe := newFakeProbe()
	probe.setDown(testEndpoint0, true)

	manager := NewBlacklistManager(context.Background(), 20*time.Millisecond, probe.probe)
	defer manager.Close()

	manager.AddToBlacklist(testEndpoint0)

	require.Eventually(t, func() bool {
		return probe.callCount() > 0
	}, 2*time.Second, 5*time.Millisecond, "background task never probed")
	assert.True(t, manager.IsBlacklisted(testEndpoint0))

	probe.setDown(testEndpoint0, false)
	require.Eventually(t, func() bool {
		return !manager.IsBlacklisted(testEndpoint0)
	}, 2*time.Second, 5*time.Millisecond, "endpoint never left the blacklist")
}

func TestBlacklistManager_PanickingProbeDoesNotKillBackgroundTask(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	probe := newFakeProbe()
	var panicking atomic.Bool
	panicking.Store(true)
	wrapped := func(endpoint Endpoint) error {
		if panicking.Load() {
			panic("probe exploded")
		}
		return probe.probe(endpoint)
	}

	manager := NewBlacklistManager(context.Background(), 20*time.Millisecond, wrapped)
	defer manager.Close()

	manager.AddToBlacklist(testEndpoint0)
	time.Sleep(100 * time.Millisecond) // let a few panicking sweeps run

	panicking.Store(false)
	require.Eventually(t, func() bool {
		return !manager.IsBlacklisted(testEndpoint0)
	}, 2*time.Second, 5*time.Millisecond, "background task died after a panic")
}

func TestBlacklistManager_CloseTwice(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	manager := NewBlacklistManager(context.Background(), 10*time.Millisecond, func(Endpoint) error { return nil })
	manager.Close()
	manager.Close()
}
