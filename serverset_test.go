package ldaproute

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testEndpoint0 = Endpoint{Host: "ds1.example.com", Port: 389}
	testEndpoint1 = Endpoint{Host: "ds2.example.com", Port: 389}
)

func newTestServerSet(t *testing.T, dialer *fakeDialer, probe *fakeProbe) *RoundRobinServerSet {
	t.Helper()

	config := &ServerSetConfig{Dial: dialer.dial}
	if probe != nil {
		config.Probe = probe.probe
	}

	set, err := NewRoundRobinServerSet(context.Background(), []Endpoint{testEndpoint0, testEndpoint1}, config)
	require.NoError(t, err)
	t.Cleanup(set.Close)
	return set
}

func TestNewRoundRobinServerSet_RequiresEndpoints(t *testing.T) {
	_, err := NewRoundRobinServerSet(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestRoundRobinServerSet_RotatesInOrder(t *testing.T) {
	dialer := newFakeDialer()
	set := newTestServerSet(t, dialer, nil)

	want := []Endpoint{testEndpoint0, testEndpoint1, testEndpoint0, testEndpoint1}
	for i, expected := range want {
		conn, err := set.GetConnection(context.Background())
		require.NoError(t, err, "call %d", i+1)
		assert.Equal(t, expected, conn.Endpoint(), "call %d", i+1)
		conn.Close()
	}
}

func TestRoundRobinServerSet_SkipsUnreachableEndpoint(t *testing.T) {
	dialer := newFakeDialer()
	set := newTestServerSet(t, dialer, nil)

	dialer.setDown(testEndpoint0, true)

	for i := 0; i < 2; i++ {
		conn, err := set.GetConnection(context.Background())
		require.NoError(t, err)
		assert.Equal(t, testEndpoint1, conn.Endpoint())
		conn.Close()
	}

	// Without a blacklist manager the down endpoint is retried whenever the
	// rotation lands on it.
	dialer.setDown(testEndpoint0, false)
	conn, err := set.GetConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testEndpoint0, conn.Endpoint())
	conn.Close()
}

func TestRoundRobinServerSet_FailoverScenario(t *testing.T) {
	dialer := newFakeDialer()
	set := newTestServerSet(t, dialer, nil)

	// h1 down: both calls land on h2.
	dialer.setDown(testEndpoint0, true)
	for i := 0; i < 2; i++ {
		conn, err := set.GetConnection(context.Background())
		require.NoError(t, err)
		assert.Equal(t, testEndpoint1, conn.Endpoint())
		conn.Close()
	}

	// h1 back, h2 down: next call lands on h1.
	dialer.setDown(testEndpoint0, false)
	dialer.setDown(testEndpoint1, true)
	conn, err := set.GetConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testEndpoint0, conn.Endpoint())
	conn.Close()

	// Both down: connect-class failure carrying the last cause.
	dialer.setDown(testEndpoint0, true)
	_, err = set.GetConnection(context.Background())
	require.Error(t, err)

	var connectErr *ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.NotNil(t, connectErr.Cause)
}

func TestRoundRobinServerSet_BlacklistDisabledWhenIntervalZero(t *testing.T) {
	t.Setenv(BlacklistCheckIntervalEnvVar, "0")

	dialer := newFakeDialer()
	set := newTestServerSet(t, dialer, nil)
	assert.Nil(t, set.GetBlacklistManager())
}

func TestRoundRobinServerSet_BlacklistDefaultIntervalOnUnparseableValue(t *testing.T) {
	t.Setenv(BlacklistCheckIntervalEnvVar, "often")

	dialer := newFakeDialer()
	set := newTestServerSet(t, dialer, nil)

	manager := set.GetBlacklistManager()
	require.NotNil(t, manager)
	assert.Equal(t, DefaultBlacklistCheckInterval, manager.interval)
}

func TestRoundRobinServerSet_BlacklistSkipsFailedEndpoint(t *testing.T) {
	defer leaktest.Check(t)()

	// Interval long enough that only manual rechecks run during the test.
	t.Setenv(BlacklistCheckIntervalEnvVar, "60000")

	dialer := newFakeDialer()
	probe := newFakeProbe()
	probe.setDown(testEndpoint0, true)
	set := newTestServerSet(t, dialer, probe)
	defer set.Close()

	manager := set.GetBlacklistManager()
	require.NotNil(t, manager)

	dialer.setDown(testEndpoint0, true)

	conn, err := set.GetConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testEndpoint1, conn.Endpoint())
	conn.Close()
	assert.True(t, manager.IsBlacklisted(testEndpoint0))

	attemptsAfterBlacklisting := dialer.attemptCount(testEndpoint0)

	// Two more rotations: the blacklisted endpoint is skipped, not retried.
	for i := 0; i < 2; i++ {
		conn, err := set.GetConnection(context.Background())
		require.NoError(t, err)
		assert.Equal(t, testEndpoint1, conn.Endpoint())
		conn.Close()
	}
	assert.Equal(t, attemptsAfterBlacklisting, dialer.attemptCount(testEndpoint0))

	// Endpoint recovers; a manual recheck returns it to rotation.
	dialer.setDown(testEndpoint0, false)
	probe.setDown(testEndpoint0, false)
	manager.CheckBlacklistedServers()
	assert.False(t, manager.IsBlacklisted(testEndpoint0))

	// Fourth call starts the rotation on the second endpoint; the fifth
	// lands back on the recovered one.
	for _, expected := range []Endpoint{testEndpoint1, testEndpoint0} {
		conn, err := set.GetConnection(context.Background())
		require.NoError(t, err)
		assert.Equal(t, expected, conn.Endpoint())
		conn.Close()
	}
}

func TestRoundRobinServerSet_AllBlacklistedStillAttempts(t *testing.T) {
	t.Setenv(BlacklistCheckIntervalEnvVar, "60000")

	dialer := newFakeDialer()
	probe := newFakeProbe()
	probe.setDown(testEndpoint0, true)
	probe.setDown(testEndpoint1, true)
	set := newTestServerSet(t, dialer, probe)

	dialer.setDown(testEndpoint0, true)
	dialer.setDown(testEndpoint1, true)
	_, err := set.GetConnection(context.Background())
	require.Error(t, err)

	manager := set.GetBlacklistManager()
	require.NotNil(t, manager)
	assert.Equal(t, 2, manager.Size())

	// Both endpoints blacklisted, but connections are still attempted
	// rather than failing without a single dial.
	dialer.setDown(testEndpoint1, false)
	conn, err := set.GetConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testEndpoint1, conn.Endpoint())
	conn.Close()
}

func TestRoundRobinServerSet_BindFailureTriesNextWithoutBlacklisting(t *testing.T) {
	t.Setenv(BlacklistCheckIntervalEnvVar, "60000")

	dialer := newFakeDialer()
	set := newTestServerSet(t, dialer, nil)

	bind := newFakeBind()
	bind.failFor(testEndpoint0)

	conn, err := set.GetConnectionWithBind(context.Background(), bind)
	require.NoError(t, err)
	assert.Equal(t, testEndpoint1, conn.Endpoint())
	conn.Close()

	// A bind rejection is not a connect failure; the endpoint stays in
	// rotation.
	manager := set.GetBlacklistManager()
	require.NotNil(t, manager)
	assert.False(t, manager.IsBlacklisted(testEndpoint0))
}

func TestRoundRobinServerSet_ConfiguredBindAppliedToConnections(t *testing.T) {
	dialer := newFakeDialer()
	bind := newFakeBind()

	set, err := NewRoundRobinServerSet(context.Background(),
		[]Endpoint{testEndpoint0}, &ServerSetConfig{Dial: dialer.dial, Bind: bind})
	require.NoError(t, err)
	t.Cleanup(set.Close)

	conn, err := set.GetConnection(context.Background())
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, 1, bind.callCount())
}

func TestRoundRobinServerSet_CloseIdempotent(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	t.Setenv(BlacklistCheckIntervalEnvVar, "100")

	dialer := newFakeDialer()
	probe := newFakeProbe()
	config := &ServerSetConfig{Dial: dialer.dial, Probe: probe.probe}
	set, err := NewRoundRobinServerSet(context.Background(), []Endpoint{testEndpoint0}, config)
	require.NoError(t, err)
	require.NotNil(t, set.GetBlacklistManager())

	set.Close()
	set.Close()
}

func TestBlacklistCheckIntervalFromEnv(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		wantInterval time.Duration
		wantEnabled  bool
	}{
		{"absent", "", 0, false},
		{"zero disables", "0", 0, false},
		{"positive used verbatim", "2500", 2500 * time.Millisecond, true},
		{"non-numeric falls back to default", "often", DefaultBlacklistCheckInterval, true},
		{"negative falls back to default", "-5", DefaultBlacklistCheckInterval, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(BlacklistCheckIntervalEnvVar, tt.value)

			interval, enabled := blacklistCheckInterval()
			assert.Equal(t, tt.wantEnabled, enabled)
			if enabled {
				assert.Equal(t, tt.wantInterval, interval)
			}
		})
	}
}

func TestRoundRobinServerSet_ExhaustionWrapsLastCause(t *testing.T) {
	dialer := newFakeDialer()
	set := newTestServerSet(t, dialer, nil)

	dialer.setDown(testEndpoint0, true)
	dialer.setDown(testEndpoint1, true)

	_, err := set.GetConnection(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectError(err))
	assert.Contains(t, err.Error(), "no servers available")
}
