package ldaproute

import (
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

const (
	// BlacklistCheckIntervalEnvVar selects the default blacklist recheck
	// interval in milliseconds for server sets. Absent or "0" disables
	// blacklisting entirely; a non-numeric value falls back to
	// DefaultBlacklistCheckInterval; a positive integer is used verbatim.
	BlacklistCheckIntervalEnvVar = "LDAP_BLACKLIST_CHECK_INTERVAL_MILLIS"

	// DefaultBlacklistCheckInterval is used when the environment variable is
	// set but does not parse as a positive integer.
	DefaultBlacklistCheckInterval = 30 * time.Second

	// defaultProbeTimeout bounds the lightweight TCP probe used to decide
	// whether a blacklisted endpoint is reachable again.
	defaultProbeTimeout = 5 * time.Second
)

// blacklistCheckInterval reads the process-wide blacklist configuration. The
// second return value reports whether a manager should be created at all.
func blacklistCheckInterval() (time.Duration, bool) {
	raw := os.Getenv(BlacklistCheckIntervalEnvVar)
	if raw == "" {
		return 0, false
	}

	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || millis < 0 {
		return DefaultBlacklistCheckInterval, true
	}
	if millis == 0 {
		return 0, false
	}
	return time.Duration(millis) * time.Millisecond, true
}

// BlacklistManager tracks endpoints currently believed unreachable. A single
// background task rechecks every blacklisted endpoint on a fixed interval; a
// successful probe returns the endpoint to rotation. Manual rechecks via
// CheckBlacklistedServers are serialized with the background task.
type BlacklistManager struct {
	ctx      context.Context // logging context
	interval time.Duration
	probe    ProbeFunc

	mu          sync.Mutex
	blacklisted map[Endpoint]time.Time // endpoint -> time of recorded failure

	// checkMu serializes manual and background rechecks.
	checkMu sync.Mutex

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBlacklistManager creates a manager rechecking every interval using the
// given probe (nil means a plain TCP dial). The background task starts
// immediately and runs until Close.
func NewBlacklistManager(ctx context.Context, interval time.Duration, probe ProbeFunc) *BlacklistManager {
	if interval <= 0 {
		interval = DefaultBlacklistCheckInterval
	}
	if probe == nil {
		probe = defaultProbe
	}

	m := &BlacklistManager{
		ctx:         ctx,
		interval:    interval,
		probe:       probe,
		blacklisted: make(map[Endpoint]time.Time),
		stop:        make(chan struct{}),
	}

	m.wg.Add(1)
	go m.run()

	tflog.SubsystemDebug(ctx, "ldap", "Blacklist manager started", map[string]any{
		"check_interval": interval.String(),
	})
	return m
}

// defaultProbe attempts a plain TCP connection to the endpoint.
func defaultProbe(endpoint Endpoint) error {
	conn, err := net.DialTimeout("tcp", endpoint.String(), defaultProbeTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// AddToBlacklist records a connection failure for the endpoint. Idempotent:
// re-adding an already blacklisted endpoint refreshes the failure time.
func (m *BlacklistManager) AddToBlacklist(endpoint Endpoint) {
	m.mu.Lock()
	_, present := m.blacklisted[endpoint]
	m.blacklisted[endpoint] = time.Now()
	m.mu.Unlock()

	if !present {
		tflog.SubsystemWarn(m.ctx, "ldap", "Endpoint blacklisted", map[string]any{
			"endpoint": endpoint.String(),
		})
	}
}

// IsBlacklisted reports whether the endpoint is currently blacklisted.
func (m *BlacklistManager) IsBlacklisted(endpoint Endpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, present := m.blacklisted[endpoint]
	return present
}

// BlacklistedEndpoints returns a snapshot of the blacklisted endpoints.
func (m *BlacklistManager) BlacklistedEndpoints() []Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	endpoints := make([]Endpoint, 0, len(m.blacklisted))
	for e := range m.blacklisted {
		endpoints = append(endpoints, e)
	}
	return endpoints
}

// Size returns the number of blacklisted endpoints.
func (m *BlacklistManager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blacklisted)
}

// CheckBlacklistedServers probes every blacklisted endpoint and removes the
// ones that accept a connection again. Safe to call concurrently with the
// background task and with in-flight AddToBlacklist calls; rechecks are
// serialized so an endpoint is probed at most once per pass.
func (m *BlacklistManager) CheckBlacklistedServers() {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	for _, endpoint := range m.BlacklistedEndpoints() {
		if err := m.probe(endpoint); err != nil {
			tflog.SubsystemDebug(m.ctx, "ldap", "Blacklisted endpoint still unreachable", map[string]any{
				"endpoint": endpoint.String(),
				"error":    err.Error(),
			})
			continue
		}

		m.mu.Lock()
		delete(m.blacklisted, endpoint)
		m.mu.Unlock()

		tflog.SubsystemInfo(m.ctx, "ldap", "Endpoint removed from blacklist", map[string]any{
			"endpoint": endpoint.String(),
		})
	}
}

// run is the background recheck loop. A failing or panicking pass never kills
// the loop; the next tick tries again.
func (m *BlacklistManager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeCheck()
		}
	}
}

func (m *BlacklistManager) safeCheck() {
	defer func() {
		if r := recover(); r != nil {
			tflog.SubsystemError(m.ctx, "ldap", "Blacklist recheck panicked", map[string]any{
				"panic": r,
			})
		}
	}()
	m.CheckBlacklistedServers()
}

// Close stops the background task. Safe to call more than once and
// concurrently with in-flight rechecks.
func (m *BlacklistManager) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
		m.wg.Wait()
		tflog.SubsystemDebug(m.ctx, "ldap", "Blacklist manager stopped", nil)
	})
}
