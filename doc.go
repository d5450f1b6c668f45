/*
Package ldaproute provides the connection-routing layer of an LDAP client:
server selection for new connections and pooled connection reuse when a
server redirects an operation to another location via an LDAP referral.

# Architecture Overview

The package is organized around two cooperating mechanisms:

  - RoundRobinServerSet: load-balances new connections across a fixed list
    of endpoints, transparently routing around endpoints that refuse
    connections via an optional BlacklistManager.
  - PooledReferralConnector: resolves the transport security for a referral
    target, then finds or lazily creates a connection pool keyed by
    (host, port, resolved security) so that repeated referrals to the same
    place do not pay a fresh TCP/TLS handshake every time.

# Server Selection

RoundRobinServerSet advances an atomic rotation counter exactly once per
GetConnection call and scans forward from the selected endpoint until a
connection succeeds. When a BlacklistManager is active, endpoints whose most
recent connection attempt failed are skipped (unless every endpoint is
blacklisted) and rechecked periodically in the background; a successful
recheck returns the endpoint to rotation.

# Referral Following

PooledReferralConnector maps a referral URL plus the security state of the
connection that received the referral onto a concrete transport decision
(LDAPS, plaintext, or plaintext upgraded via StartTLS) according to a
configurable SecurityType policy. Pools are created on first use, reused on
subsequent referrals to the same key, and evicted by a background janitor
once they exceed a maximum age or idle duration.

The connector hands out connections; it does not perform LDAP operations and
it does not bound referral loops. Hop-count enforcement belongs to the caller
issuing operations: a failure to obtain a referral connection should leave
the caller's original referral result untouched.

# Connection Pools

The Pool interface describes the checkout/release/close surface the connector
depends on. NewConnPool provides the default implementation: a channel-backed
idle store with a hard cap on live connections, eager initial fill, optional
bind of every newly established connection, and an optional health probe on
checkout.

# Thread Safety

All components are safe for concurrent use. Blacklist and registry mutations
happen under component-owned locks; no lock is held while dialing, so multiple
goroutines may connect concurrently. Closing a component stops its background
task and is safe to call more than once.

# Example Usage

	endpoints := []ldaproute.Endpoint{
		{Host: "ds1.example.com", Port: 389},
		{Host: "ds2.example.com", Port: 389},
	}
	set, err := ldaproute.NewRoundRobinServerSet(ctx, endpoints, nil)
	if err != nil {
		return err
	}
	defer set.Close()

	conn, err := set.GetConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	connector, err := ldaproute.NewPooledReferralConnector(ctx,
		&ldaproute.PooledReferralConnectorProperties{
			SecurityType: ldaproute.ConditionallyUseLDAPAndConditionallyUseStartTLS,
			Bind:         &ldaproute.SimpleBindRequest{Username: bindDN, Password: password},
		})
	if err != nil {
		return err
	}
	defer connector.Close()

	target, err := ldaproute.ParseURL(referralURL)
	if err != nil {
		return err
	}
	referred, err := connector.GetReferralConnection(ctx, target, conn)
	if err != nil {
		// Could not follow the referral; the original referral result stands.
		return nil
	}
	defer referred.Release()
*/
package ldaproute
