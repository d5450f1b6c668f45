package ldaproute

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// srvLookupFunc resolves the SRV records for a service name. Tests substitute
// an in-memory implementation.
type srvLookupFunc func(ctx context.Context, service string) ([]*net.SRV, error)

// SRVDiscovery resolves LDAP server endpoints from DNS SRV records, for
// seeding a server set when the directory servers are published in DNS rather
// than configured explicitly.
type SRVDiscovery struct {
	ctx    context.Context // logging context
	lookup srvLookupFunc
}

// NewSRVDiscovery creates a discovery instance backed by the default resolver.
func NewSRVDiscovery(ctx context.Context) *SRVDiscovery {
	return &SRVDiscovery{
		ctx: ctx,
		lookup: func(ctx context.Context, service string) ([]*net.SRV, error) {
			_, records, err := net.DefaultResolver.LookupSRV(ctx, "", "", service)
			return records, err
		},
	}
}

// DiscoverEndpoints resolves the LDAP endpoints for a domain. It queries
// _ldaps._tcp first and, only when that yields nothing, _ldap._tcp; the
// returned transport tells the caller which record set won. Records are
// ordered by SRV priority, then descending weight (RFC 2782). When neither
// lookup yields records the domain itself is returned as a single LDAPS
// endpoint on the default port.
func (d *SRVDiscovery) DiscoverEndpoints(ctx context.Context, domain string) ([]Endpoint, TransportSecurity, error) {
	if domain == "" {
		return nil, TransportPlaintext, fmt.Errorf("domain cannot be empty")
	}

	start := time.Now()
	services := []struct {
		name     string
		security TransportSecurity
	}{
		{"_ldaps._tcp." + domain, TransportTLS},
		{"_ldap._tcp." + domain, TransportPlaintext},
	}

	for _, service := range services {
		records, err := d.lookup(ctx, service.name)
		if err != nil || len(records) == 0 {
			tflog.SubsystemDebug(d.ctx, "ldap", "SRV lookup yielded no servers", map[string]any{
				"service": service.name,
			})
			continue
		}

		sortSRVRecords(records)
		endpoints := make([]Endpoint, 0, len(records))
		for _, record := range records {
			endpoints = append(endpoints, Endpoint{
				Host: strings.TrimSuffix(record.Target, "."),
				Port: record.Port,
			})
		}

		tflog.SubsystemDebug(d.ctx, "ldap", "Server discovery completed", map[string]any{
			"service":      service.name,
			"server_count": len(endpoints),
			"duration":     time.Since(start).String(),
		})
		return endpoints, service.security, nil
	}

	// No SRV records published: assume the domain name itself resolves to the
	// directory servers.
	tflog.SubsystemDebug(d.ctx, "ldap", "No SRV records found, using fallback endpoint", map[string]any{
		"domain":   domain,
		"duration": time.Since(start).String(),
	})
	return []Endpoint{{Host: domain, Port: DefaultLDAPSPort}}, TransportTLS, nil
}

// sortSRVRecords orders records by priority ascending, then weight descending.
func sortSRVRecords(records []*net.SRV) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
}
