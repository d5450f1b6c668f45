package ldaproute

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// LogConnectionEvent logs connection-related events under the "ldap"
// subsystem at a severity matching the event.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event

	switch event {
	case "connection_established", "connection_reused", "authentication_success":
		tflog.SubsystemInfo(ctx, "ldap", "Connection event", fields)
	case "connection_failed", "authentication_failed", "connection_lost":
		tflog.SubsystemError(ctx, "ldap", "Connection event", fields)
	default:
		tflog.SubsystemDebug(ctx, "ldap", "Connection event", fields)
	}
}

// LogPoolEvent logs referral pool events under the "pool" subsystem.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event

	switch event {
	case "pool_initialized", "connection_acquired", "connection_released", "pool_evicted":
		tflog.SubsystemDebug(ctx, "pool", "Pool event", fields)
	case "pool_exhausted", "connection_failed", "health_check_failed":
		tflog.SubsystemWarn(ctx, "pool", "Pool event", fields)
	case "pool_creation_failed":
		tflog.SubsystemError(ctx, "pool", "Pool event", fields)
	default:
		tflog.SubsystemTrace(ctx, "pool", "Pool event", fields)
	}
}
