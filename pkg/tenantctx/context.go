package tenantctx

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type keyType string

const (
	tenantIDKey     keyType = "tenant_id"
	capabilitiesKey keyType = "capabilities"
)

// Capability is a caller permission granted out-of-band by the identity system.
type Capability string

const (
	// CapAdminOverride lets the caller see and mutate rows of every tenant.
	CapAdminOverride Capability = "admin.override"
	// CapConfigWrite lets the caller mutate platform configuration.
	CapConfigWrite Capability = "config.write"
)

// WithTenantID returns a context carrying the calling tenant.
func WithTenantID(ctx context.Context, id snowflake.ID) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// TenantID extracts the calling tenant from the context.
func TenantID(ctx context.Context) (snowflake.ID, bool) {
	id, ok := ctx.Value(tenantIDKey).(snowflake.ID)
	return id, ok
}

// WithCapabilities returns a context carrying the caller's capability set.
func WithCapabilities(ctx context.Context, caps ...Capability) context.Context {
	set := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return context.WithValue(ctx, capabilitiesKey, set)
}

// HasCapability reports whether the caller holds the given capability.
func HasCapability(ctx context.Context, c Capability) bool {
	set, ok := ctx.Value(capabilitiesKey).(map[Capability]struct{})
	if !ok {
		return false
	}
	_, ok = set[c]
	return ok
}
