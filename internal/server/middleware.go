package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/craftpage/metering/pkg/tenantctx"
	"github.com/gin-gonic/gin"
)

const (
	headerTenantID     = "X-Tenant-ID"
	headerCapabilities = "X-Capabilities"
)

var tenantCapAdminOverride = tenantctx.CapAdminOverride

// TenantMiddleware resolves the calling tenant and capability set from
// request headers into the request context. Capabilities are asserted
// by the gateway upstream; this service only consumes them.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if raw := strings.TrimSpace(c.GetHeader(headerTenantID)); raw != "" {
			id, err := snowflake.ParseString(raw)
			if err != nil {
				AbortWithError(c, ErrInvalidRequest)
				return
			}
			ctx = tenantctx.WithTenantID(ctx, id)
		}

		if raw := strings.TrimSpace(c.GetHeader(headerCapabilities)); raw != "" {
			var caps []tenantctx.Capability
			for _, part := range strings.Split(raw, ",") {
				if part = strings.TrimSpace(part); part != "" {
					caps = append(caps, tenantctx.Capability(part))
				}
			}
			ctx = tenantctx.WithCapabilities(ctx, caps...)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireCapability rejects requests whose context lacks the capability.
func RequireCapability(cap tenantctx.Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !tenantctx.HasCapability(c.Request.Context(), cap) {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

// requestTenant returns the tenant bound to the request, failing the
// request when the header was absent.
func requestTenant(c *gin.Context) (snowflake.ID, bool) {
	id, ok := tenantctx.TenantID(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return 0, false
	}
	return id, true
}
