package server

import (
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	admissiondomain "github.com/craftpage/metering/internal/admission/domain"
	tenantdomain "github.com/craftpage/metering/internal/tenant/domain"
	"github.com/gin-gonic/gin"
)

type createResourceRequest struct {
	Kind string `json:"kind" binding:"required"`
}

func (s *Server) createResource(c *gin.Context) {
	tenantID, ok := requestTenant(c)
	if !ok {
		return
	}

	var req createResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resource, decision, err := s.admissionSvc.AdmitResource(c.Request.Context(), tenantID, req.Kind)
	if errors.Is(err, admissiondomain.ErrQuotaExceeded) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": errorPayload{Type: "quota_exceeded", Message: "quota exceeded"},
			"count": decision.NewCount,
			"limit": decision.Limit,
		})
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"resource": resource,
		"decision": decision,
	})
}

func (s *Server) deleteResource(c *gin.Context) {
	tenantID, ok := requestTenant(c)
	if !ok {
		return
	}

	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	var resource tenantdomain.Resource
	err = s.db.WithContext(ctx).
		Scopes(s.policySvc.Scope(ctx)).
		Where("id = ? AND status = ?", id, tenantdomain.ResourceStatusActive).
		First(&resource).Error
	if err != nil {
		AbortWithError(c, tenantdomain.ErrResourceNotFound)
		return
	}

	if err := s.admissionSvc.RemoveResource(ctx, tenantID, id, resource.Kind); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
