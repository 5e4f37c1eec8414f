package server

import (
	"net/http"
	"strconv"

	"github.com/craftpage/metering/pkg/tenantctx"
	"github.com/gin-gonic/gin"
)

type putConfigRequest struct {
	Value any `json:"value" binding:"required"`
}

func (s *Server) getConfigEntry(c *gin.Context) {
	if _, ok := requestTenant(c); !ok {
		return
	}

	entry, err := s.configSvc.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) listConfigChanges(c *gin.Context) {
	if _, ok := requestTenant(c); !ok {
		return
	}

	changes, err := s.configSvc.Changes(c.Request.Context(), c.Param("key"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

func (s *Server) putConfigEntry(c *gin.Context) {
	tenantID, ok := requestTenant(c)
	if !ok {
		return
	}
	if !tenantctx.HasCapability(c.Request.Context(), tenantctx.CapConfigWrite) {
		AbortWithError(c, ErrForbidden)
		return
	}

	var req putConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	changedBy := "tenant:" + strconv.FormatInt(int64(tenantID), 10)
	entry, err := s.configSvc.Set(c.Request.Context(), c.Param("key"), req.Value, changedBy)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}
