package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type vectorDimensionRequest struct {
	Dimension int `json:"dimension" binding:"required"`
}

func (s *Server) reconfigureVectorDimension(c *gin.Context) {
	var req vectorDimensionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	report, err := s.migrateSvc.Run(c.Request.Context(), req.Dimension)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) vectorMigrationStatus(c *gin.Context) {
	state, last := s.migrateSvc.Status(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"state":       state,
		"last_report": last,
	})
}

func (s *Server) reconcilePlan(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.quotaSvc.ReconcilePlan(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) removeTenant(c *gin.Context) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.tenantSvc.SoftRemove(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type adjustCounterRequest struct {
	TenantID   string `json:"tenant_id" binding:"required"`
	MetricType string `json:"metric_type" binding:"required"`
	Value      int64  `json:"value"`
	Reason     string `json:"reason" binding:"required"`
}

func (s *Server) adjustCounter(c *gin.Context) {
	var req adjustCounterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	tenantID, err := snowflake.ParseString(req.TenantID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.quotaSvc.AdjustCounter(c.Request.Context(), tenantID, req.MetricType, req.Value, req.Reason); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
