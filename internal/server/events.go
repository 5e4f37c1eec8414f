package server

import (
	"net/http"
	"time"

	admissiondomain "github.com/craftpage/metering/internal/admission/domain"
	"github.com/gin-gonic/gin"
)

type recordEventRequest struct {
	Kind       string         `json:"kind" binding:"required"`
	OccurredAt *time.Time     `json:"occurred_at,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func (s *Server) recordEvent(c *gin.Context) {
	tenantID, ok := requestTenant(c)
	if !ok {
		return
	}

	var req recordEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	in := admissiondomain.EventInput{
		Kind:    req.Kind,
		Payload: req.Payload,
	}
	if req.OccurredAt != nil {
		in.OccurredAt = *req.OccurredAt
	}

	stored, err := s.admissionSvc.RecordEvent(c.Request.Context(), tenantID, c.Param("table"), in)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"id":        stored.ID.String(),
		"partition": stored.Partition,
	})
}
