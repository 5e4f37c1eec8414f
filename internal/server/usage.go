package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) getUsage(c *gin.Context) {
	tenantID, ok := requestTenant(c)
	if !ok {
		return
	}

	usage, err := s.quotaSvc.Usage(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"usage": usage})
}
