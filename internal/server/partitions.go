package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) listPartitions(c *gin.Context) {
	if _, ok := requestTenant(c); !ok {
		return
	}

	rows, err := s.partitionSvc.List(c.Request.Context(), c.Param("table"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"partitions": rows})
}
