package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/craftpage/metering/pkg/db/pagination"
	"github.com/gin-gonic/gin"
)

func (s *Server) listNotifications(c *gin.Context) {
	tenantID, ok := requestTenant(c)
	if !ok {
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	rows, info, err := s.notifierSvc.ListUnread(c.Request.Context(), tenantID, &page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": rows,
		"page_info":     info,
	})
}

func (s *Server) markNotificationRead(c *gin.Context) {
	tenantID, ok := requestTenant(c)
	if !ok {
		return
	}

	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.notifierSvc.MarkRead(c.Request.Context(), tenantID, id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
