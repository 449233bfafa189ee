package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) OrgUsage(c *gin.Context) {
	orgID, ok := s.orgID(c)
	if !ok {
		return
	}

	snapshot, err := s.usageSvc.Peek(c.Request.Context(), orgID, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}
