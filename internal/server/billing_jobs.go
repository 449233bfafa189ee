package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Batch endpoints always answer 200 with per-item outcomes: partial
// success is the expected steady state, and the caller retries by simply
// invoking again.

func (s *Server) ChargeHourly(c *gin.Context) {
	now := s.clock.Now()
	results, err := s.billingSvc.ChargeHourlyOverage(c.Request.Context(), now)
	if err != nil {
		s.log.Warn("hourly charge pass had failures", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"processed": len(results),
		"results":   results,
	})
}

func (s *Server) ChargeSubscriptions(c *gin.Context) {
	now := s.clock.Now()
	outcomes, err := s.subscriptionSvc.ChargeDue(c.Request.Context(), now)
	if err != nil {
		s.log.Warn("subscription charge pass had failures", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"processed": len(outcomes),
		"results":   outcomes,
	})
}
