package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	plandomain "github.com/opsfield/opsfield/internal/plan/domain"
)

func (s *Server) GetBillingConfig(c *gin.Context) {
	plans, err := s.planSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	cfg := s.billingCfg.Get()
	c.JSON(http.StatusOK, gin.H{
		"hours_in_month":     cfg.HoursInMonth,
		"wallet_floor_rub":   cfg.WalletFloorRub,
		"grace_days":         cfg.GraceDays,
		"expiry_notice_days": cfg.ExpiryNoticeDays,
		"currency":           s.cfg.Billing.Currency,
		"plans":              plans,
	})
}

type updatePlanRequest struct {
	Code string `json:"code"`
	plandomain.UpdatePlanRequest
}

func (s *Server) UpdateBillingConfig(c *gin.Context) {
	var req updatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		AbortWithError(c, plandomain.ErrInvalidPlanCode)
		return
	}

	entry, err := s.planSvc.Update(c.Request.Context(), req.Code, req.UpdatePlanRequest)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, entry)
}
