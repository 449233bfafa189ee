package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/opsfield/opsfield/internal/orgcontext"
	subdomain "github.com/opsfield/opsfield/internal/subscription/domain"
)

type accessResponse struct {
	IsActive       bool    `json:"is_active"`
	ReadOnly       bool    `json:"read_only"`
	Reason         string  `json:"reason,omitempty"`
	GraceUntil     *string `json:"grace_until,omitempty"`
	GraceAvailable bool    `json:"grace_available"`

	PriceRubMonthly *float64 `json:"price_rub_monthly,omitempty"`
}

func (s *Server) orgID(c *gin.Context) (snowflake.ID, bool) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return 0, false
	}
	return orgID, true
}

func (s *Server) ActivateGrace(c *gin.Context) {
	orgID, ok := s.orgID(c)
	if !ok {
		return
	}

	decision, err := s.subscriptionSvc.ActivateGracePeriod(c.Request.Context(), orgID, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.accessResponse(c, orgID, decision))
}

func (s *Server) SubscriptionAccess(c *gin.Context) {
	orgID, ok := s.orgID(c)
	if !ok {
		return
	}

	decision, err := s.subscriptionSvc.EnsureAccess(c.Request.Context(), orgID, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.accessResponse(c, orgID, decision))
}

func (s *Server) accessResponse(c *gin.Context, orgID snowflake.ID, decision subdomain.AccessDecision) accessResponse {
	resp := accessResponse{
		IsActive:       decision.OK,
		ReadOnly:       decision.ReadOnly,
		Reason:         decision.Reason,
		GraceAvailable: decision.GraceAvailable,
	}
	if decision.GraceUntil != nil {
		formatted := decision.GraceUntil.UTC().Format(time.RFC3339)
		resp.GraceUntil = &formatted
	}

	if plan, err := s.subscriptionSvc.CurrentPlan(c.Request.Context(), orgID); err == nil {
		resp.PriceRubMonthly = &plan.PriceRubMonthly
	}
	return resp
}
