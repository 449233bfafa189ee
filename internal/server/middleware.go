package server

import (
	"crypto/subtle"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/opsfield/opsfield/internal/orgcontext"
)

// Identity and role resolution happen in the upstream gateway; it passes
// the verified results through these trusted headers.
const (
	HeaderBillingSecret = "X-Billing-Secret"
	HeaderOrgRole       = "X-Org-Role"
	HeaderUserID        = "X-User-ID"
	HeaderUserRole      = "X-User-Role"

	RoleOwner      = "owner"
	RoleOrgAdmin   = "org_admin"
	RoleSuperAdmin = "super_admin"
)

// BillingSecretRequired authenticates the external cron caller of the
// /internal endpoints.
func (s *Server) BillingSecretRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := s.cfg.Billing.CronSecret
		if secret == "" {
			AbortWithError(c, ErrMissingSecret)
			return
		}

		provided := strings.TrimSpace(c.GetHeader(HeaderBillingSecret))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// OrgContext parses the :org path parameter and stores it on the request
// context.
func OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, err := snowflake.ParseString(strings.TrimSpace(c.Param("org")))
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		c.Request = c.Request.WithContext(orgcontext.WithOrgID(c.Request.Context(), orgID))
		c.Next()
	}
}

func RequireOrgRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := strings.TrimSpace(c.GetHeader(HeaderOrgRole))
		if role == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		for _, allowed := range roles {
			if role == allowed {
				c.Next()
				return
			}
		}
		AbortWithError(c, ErrForbidden)
	}
}

func RequireSuperAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		role := strings.TrimSpace(c.GetHeader(HeaderUserRole))
		if role == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if role != RoleSuperAdmin {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

// GraceRateLimit throttles grace activations per org when redis is
// configured.
func (s *Server) GraceRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.graceLimiter.Enabled() {
			c.Next()
			return
		}
		allowed, err := s.graceLimiter.Allow(c.Request.Context(), c.Param("org"))
		if err != nil {
			// A broken limiter must not block billing recovery.
			c.Next()
			return
		}
		if !allowed {
			AbortWithError(c, ErrTooManyRequests)
			return
		}
		c.Next()
	}
}
