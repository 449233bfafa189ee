package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	plandomain "github.com/opsfield/opsfield/internal/plan/domain"
	subdomain "github.com/opsfield/opsfield/internal/subscription/domain"
	usagedomain "github.com/opsfield/opsfield/internal/usagelimit/domain"
	walletdomain "github.com/opsfield/opsfield/internal/wallet/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not_found")
	ErrInvalidRequest  = errors.New("invalid_request")
	ErrTooManyRequests = errors.New("too_many_requests")
	// ErrMissingSecret means the operator never configured the shared
	// cron secret; surfaced as 500, not 401, because the fault is ours.
	ErrMissingSecret = errors.New("billing_secret_not_configured")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrTooManyRequests):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "too_many_requests",
			Message: "too many requests",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isPolicyViolation(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "policy_violation",
			Message: err.Error(),
		}
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, subdomain.ErrSubscriptionNotFound),
		errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, walletdomain.ErrWalletNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// Policy violations are expected outcomes with machine-readable reasons,
// not failures.
func isPolicyViolation(err error) bool {
	switch {
	case errors.Is(err, subdomain.ErrGraceAlreadyUsed),
		errors.Is(err, subdomain.ErrGraceNotApplicable),
		errors.Is(err, subdomain.ErrSubscriptionExists),
		errors.Is(err, walletdomain.ErrInsufficientFunds),
		errors.Is(err, walletdomain.ErrInvalidAmount),
		errors.Is(err, walletdomain.ErrInvalidOwnerKind),
		errors.Is(err, usagedomain.ErrUnknownCounterKind),
		errors.Is(err, plandomain.ErrInvalidPlanCode),
		errors.Is(err, plandomain.ErrEmptyUpdateRequest):
		return true
	default:
		return false
	}
}
