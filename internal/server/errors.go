package server

import (
	"errors"
	"net/http"

	apdomain "github.com/craftpage/metering/internal/accesspolicy/domain"
	admissiondomain "github.com/craftpage/metering/internal/admission/domain"
	csdomain "github.com/craftpage/metering/internal/configstore/domain"
	notifdomain "github.com/craftpage/metering/internal/notifier/domain"
	partitiondomain "github.com/craftpage/metering/internal/partition/domain"
	quotadomain "github.com/craftpage/metering/internal/quota/domain"
	tenantdomain "github.com/craftpage/metering/internal/tenant/domain"
	vmdomain "github.com/craftpage/metering/internal/vectormigrate/domain"
	"github.com/gin-gonic/gin"
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
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInternal       = errors.New("internal_error")
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
	case errors.Is(err, admissiondomain.ErrQuotaExceeded),
		errors.Is(err, quotadomain.ErrQuotaExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: "quota exceeded",
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, apdomain.ErrNoTenant):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, apdomain.ErrTenantRemoved):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, vmdomain.ErrMigrationInProgress):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "migration already in progress",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
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
		errors.Is(err, tenantdomain.ErrTenantNotFound),
		errors.Is(err, tenantdomain.ErrResourceNotFound),
		errors.Is(err, notifdomain.ErrNotificationNotFound),
		errors.Is(err, csdomain.ErrKeyNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, partitiondomain.ErrInvalidTableName),
		errors.Is(err, tenantdomain.ErrInvalidKind),
		errors.Is(err, quotadomain.ErrInvalidConsume),
		errors.Is(err, quotadomain.ErrUnknownMetric),
		errors.Is(err, vmdomain.ErrInvalidDimension),
		errors.Is(err, csdomain.ErrInvalidKey),
		errors.Is(err, csdomain.ErrInvalidValue),
		errors.Is(err, csdomain.ErrWrongType):
		return true
	default:
		return false
	}
}

// classifyErrorForLog feeds the request logger; quota rejections are
// tagged so they log at info.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return "internal_error", payload.Type
	}
	return payload.Type, payload.Type
}
