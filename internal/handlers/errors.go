package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-idempotent-checkout/internal/checkout"
	"github.com/imrishuroy/go-idempotent-checkout/internal/validation"
)

// Error codes for failures outside the business taxonomy.
const (
	CodeInternal   = "INTERNAL"
	CodeRetryLater = "RETRY_LATER"
	CodeNotFound   = "NOT_FOUND"
)

// StatusFor maps a business error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case checkout.CodeInvalidRequest:
		return http.StatusBadRequest
	case checkout.CodeCartEmpty, checkout.CodeCartTooLarge:
		return http.StatusUnprocessableEntity
	case checkout.CodeProductUnavailable, checkout.CodeInsufficientStock:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	if be, ok := checkout.AsBusiness(err); ok {
		c.JSON(StatusFor(be.Code), validation.ErrorBody{Code: be.Code, Message: be.Message})
		return
	}
	_ = c.Error(err)
	switch {
	case errors.Is(err, checkout.ErrRetriesExhausted):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, validation.ErrorBody{Code: CodeRetryLater, Message: "checkout is contended, retry with the same idempotency key"})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.JSON(http.StatusGatewayTimeout, validation.ErrorBody{Code: CodeRetryLater, Message: "checkout timed out, retry with the same idempotency key"})
	default:
		c.JSON(http.StatusInternalServerError, validation.ErrorBody{Code: CodeInternal, Message: "internal error"})
	}
}
