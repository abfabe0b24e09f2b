package validation

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
)

// BindHeaders binds request headers into out and runs validation.
// If binding or validation fails, it writes a 400 response and returns an
// error for the handler to short-circuit.
func BindHeaders(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := c.ShouldBindHeader(out); err != nil {
		c.JSON(http.StatusBadRequest, ErrorBody{
			Code:    CodeInvalidRequest,
			Message: "invalid request headers: " + err.Error(),
		})
		return err
	}
	trimStrings(out)

	if err := v.Struct(out); err != nil {
		c.JSON(http.StatusBadRequest, ErrorBody{
			Code:    CodeInvalidRequest,
			Message: "validation failed",
			Fields:  validationErrorsToMap(err),
		})
		return err
	}
	return nil
}

func validationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
	} else {
		out["error"] = err.Error()
	}
	return out
}

// trimStrings strips surrounding blanks from the headers gin bound.
func trimStrings(out interface{}) {
	if h, ok := out.(*CheckoutHeaders); ok {
		h.IdempotencyKey = strings.TrimSpace(h.IdempotencyKey)
		h.UserID = strings.TrimSpace(h.UserID)
		h.Email = strings.TrimSpace(h.Email)
	}
}
