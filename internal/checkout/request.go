package checkout

import (
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-idempotent-checkout/internal/orders"
	"github.com/imrishuroy/go-idempotent-checkout/internal/payment"
)

// MaxIdempotencyKeyLength bounds the client token; DynamoDB sort keys and the
// Postgres column both accept it.
const MaxIdempotencyKeyLength = 255

// Request is one checkout call. The idempotency key is opaque.
type Request struct {
	UserID         string `validate:"required,max=128"`
	IdempotencyKey string `validate:"required,max=255"`
	Email          string `validate:"omitempty,email"`
}

// Result is the order a request resolved to. Replayed is set when the order
// already existed, either from an earlier call or a concurrent winner.
type Result struct {
	Order    *orders.Order `json:"order"`
	Payment  *payment.Stub `json:"payment"`
	Replayed bool          `json:"-"`
}

var requestValidator = validatorv10.New()

// Validate checks the request and returns an ErrInvalidRequest business error.
func (r Request) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return NewBusinessError(CodeInvalidRequest, "user id is required", nil)
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return NewBusinessError(CodeInvalidRequest, "idempotency key is required", nil)
	}
	if err := requestValidator.Struct(r); err != nil {
		return NewBusinessError(CodeInvalidRequest, "invalid request: "+err.Error(), err)
	}
	return nil
}
