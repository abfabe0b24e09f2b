package checkout

import "errors"

// Business error codes reported to callers.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeCartEmpty          = "CART_EMPTY"
	CodeProductUnavailable = "PRODUCT_UNAVAILABLE"
	CodeInsufficientStock  = "INSUFFICIENT_STOCK"
	CodeCartTooLarge       = "CART_TOO_LARGE"
)

// BusinessError is a rule violation the caller can act on. It is never retried.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	cause   error
}

// NewBusinessError creates a business error; cause may be nil.
func NewBusinessError(code, message string, cause error) *BusinessError {
	return &BusinessError{Code: code, Message: message, cause: cause}
}

func (e *BusinessError) Error() string { return e.Message }

func (e *BusinessError) Unwrap() error { return e.cause }

// Is matches any BusinessError with the same code, so errors.Is(err,
// ErrCartEmpty) holds for every cart-empty failure whatever its message.
func (e *BusinessError) Is(target error) bool {
	t, ok := target.(*BusinessError)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidRequest     = NewBusinessError(CodeInvalidRequest, "invalid checkout request", nil)
	ErrCartEmpty          = NewBusinessError(CodeCartEmpty, "cart is empty", nil)
	ErrProductUnavailable = NewBusinessError(CodeProductUnavailable, "product is unavailable", nil)
	ErrInsufficientStock  = NewBusinessError(CodeInsufficientStock, "insufficient stock", nil)
	ErrCartTooLarge       = NewBusinessError(CodeCartTooLarge, "cart has too many lines", nil)
)

// ErrRetriesExhausted is returned when every attempt hit a transient conflict.
var ErrRetriesExhausted = errors.New("checkout: retries exhausted")

// IsBusiness reports whether err is, or wraps, a BusinessError.
func IsBusiness(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}

// AsBusiness returns the BusinessError in err's chain, if any.
func AsBusiness(err error) (*BusinessError, bool) {
	var be *BusinessError
	ok := errors.As(err, &be)
	return be, ok
}
