package validation

// CodeInvalidRequest is the error code for malformed requests.
const CodeInvalidRequest = "INVALID_REQUEST"

// CheckoutHeaders carries the inputs of POST /checkout. Authentication is
// upstream; the gateway forwards the caller's identity in X-User-ID.
type CheckoutHeaders struct {
	IdempotencyKey string `header:"Idempotency-Key" validate:"required,max=255,printascii"`
	UserID         string `header:"X-User-ID" validate:"required,max=128"`
	Email          string `header:"X-User-Email" validate:"omitempty,email"`
}

// OrderPath is the path of GET /orders/:id.
type OrderPath struct {
	OrderID string `uri:"id" validate:"required,uuid"`
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}
