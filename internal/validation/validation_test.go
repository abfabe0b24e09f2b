package validation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func bindRequest(t *testing.T, headers map[string]string) (*httptest.ResponseRecorder, CheckoutHeaders, error) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/checkout", nil)
	for k, v := range headers {
		c.Request.Header.Set(k, v)
	}
	var h CheckoutHeaders
	err := BindHeaders(c, &h, New())
	return rec, h, err
}

func TestBindHeaders_Valid(t *testing.T) {
	_, h, err := bindRequest(t, map[string]string{
		"Idempotency-Key": "  k-123 ",
		"X-User-ID":       "u1",
		"X-User-Email":    "u1@example.com",
	})
	if err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}
	if h.IdempotencyKey != "k-123" || h.UserID != "u1" || h.Email != "u1@example.com" {
		t.Fatalf("unexpected binding: %+v", h)
	}
}

func TestBindHeaders_MissingKey(t *testing.T) {
	rec, _, err := bindRequest(t, map[string]string{"X-User-ID": "u1"})
	if err == nil {
		t.Fatal("expected validation error for missing idempotency key, got nil")
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != CodeInvalidRequest || body.Fields["IdempotencyKey"] != "required" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestBindHeaders_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"blank key":    {"Idempotency-Key": "   ", "X-User-ID": "u1"},
		"long key":     {"Idempotency-Key": strings.Repeat("k", 256), "X-User-ID": "u1"},
		"missing user": {"Idempotency-Key": "k"},
		"bad email":    {"Idempotency-Key": "k", "X-User-ID": "u1", "X-User-Email": "nope"},
	}
	for name, headers := range cases {
		if _, _, err := bindRequest(t, headers); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestOrderPath(t *testing.T) {
	v := New()
	if err := v.Struct(OrderPath{OrderID: "6f1c2a9e-9d7b-4b8e-8c1e-2f7a3b4c5d6e"}); err != nil {
		t.Fatalf("expected valid uuid, got %v", err)
	}
	if err := v.Struct(OrderPath{OrderID: "not-a-uuid"}); err == nil {
		t.Fatal("expected error for malformed id")
	}
}
