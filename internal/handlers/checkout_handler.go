package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-checkout/internal/checkout"
	"github.com/imrishuroy/go-idempotent-checkout/internal/logger"
	"github.com/imrishuroy/go-idempotent-checkout/internal/orders"
	"github.com/imrishuroy/go-idempotent-checkout/internal/validation"
)

// ReplayedHeader is set to "true" when the response is a stored order.
const ReplayedHeader = "Idempotent-Replayed"

// Checkouter runs a checkout.
type Checkouter interface {
	Execute(ctx context.Context, req checkout.Request) (*checkout.Result, error)
}

// OrderReader fetches orders by id.
type OrderReader interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
}

// HandlerConfig groups dependencies for the HTTP surface.
type HandlerConfig struct {
	Checkout    Checkouter
	Orders      OrderReader
	Metrics     http.Handler // nil disables /metrics
	Logger      *zap.Logger
	ServiceName string
}

// NewRouter builds the gin engine with recovery, tracing and request logging.
func NewRouter(cfg HandlerConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(logger.GinMiddleware(cfg.Logger))

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	RegisterCheckoutRoutes(r, cfg)
	return r
}

// RegisterCheckoutRoutes registers POST /checkout and GET /orders/:id.
func RegisterCheckoutRoutes(r gin.IRoutes, cfg HandlerConfig) {
	v := validation.New()
	r.POST("/checkout", checkoutHandler(cfg.Checkout, v))
	r.GET("/orders/:id", getOrderHandler(cfg.Orders, v))
}

func checkoutHandler(svc Checkouter, v *validatorv10.Validate) gin.HandlerFunc {
	return func(c *gin.Context) {
		var h validation.CheckoutHeaders
		if err := validation.BindHeaders(c, &h, v); err != nil {
			// BindHeaders already wrote a 400
			return
		}
		ctx, _ := logger.WithUserID(c.Request.Context(), logger.FromContext(c.Request.Context()), h.UserID)

		res, err := svc.Execute(ctx, checkout.Request{
			UserID:         h.UserID,
			IdempotencyKey: h.IdempotencyKey,
			Email:          h.Email,
		})
		if err != nil {
			writeError(c, err)
			return
		}

		c.Header("Location", fmt.Sprintf("/orders/%s", res.Order.OrderID))
		if res.Replayed {
			c.Header(ReplayedHeader, "true")
			c.JSON(http.StatusOK, res)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

func getOrderHandler(store OrderReader, v *validatorv10.Validate) gin.HandlerFunc {
	return func(c *gin.Context) {
		var p validation.OrderPath
		if err := c.ShouldBindUri(&p); err != nil || v.Struct(p) != nil {
			c.JSON(http.StatusBadRequest, validation.ErrorBody{Code: validation.CodeInvalidRequest, Message: "invalid order id"})
			return
		}
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.JSON(http.StatusBadRequest, validation.ErrorBody{Code: validation.CodeInvalidRequest, Message: "X-User-ID header is required"})
			return
		}

		o, err := store.Get(c.Request.Context(), p.OrderID)
		switch {
		case errors.Is(err, orders.ErrNotFound):
			c.JSON(http.StatusNotFound, validation.ErrorBody{Code: CodeNotFound, Message: "order not found"})
			return
		case err != nil:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, validation.ErrorBody{Code: CodeInternal, Message: "could not load order"})
			return
		}
		// other users' orders are indistinguishable from missing ones
		if o.UserID != userID {
			c.JSON(http.StatusNotFound, validation.ErrorBody{Code: CodeNotFound, Message: "order not found"})
			return
		}
		c.JSON(http.StatusOK, o)
	}
}
