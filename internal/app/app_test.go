package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-checkout/internal/aws"
	"github.com/imrishuroy/go-idempotent-checkout/internal/config"
	"github.com/imrishuroy/go-idempotent-checkout/internal/memstore"
	"github.com/imrishuroy/go-idempotent-checkout/internal/orders"
)

const seedJSON = `{
  "products": [
    {"id": "p1", "name": "Widget", "price": 1500, "active": true, "stock": 3},
    {"id": "p2", "name": "Gadget", "price": 250, "active": true, "stock": 10}
  ],
  "carts": [
    {"userId": "u1", "items": [{"productId": "p1", "quantity": 2}, {"productId": "p2", "quantity": 1}]}
  ]
}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.FromViper(viper.New())
	require.NoError(t, err)
	return cfg
}

func TestLoadSeed(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	b := NewMemoryBackend(store)

	require.NoError(t, LoadSeed(ctx, b, strings.NewReader(seedJSON)))

	p, err := b.Inventory.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Widget", p.Name)
	assert.Equal(t, 3, p.Stock)

	c, err := b.Carts.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, c.Items, 2)
}

func TestLoadSeedRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	cases := map[string]string{
		"malformed":      `{"products": [`,
		"missing id":     `{"products": [{"name": "x", "stock": 1}]}`,
		"negative stock": `{"products": [{"id": "p1", "stock": -1}]}`,
		"invalid line":   `{"carts": [{"userId": "u1", "items": [{"productId": "p1", "quantity": 0}]}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			b := NewMemoryBackend(memstore.New())
			assert.Error(t, LoadSeed(ctx, b, strings.NewReader(body)))
		})
	}
}

func TestOpenBackendMemory(t *testing.T) {
	b, err := OpenBackend(context.Background(), config.StoreConfig{Backend: config.BackendMemory}, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, config.BackendMemory, b.Name)
	assert.NoError(t, b.Close())
}

func TestOpenBackendDynamoNeedsClient(t *testing.T) {
	_, err := OpenBackend(context.Background(), config.StoreConfig{Backend: config.BackendDynamoDB}, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestNewSink(t *testing.T) {
	log := zap.NewNop()

	s, err := NewSink(config.NotifyConfig{Sink: config.SinkLog}, nil, log)
	require.NoError(t, err)
	assert.Equal(t, "log", s.Name())

	s, err = NewSink(config.NotifyConfig{Sink: config.SinkRedis, RedisAddr: "localhost:6379", RedisChannel: "orders"}, nil, log)
	require.NoError(t, err)
	assert.Equal(t, "redis", s.Name())
	closer, ok := s.(interface{ Close() error })
	require.True(t, ok)
	assert.NoError(t, closer.Close())

	_, err = NewSink(config.NotifyConfig{Sink: config.SinkSQS, QueueURL: "q"}, nil, log)
	assert.Error(t, err)

	_, err = NewSink(config.NotifyConfig{Sink: "carrier-pigeon"}, nil, log)
	assert.Error(t, err)
}

func TestNewServesCheckout(t *testing.T) {
	ctx := context.Background()
	seed := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(seed, []byte(seedJSON), 0o600))

	cfg := testConfig(t)
	cfg.Store.SeedFile = seed
	cfg.Checkout.Backoff = 0

	a, err := New(ctx, cfg, zap.NewNop(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
		req.Header.Set("Idempotency-Key", "k1")
		req.Header.Set("X-User-ID", "u1")
		w := httptest.NewRecorder()
		a.Router.ServeHTTP(w, req)
		return w
	}

	first := do()
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	var created struct {
		Order orders.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &created))
	assert.Equal(t, int64(3250), created.Order.Total)

	second := do()
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))

	p, err := a.Backend.Inventory.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stock)

	w := httptest.NewRecorder()
	a.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "checkout_checkout_requests_total")
}

func TestNewWithInjectedBackend(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Metrics.Backend = config.MetricsNone

	b := NewMemoryBackend(memstore.New())
	a, err := New(ctx, cfg, zap.NewNop(), Options{Backend: b})
	require.NoError(t, err)
	assert.Same(t, b, a.Backend)

	w := httptest.NewRecorder()
	a.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, a.Close(ctx))
}

func TestNewFailsWithoutCloudWatchClient(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Backend = config.MetricsCloudWatch
	_, err := New(context.Background(), cfg, zap.NewNop(), Options{
		AWSClients: &aws.AWSClients{},
		Backend:    NewMemoryBackend(memstore.New()),
	})
	assert.ErrorContains(t, err, "cloudwatch")
}

func TestNewUsesReleaseModeInProduction(t *testing.T) {
	prev := gin.Mode()
	t.Cleanup(func() { gin.SetMode(prev) })
	gin.SetMode(gin.DebugMode)

	ctx := context.Background()
	cfg := testConfig(t)
	cfg.App.Env = "production"
	a, err := New(ctx, cfg, zap.NewNop(), Options{Backend: NewMemoryBackend(memstore.New())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })
	assert.Equal(t, gin.ReleaseMode, gin.Mode())
}
