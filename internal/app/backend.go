package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-checkout/internal/aws"
	"github.com/imrishuroy/go-idempotent-checkout/internal/cart"
	"github.com/imrishuroy/go-idempotent-checkout/internal/checkout"
	"github.com/imrishuroy/go-idempotent-checkout/internal/config"
	"github.com/imrishuroy/go-idempotent-checkout/internal/inventory"
	"github.com/imrishuroy/go-idempotent-checkout/internal/memstore"
	"github.com/imrishuroy/go-idempotent-checkout/internal/orders"
	"github.com/imrishuroy/go-idempotent-checkout/internal/pgstore"
	"github.com/imrishuroy/go-idempotent-checkout/internal/txn"
)

// ProductStore is an inventory ledger that can also be seeded.
type ProductStore interface {
	checkout.InventoryLedger
	Put(ctx context.Context, p inventory.Product) error
}

// CartStore is a cart store that can also be seeded.
type CartStore interface {
	checkout.CartStore
	Put(ctx context.Context, c cart.Cart) error
}

// OrderStore is the order ledger plus the reads and status updates the HTTP
// surface and the worker need.
type OrderStore interface {
	checkout.OrderLedger
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	TransitionStatus(ctx context.Context, order *orders.Order, next string) error
}

// Backend is one storage implementation of the three ledgers.
type Backend struct {
	Name       string
	Transactor txn.Transactor
	Inventory  ProductStore
	Carts      CartStore
	Orders     OrderStore
	close      func() error
}

// Close releases the backend's connections.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// NewMemoryBackend returns a Backend over an in-memory store.
func NewMemoryBackend(s *memstore.Store) *Backend {
	return &Backend{
		Name:       config.BackendMemory,
		Transactor: s.Transactor(),
		Inventory:  s.Inventory(),
		Carts:      s.Carts(),
		Orders:     s.Orders(),
	}
}

// NewDynamoBackend returns a Backend over the DynamoDB tables.
func NewDynamoBackend(client aws.DynamoDBAPI, cfg config.StoreConfig) *Backend {
	return &Backend{
		Name:       config.BackendDynamoDB,
		Transactor: aws.NewTransactor(client),
		Inventory:  inventory.NewStore(client, cfg.ProductsTable),
		Carts:      cart.NewStore(client, cfg.CartsTable),
		Orders:     orders.NewStore(client, cfg.OrdersTable).WithIndex(cfg.OrderIDIndex),
	}
}

// NewPostgresBackend returns a Backend over a PostgreSQL store.
func NewPostgresBackend(s *pgstore.Store, closeFn func() error) *Backend {
	return &Backend{
		Name:       config.BackendPostgres,
		Transactor: s.Transactor(),
		Inventory:  s.Inventory(),
		Carts:      s.Carts(),
		Orders:     s.Orders(),
		close:      closeFn,
	}
}

// OpenBackend builds the configured backend. clients is only used for DynamoDB.
func OpenBackend(ctx context.Context, cfg config.StoreConfig, clients *aws.AWSClients, log *zap.Logger) (*Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemoryBackend(memstore.New()), nil
	case config.BackendDynamoDB:
		if clients == nil || clients.DynamoDB == nil {
			return nil, fmt.Errorf("dynamodb backend needs an AWS client")
		}
		return NewDynamoBackend(clients.DynamoDB, cfg), nil
	case config.BackendPostgres:
		db, err := pgstore.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pgstore.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info("postgres migrations applied")
		return NewPostgresBackend(pgstore.New(db), db.Close), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Seed is the JSON shape of a seed file.
type Seed struct {
	Products []inventory.Product `json:"products"`
	Carts    []cart.Cart         `json:"carts"`
}

// LoadSeed writes the products and carts in r into b.
func LoadSeed(ctx context.Context, b *Backend, r io.Reader) error {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	for _, p := range seed.Products {
		if p.ID == "" {
			return fmt.Errorf("seed: product without id")
		}
		if p.Stock < 0 {
			return fmt.Errorf("seed: product %s has negative stock", p.ID)
		}
		if err := b.Inventory.Put(ctx, p); err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
	}
	for _, c := range seed.Carts {
		if err := b.Carts.Put(ctx, c); err != nil {
			return fmt.Errorf("seed cart %s: %w", c.UserID, err)
		}
	}
	return nil
}

// LoadSeedFile is LoadSeed on a file path.
func LoadSeedFile(ctx context.Context, b *Backend, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return LoadSeed(ctx, b, f)
}
