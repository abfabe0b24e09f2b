package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-idempotent-checkout/internal/aws"
	"github.com/imrishuroy/go-idempotent-checkout/internal/txn"
)

// Store encapsulates operations on the products table (PK product_id).
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new inventory Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

func (s *Store) key(productID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"product_id": &types.AttributeValueMemberS{Value: productID},
	}
}

// Get reads a product with a strongly consistent read.
// Returns ErrProductNotFound if the product does not exist.
func (s *Store) Get(ctx context.Context, productID string) (*Product, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.key(productID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	var p Product
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal product: %w", err)
	}
	return &p, nil
}

// Put writes a product record. Catalog ownership lives elsewhere; this exists
// for seeding and tests.
func (s *Store) Put(ctx context.Context, p Product) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.nowFunc()
	}
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("marshal product: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.tableName, Item: item}); err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// ConditionalAdjust changes a product's stock by delta. For delta < 0 it only
// succeeds while the product is active and stock >= -delta; (nil, nil) means
// there is not enough stock.
//
// Inside a transaction the update is staged on the ambient write set and the
// returned record is the projected post-commit state. The staged update is
// conditioned on the stock and price that were just read, so the record the
// caller priced against is the one that commits.
func (s *Store) ConditionalAdjust(ctx context.Context, productID string, delta int) (*Product, error) {
	now := s.nowFunc()
	values := map[string]types.AttributeValue{
		":delta": &types.AttributeValueMemberN{Value: strconv.Itoa(delta)},
		":one":   &types.AttributeValueMemberN{Value: "1"},
		":ua":    &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}
	update := "SET stock = stock + :delta, version = version + :one, updated_at = :ua"
	cond := "attribute_exists(product_id)"

	ws, inTx := aws.WriteSetFromContext(ctx)
	if !inTx {
		if delta < 0 {
			cond = "attribute_exists(product_id) AND active = :true AND stock >= :need"
			values[":true"] = &types.AttributeValueMemberBOOL{Value: true}
			values[":need"] = &types.AttributeValueMemberN{Value: strconv.Itoa(-delta)}
		}
		return s.adjustNow(ctx, productID, update, cond, values, -delta)
	}

	cur, err := s.Get(ctx, productID)
	if err != nil {
		return nil, err
	}
	if delta < 0 {
		if !cur.Active {
			return nil, fmt.Errorf("%w: %s", ErrProductInactive, productID)
		}
		if cur.Stock < -delta {
			return nil, nil
		}
		cond = "active = :true AND stock >= :need AND price = :price"
		values[":true"] = &types.AttributeValueMemberBOOL{Value: true}
		values[":need"] = &types.AttributeValueMemberN{Value: strconv.Itoa(-delta)}
		values[":price"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cur.Price, 10)}
	}

	ws.Add(types.TransactWriteItem{
		Update: &types.Update{
			TableName:                           &s.tableName,
			Key:                                 s.key(productID),
			UpdateExpression:                    &update,
			ConditionExpression:                 &cond,
			ExpressionAttributeValues:           values,
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		},
	}, adjustFailure(productID, -delta))

	next := *cur
	next.Stock += delta
	next.Version++
	next.UpdatedAt = now
	return &next, nil
}

func (s *Store) adjustNow(ctx context.Context, productID, update, cond string, values map[string]types.AttributeValue, need int) (*Product, error) {
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                           &s.tableName,
		Key:                                 s.key(productID),
		UpdateExpression:                    &update,
		ConditionExpression:                 &cond,
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			ferr := adjustFailure(productID, need)(ccf.Item)
			if errors.Is(ferr, ErrInsufficientStock) {
				return nil, nil
			}
			return nil, ferr
		}
		return nil, fmt.Errorf("update item: %w", err)
	}
	var p Product
	if err := attributevalue.UnmarshalMap(out.Attributes, &p); err != nil {
		return nil, fmt.Errorf("unmarshal product: %w", err)
	}
	return &p, nil
}

// adjustFailure explains why a stock condition failed from the item as it was.
func adjustFailure(productID string, need int) aws.ConditionFailedFunc {
	return func(old map[string]types.AttributeValue) error {
		if len(old) == 0 {
			return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		var p Product
		if err := attributevalue.UnmarshalMap(old, &p); err != nil {
			return fmt.Errorf("%w: product %s changed", txn.ErrWriteConflict, productID)
		}
		switch {
		case !p.Active:
			return fmt.Errorf("%w: %s", ErrProductInactive, productID)
		case p.Stock < need:
			return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientStock, productID, p.Stock, need)
		default:
			// price moved under us; a fresh attempt re-prices
			return fmt.Errorf("%w: product %s changed", txn.ErrWriteConflict, productID)
		}
	}
}

func awsBool(b bool) *bool { return &b }
