package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-idempotent-checkout/internal/aws"
	"github.com/imrishuroy/go-idempotent-checkout/internal/txn"
)

// DefaultOrderIDIndex is the GSI keyed by order_id.
const DefaultOrderIDIndex = "order_id-index"

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	indexName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		indexName: DefaultOrderIDIndex,
		nowFunc:   time.Now,
	}
}

// WithIndex overrides the order id GSI name.
func (s *Store) WithIndex(name string) *Store {
	s.indexName = name
	return s
}

func key(userID, idempotencyKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id":         &types.AttributeValueMemberS{Value: userID},
		"idempotency_key": &types.AttributeValueMemberS{Value: idempotencyKey},
	}
}

// FindByIdempotencyKey returns the order created for (userID, key), or
// (nil, nil) if there is none.
func (s *Store) FindByIdempotencyKey(ctx context.Context, userID, idempotencyKey string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            key(userID, idempotencyKey),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// Insert persists a new order. The put is conditioned on the (user_id,
// idempotency_key) key being unused, so a second order for the same key fails
// with txn.ErrDuplicateKey. Inside a transaction the put is staged and commits
// together with the stock and cart writes.
func (s *Store) Insert(ctx context.Context, order Order) (*Order, error) {
	if order.CreatedAt.IsZero() {
		order.CreatedAt = s.nowFunc()
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	item, err := attributevalue.MarshalMap(order)
	if err != nil {
		return nil, fmt.Errorf("marshal order item: %w", err)
	}
	cond := "attribute_not_exists(user_id)"
	duplicate := func(map[string]types.AttributeValue) error {
		return fmt.Errorf("%w: order for key %s", txn.ErrDuplicateKey, order.IdempotencyKey)
	}

	if ws, ok := aws.WriteSetFromContext(ctx); ok {
		ws.Add(types.TransactWriteItem{
			Put: &types.Put{
				TableName:           &s.tableName,
				Item:                item,
				ConditionExpression: &cond,
			},
		}, duplicate)
		return &order, nil
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: &cond,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, duplicate(nil)
		}
		return nil, fmt.Errorf("put item: %w", err)
	}
	return &order, nil
}

// Get fetches an order by order_id through the order id index.
// Returns ErrNotFound if there is no such order.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              &s.indexName,
		KeyConditionExpression: awsString("order_id = :id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": &types.AttributeValueMemberS{Value: orderID},
		},
		Limit: awsInt32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Items[0], &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// TransitionStatus conditionally moves order from its current status to next.
// Returns ErrInvalidTransition if the lifecycle forbids the move and
// ErrStatusMismatch if the stored status is no longer order.Status.
// On success order is updated in place.
func (s *Store) TransitionStatus(ctx context.Context, order *Order, next string) error {
	if !CanTransition(order.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, next)
	}
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      key(order.UserID, order.IdempotencyKey),
		UpdateExpression:         awsString("SET #s = :new, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: next},
			":expected": &types.AttributeValueMemberS{Value: order.Status},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		ConditionExpression: awsString("#s = :expected"),
	}

	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	order.Status = next
	order.UpdatedAt = now
	return nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
func awsInt32(n int32) *int32    { return &n }
