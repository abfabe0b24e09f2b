package cart

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

// Store encapsulates operations on the carts table (PK user_id).
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new cart Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

func (s *Store) key(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id": &types.AttributeValueMemberS{Value: userID},
	}
}

func observeKey(userID string) string { return "cart/" + userID }

// Get returns the user's cart with a strongly consistent read. A user with no
// cart document gets an empty cart. Inside a transaction the version read is
// remembered so Clear can detect a concurrent edit.
func (s *Store) Get(ctx context.Context, userID string) (*Cart, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.key(userID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	c := &Cart{UserID: userID}
	if len(out.Item) > 0 {
		if err := attributevalue.UnmarshalMap(out.Item, c); err != nil {
			return nil, fmt.Errorf("unmarshal cart: %w", err)
		}
	}
	if ws, ok := aws.WriteSetFromContext(ctx); ok && len(out.Item) > 0 {
		ws.Observe(observeKey(userID), c.Version)
	}
	return c, nil
}

// Put replaces the cart's lines and bumps its version. Cart CRUD is owned
// elsewhere; this exists for seeding and tests.
func (s *Store) Put(ctx context.Context, c Cart) error {
	if err := c.Validate(); err != nil {
		return err
	}
	items, err := attributevalue.Marshal(lines(c.Items))
	if err != nil {
		return fmt.Errorf("marshal cart items: %w", err)
	}
	now := s.nowFunc()
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      s.key(c.UserID),
		UpdateExpression:         awsString("SET #items = :items, version = if_not_exists(version, :zero) + :one, updated_at = :ua, expires_at = :exp"),
		ExpressionAttributeNames: map[string]string{"#items": "items"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":items": items,
			":zero":  &types.AttributeValueMemberN{Value: "0"},
			":one":   &types.AttributeValueMemberN{Value: "1"},
			":ua":    &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":exp":   &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(TTL).Unix(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("update item (put cart): %w", err)
	}
	return nil
}

// Clear empties the cart (the document is kept). Inside a transaction the
// write is staged and conditioned on the version Get observed; a concurrent
// edit fails the commit with txn.ErrWriteConflict.
func (s *Store) Clear(ctx context.Context, userID string) error {
	ws, inTx := aws.WriteSetFromContext(ctx)

	var version int64
	known := false
	if inTx {
		version, known = ws.Observed(observeKey(userID))
	}
	if !known {
		c, err := s.Get(ctx, userID)
		if err != nil {
			return err
		}
		if c.Version == 0 && len(c.Items) == 0 {
			// no document: nothing to clear
			return nil
		}
		version = c.Version
	}

	now := s.nowFunc()
	update := "SET #items = :empty, version = version + :one, updated_at = :ua, expires_at = :exp"
	cond := "version = :version"
	names := map[string]string{"#items": "items"}
	values := map[string]types.AttributeValue{
		":empty":   &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		":one":     &types.AttributeValueMemberN{Value: "1"},
		":version": &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
		":ua":      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		":exp":     &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(TTL).Unix(), 10)},
	}

	if inTx {
		ws.Add(types.TransactWriteItem{
			Update: &types.Update{
				TableName:                 &s.tableName,
				Key:                       s.key(userID),
				UpdateExpression:          &update,
				ConditionExpression:       &cond,
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			},
		}, func(map[string]types.AttributeValue) error {
			return fmt.Errorf("%w: cart %s modified during checkout", txn.ErrWriteConflict, userID)
		})
		return nil
	}

	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       s.key(userID),
		UpdateExpression:          &update,
		ConditionExpression:       &cond,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%w: cart %s modified concurrently", txn.ErrWriteConflict, userID)
		}
		return fmt.Errorf("update item (clear cart): %w", err)
	}
	return nil
}

// lines normalizes a nil slice so it marshals as an empty list, not NULL.
func lines(in []Line) []Line {
	if in == nil {
		return []Line{}
	}
	return in
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
