package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"dm-agent/internal/store"
)

const (
	skKV = "KV"

	attrValue = "val"
	attrItems = "items"
	attrTTL   = "ttl"

	// a concurrent writer can revive an expired list between our two writes
	maxAppendAttempts = 3
)

// DynamoDB removes expired items lazily, so every read and conditional write
// below compares the ttl attribute with the current time itself.
const (
	condAbsentOrExpired = "attribute_not_exists(PK) OR #ttl <= :now"
	condAbsentOrLive    = "attribute_not_exists(PK) OR #ttl > :now"
	condExpired         = "#ttl <= :now"
)

// KVStore implements store.Store on the same single table as Client, one item
// per key with SK "KV".
type KVStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

var _ store.Store = (*KVStore)(nil)

// NewKVStore creates a KVStore.
func NewKVStore(api dynamodbAPI, tableName string) (*KVStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &KVStore{api: api, tableName: tableName, now: time.Now}, nil
}

func kvKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: key},
		"SK": &types.AttributeValueMemberS{Value: skKV},
	}
}

func epoch(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

func ttlNames() map[string]string {
	return map[string]string{"#ttl": attrTTL}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// expiry returns the item's ttl and whether it is still in the future.
func (s *KVStore) expiry(item map[string]types.AttributeValue) (time.Time, bool) {
	if len(item) == 0 {
		return time.Time{}, false
	}
	sec, err := int64Attr(item, attrTTL)
	if err != nil {
		return time.Time{}, false
	}
	exp := time.Unix(sec, 0)
	return exp, exp.After(s.now())
}

func (s *KVStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.now()
	item := kvKey(key)
	item[attrValue] = &types.AttributeValueMemberS{Value: value}
	item[attrTTL] = epoch(now.Add(ttl))

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.tableName),
		Item:                     item,
		ConditionExpression:      aws.String(condAbsentOrExpired),
		ExpressionAttributeNames: ttlNames(),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": epoch(now),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: SetIfAbsent: %w", err)
	}
	return true, nil
}

func (s *KVStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	item := kvKey(key)
	item[attrValue] = &types.AttributeValueMemberS{Value: value}
	item[attrTTL] = epoch(s.now().Add(ttl))

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: Set: %w", err)
	}
	return nil
}

func (s *KVStore) Get(ctx context.Context, key string) (store.Entry, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            kvKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return store.Entry{}, false, fmt.Errorf("repository: Get: %w", err)
	}
	if out == nil {
		return store.Entry{}, false, nil
	}
	exp, live := s.expiry(out.Item)
	if !live {
		return store.Entry{}, false, nil
	}
	value, _ := strAttr(out.Item, attrValue)
	return store.Entry{Value: value, ExpiresAt: exp}, true, nil
}

func (s *KVStore) Delete(ctx context.Context, key string) (bool, error) {
	out, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.tableName),
		Key:          kvKey(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, fmt.Errorf("repository: Delete: %w", err)
	}
	if out == nil {
		return false, nil
	}
	_, live := s.expiry(out.Attributes)
	return live, nil
}

func (s *KVStore) Append(ctx context.Context, key, value string, ttl time.Duration) error {
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		appended, err := s.appendLive(ctx, key, value, ttl)
		if err != nil {
			return err
		}
		if appended {
			return nil
		}
		// The list exists but has expired: replace it instead of reviving it.
		replaced, err := s.replaceExpired(ctx, key, value, ttl)
		if err != nil {
			return err
		}
		if replaced {
			return nil
		}
	}
	return fmt.Errorf("repository: Append: gave up after %d attempts", maxAppendAttempts)
}

func (s *KVStore) appendLive(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.now()
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 kvKey(key),
		UpdateExpression:    aws.String("SET #items = list_append(if_not_exists(#items, :empty), :item), #ttl = :ttl"),
		ConditionExpression: aws.String(condAbsentOrLive),
		ExpressionAttributeNames: map[string]string{
			"#items": attrItems,
			"#ttl":   attrTTL,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":item": &types.AttributeValueMemberL{Value: []types.AttributeValue{
				&types.AttributeValueMemberS{Value: value},
			}},
			":ttl": epoch(now.Add(ttl)),
			":now": epoch(now),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: Append: %w", err)
	}
	return true, nil
}

func (s *KVStore) replaceExpired(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.now()
	item := kvKey(key)
	item[attrItems] = &types.AttributeValueMemberL{Value: []types.AttributeValue{
		&types.AttributeValueMemberS{Value: value},
	}}
	item[attrTTL] = epoch(now.Add(ttl))

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.tableName),
		Item:                     item,
		ConditionExpression:      aws.String(condExpired),
		ExpressionAttributeNames: ttlNames(),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": epoch(now),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: Append replace expired: %w", err)
	}
	return true, nil
}

// Drain deletes the list item and returns what it held, in one call.
func (s *KVStore) Drain(ctx context.Context, key string) ([]string, error) {
	out, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.tableName),
		Key:          kvKey(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Drain: %w", err)
	}
	if out == nil {
		return nil, nil
	}
	if _, live := s.expiry(out.Attributes); !live {
		return nil, nil
	}
	raw, ok := out.Attributes[attrItems].(*types.AttributeValueMemberL)
	if !ok {
		return nil, nil
	}
	values := make([]string, 0, len(raw.Value))
	for i, v := range raw.Value {
		sv, ok := v.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("repository: Drain: item %d is not a string", i)
		}
		values = append(values, sv.Value)
	}
	return values, nil
}
