package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

func mustNewKV(t *testing.T, db *fakeDynamo) *KVStore {
	t.Helper()
	s, err := NewKVStore(db, "test-table")
	require.NoError(t, err)
	s.now = func() time.Time { return testNow }
	return s
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
}

func strPtr(s string) *string { return &s }

func ttlAttr(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", t.Unix())}
}

func TestNewKVStore_Validates(t *testing.T) {
	_, err := NewKVStore(nil, "t")
	require.Error(t, err)
	_, err = NewKVStore(&fakeDynamo{}, "")
	require.Error(t, err)
}

func TestSetIfAbsent_Acquired(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewKV(t, db)

	ok, err := s.SetIfAbsent(context.Background(), "LOCK#123", "1", 60*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	in := db.putInputs[0]
	require.Equal(t, condAbsentOrExpired, *in.ConditionExpression)
	require.Equal(t, "ttl", in.ExpressionAttributeNames["#ttl"])
	require.Equal(t, "LOCK#123", in.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skKV, in.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, fmt.Sprintf("%d", testNow.Add(60*time.Second).Unix()), in.Item["ttl"].(*types.AttributeValueMemberN).Value)
}

func TestSetIfAbsent_ConditionFailedIsNotAnError(t *testing.T) {
	db := &fakeDynamo{putErrs: []error{conditionFailed()}}
	s := mustNewKV(t, db)

	ok, err := s.SetIfAbsent(context.Background(), "LOCK#123", "1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetIfAbsent_OtherErrorPropagates(t *testing.T) {
	db := &fakeDynamo{putErrs: []error{errors.New("throttled")}}
	s := mustNewKV(t, db)

	_, err := s.SetIfAbsent(context.Background(), "LOCK#123", "1", time.Minute)
	require.Error(t, err)
	require.Contains(t, err.Error(), "SetIfAbsent")
}

func TestSet_Unconditional(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewKV(t, db)

	require.NoError(t, s.Set(context.Background(), "SEEN#123", "1700000000000", 5*time.Minute))
	require.Nil(t, db.putInputs[0].ConditionExpression)
}

func TestGet_LiveEntry(t *testing.T) {
	exp := testNow.Add(90 * time.Second)
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":  &types.AttributeValueMemberS{Value: "BLOCK#123"},
		"SK":  &types.AttributeValueMemberS{Value: skKV},
		"val": &types.AttributeValueMemberS{Value: "manual"},
		"ttl": ttlAttr(exp),
	}}}
	s := mustNewKV(t, db)

	e, found, err := s.Get(context.Background(), "BLOCK#123")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "manual", e.Value)
	require.Equal(t, exp.Unix(), e.ExpiresAt.Unix())
	require.True(t, *db.lastGetInput.ConsistentRead)
}

func TestGet_ExpiredItemIsAbsent(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":  &types.AttributeValueMemberS{Value: "BLOCK#123"},
		"val": &types.AttributeValueMemberS{Value: "manual"},
		"ttl": ttlAttr(testNow),
	}}}
	s := mustNewKV(t, db)

	_, found, err := s.Get(context.Background(), "BLOCK#123")
	require.NoError(t, err)
	require.False(t, found)
}

func TestGet_Missing(t *testing.T) {
	s := mustNewKV(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, found, err := s.Get(context.Background(), "BLOCK#123")
	require.NoError(t, err)
	require.False(t, found)
}

func TestGet_Error(t *testing.T) {
	s := mustNewKV(t, &fakeDynamo{getErr: errors.New("boom")})
	_, _, err := s.Get(context.Background(), "BLOCK#123")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Get")
}

func TestDelete_ReturnsWhetherLiveValueExisted(t *testing.T) {
	db := &fakeDynamo{deleteOut: &dynamodb.DeleteItemOutput{Attributes: map[string]types.AttributeValue{
		"PK":  &types.AttributeValueMemberS{Value: "ECHO#123#abc"},
		"ttl": ttlAttr(testNow.Add(time.Minute)),
	}}}
	s := mustNewKV(t, db)

	existed, err := s.Delete(context.Background(), "ECHO#123#abc")
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, types.ReturnValueAllOld, db.lastDeleteInput.ReturnValues)

	db.deleteOut = &dynamodb.DeleteItemOutput{}
	existed, err = s.Delete(context.Background(), "ECHO#123#abc")
	require.NoError(t, err)
	require.False(t, existed)

	db.deleteOut = &dynamodb.DeleteItemOutput{Attributes: map[string]types.AttributeValue{
		"ttl": ttlAttr(testNow.Add(-time.Minute)),
	}}
	existed, err = s.Delete(context.Background(), "ECHO#123#abc")
	require.NoError(t, err)
	require.False(t, existed)
}

func TestAppend_LiveList(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewKV(t, db)

	require.NoError(t, s.Append(context.Background(), "BUF#123", "m1", 5*time.Minute))
	require.Len(t, db.updateInputs, 1)
	require.Empty(t, db.putInputs)

	in := db.updateInputs[0]
	require.Equal(t, "SET #items = list_append(if_not_exists(#items, :empty), :item), #ttl = :ttl", *in.UpdateExpression)
	require.Equal(t, condAbsentOrLive, *in.ConditionExpression)
	item := in.ExpressionAttributeValues[":item"].(*types.AttributeValueMemberL)
	require.Equal(t, "m1", item.Value[0].(*types.AttributeValueMemberS).Value)
}

func TestAppend_ReplacesExpiredList(t *testing.T) {
	db := &fakeDynamo{updateErr: []error{conditionFailed()}}
	s := mustNewKV(t, db)

	require.NoError(t, s.Append(context.Background(), "BUF#123", "fresh", 5*time.Minute))
	require.Len(t, db.updateInputs, 1)
	require.Len(t, db.putInputs, 1)
	require.Equal(t, condExpired, *db.putInputs[0].ConditionExpression)
	items := db.putInputs[0].Item["items"].(*types.AttributeValueMemberL)
	require.Len(t, items.Value, 1)
}

func TestAppend_RetriesWhenReplaceLosesRace(t *testing.T) {
	db := &fakeDynamo{
		updateErr: []error{conditionFailed(), nil},
		putErrs:   []error{conditionFailed()},
	}
	s := mustNewKV(t, db)

	require.NoError(t, s.Append(context.Background(), "BUF#123", "m", time.Minute))
	require.Len(t, db.updateInputs, 2)
	require.Len(t, db.putInputs, 1)
}

func TestAppend_GivesUp(t *testing.T) {
	db := &fakeDynamo{
		updateErr: []error{conditionFailed()},
		putErrs:   []error{conditionFailed()},
	}
	s := mustNewKV(t, db)

	err := s.Append(context.Background(), "BUF#123", "m", time.Minute)
	require.Error(t, err)
	require.Contains(t, err.Error(), "gave up")
	require.Len(t, db.updateInputs, maxAppendAttempts)
}

func TestAppend_StoreError(t *testing.T) {
	db := &fakeDynamo{updateErr: []error{errors.New("ProvisionedThroughputExceededException")}}
	s := mustNewKV(t, db)

	err := s.Append(context.Background(), "BUF#123", "m", time.Minute)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Append")
}

func TestDrain_ReturnsItemsInOrder(t *testing.T) {
	db := &fakeDynamo{deleteOut: &dynamodb.DeleteItemOutput{Attributes: map[string]types.AttributeValue{
		"items": &types.AttributeValueMemberL{Value: []types.AttributeValue{
			&types.AttributeValueMemberS{Value: "m1"},
			&types.AttributeValueMemberS{Value: "m2"},
		}},
		"ttl": ttlAttr(testNow.Add(time.Minute)),
	}}}
	s := mustNewKV(t, db)

	got, err := s.Drain(context.Background(), "BUF#123")
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2"}, got)
	require.Equal(t, types.ReturnValueAllOld, db.lastDeleteInput.ReturnValues)
}

func TestDrain_ExpiredOrMissingIsEmpty(t *testing.T) {
	db := &fakeDynamo{deleteOut: &dynamodb.DeleteItemOutput{}}
	s := mustNewKV(t, db)

	got, err := s.Drain(context.Background(), "BUF#123")
	require.NoError(t, err)
	require.Empty(t, got)

	db.deleteOut = &dynamodb.DeleteItemOutput{Attributes: map[string]types.AttributeValue{
		"items": &types.AttributeValueMemberL{Value: []types.AttributeValue{
			&types.AttributeValueMemberS{Value: "stale"},
		}},
		"ttl": ttlAttr(testNow.Add(-time.Second)),
	}}
	got, err = s.Drain(context.Background(), "BUF#123")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDrain_Error(t *testing.T) {
	s := mustNewKV(t, &fakeDynamo{deleteErr: errors.New("boom")})
	_, err := s.Drain(context.Background(), "BUF#123")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Drain")
}
