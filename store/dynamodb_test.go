package store

import (
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/flowforge/dagcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDynamoDBClient implements DynamoDBClient for testing, matching the
// teacher's function-field mock idiom.
type mockDynamoDBClient struct {
	items map[string]map[string]types.AttributeValue // PK|SK -> item

	putItemFunc    func(ctx context.Context, params *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	updateItemFunc func(ctx context.Context, params *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
}

func newMockDynamoDBClient() *mockDynamoDBClient {
	return &mockDynamoDBClient{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) string {
	pk := item[AttrPK].(*types.AttributeValueMemberS).Value
	sk := item[AttrSK].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (m *mockDynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFunc != nil {
		return m.putItemFunc(ctx, params)
	}
	key := itemKey(params.Item)
	if params.ConditionExpression != nil {
		existing, exists := m.items[key]
		if !conditionHolds(*params.ConditionExpression, existing, exists, params.ExpressionAttributeValues) {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamoDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	key := itemKey(params.Key)
	item, ok := m.items[key]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (m *mockDynamoDBClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	var out []map[string]types.AttributeValue
	for _, item := range m.items {
		out = append(out, item)
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (m *mockDynamoDBClient) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	var out []map[string]types.AttributeValue
	for _, item := range m.items {
		out = append(out, item)
	}
	return &dynamodb.ScanOutput{Items: out}, nil
}

func (m *mockDynamoDBClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(m.items, itemKey(params.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockDynamoDBClient) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (m *mockDynamoDBClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if m.updateItemFunc != nil {
		return m.updateItemFunc(ctx, params)
	}
	key := itemKey(params.Key)
	existing, exists := m.items[key]
	if params.ConditionExpression != nil && !conditionHolds(*params.ConditionExpression, existing, exists, params.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	if !exists {
		existing = map[string]types.AttributeValue{AttrPK: params.Key[AttrPK], AttrSK: params.Key[AttrSK]}
	}
	// Only this test double's narrow set of UPDATE expressions is needed:
	// flipping Status (ClaimExecution) and setting ConsumedAtEpochMs
	// (ConsumeEvent).
	if v, ok := params.ExpressionAttributeValues[":running"]; ok {
		existing["Status"] = v
	}
	if v, ok := params.ExpressionAttributeValues[":now"]; ok {
		existing["ConsumedAtEpochMs"] = v
	}
	m.items[key] = existing
	return &dynamodb.UpdateItemOutput{}, nil
}

// conditionHolds is a deliberately narrow interpreter covering exactly the
// ConditionExpression shapes this store issues — good enough to exercise
// ClaimExecution/ClaimStep/UpdateStep/ConsumeEvent's pass/fail branches
// without a real DynamoDB.
func conditionHolds(expr string, existing map[string]types.AttributeValue, exists bool, values map[string]types.AttributeValue) bool {
	switch {
	case expr == "attribute_not_exists(PK)":
		return !exists
	case expr == "#status = :enqueued":
		if !exists {
			return false
		}
		status, _ := existing["Status"].(*types.AttributeValueMemberS)
		want, _ := values[":enqueued"].(*types.AttributeValueMemberS)
		return status != nil && want != nil && status.Value == want.Value
	case strings.Contains(expr, "StartedAtEpochMs <"):
		// ClaimStep's compound condition: new row, or incomplete-and-stale.
		if !exists {
			return true
		}
		if isSetNonNull(existing["CompletedAtEpochMs"]) {
			return false
		}
		started, _ := existing["StartedAtEpochMs"].(*types.AttributeValueMemberN)
		staleBefore, _ := values[":staleBefore"].(*types.AttributeValueMemberN)
		if started == nil || staleBefore == nil {
			return false
		}
		return started.Value < staleBefore.Value
	case !exists:
		return true // attribute_not_exists(PK) OR ... — new rows always pass
	default:
		// attribute_not_exists(CompletedAtEpochMs)-style conditions: treat
		// absence (or a marshaled NULL placeholder) as passing.
		return !isSetNonNull(existing["CompletedAtEpochMs"]) && !isSetNonNull(existing["ConsumedAtEpochMs"])
	}
}

func isSetNonNull(v types.AttributeValue) bool {
	if v == nil {
		return false
	}
	if n, ok := v.(*types.AttributeValueMemberNULL); ok {
		return !n.Value
	}
	return true
}

func TestDynamoDBStore_CreateAndClaimExecution(t *testing.T) {
	ctx := context.Background()
	client := newMockDynamoDBClient()
	s := NewDynamoDBStore(client, "test-table")

	_, err := s.CreateExecution(ctx, dagcore.WorkflowExecution{ID: "exec-1", WorkflowID: "wf-1"})
	require.NoError(t, err)

	_, err = s.CreateExecution(ctx, dagcore.WorkflowExecution{ID: "exec-1", WorkflowID: "wf-1"})
	assert.Error(t, err, "duplicate create must fail the attribute_not_exists(PK) condition")

	claimed, err := s.ClaimExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, dagcore.ExecutionRunning, claimed.Status)

	second, err := s.ClaimExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Nil(t, second, "a second claim on a running execution must fail quietly")
}

func TestDynamoDBStore_ClaimStepThenUpdateIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	client := newMockDynamoDBClient()
	s := NewDynamoDBStore(client, "test-table")

	claimed, err := s.ClaimStep(ctx, "exec-2", "step-a", 30000)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	reclaimed, err := s.ClaimStep(ctx, "exec-2", "step-a", 30000)
	require.NoError(t, err)
	assert.Nil(t, reclaimed)

	done := dagcore.ToPtr(int64(1000))
	updated, err := s.UpdateStep(ctx, "exec-2", "step-a", dagcore.StepResultPatch{CompletedAtEpochMs: done})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.True(t, updated.Completed())

	again, err := s.UpdateStep(ctx, "exec-2", "step-a", dagcore.StepResultPatch{CompletedAtEpochMs: dagcore.ToPtr(int64(2000))})
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, int64(1000), *again.CompletedAtEpochMs)
}

func TestSchemaKeys_RoundTrip(t *testing.T) {
	assert.Equal(t, "EXEC#exec-1", executionPK("exec-1"))
	assert.Equal(t, "META", executionSK())
	assert.Equal(t, "STEP#step-a", stepResultSK("step-a"))
	assert.Equal(t, "EVENT#evt-1", eventSK("evt-1"))
}

func TestExecutionIDFromEventKey(t *testing.T) {
	id := dagcore.NewEventID("exec-7")
	execID, ok := executionIDFromEventKey(id)
	require.True(t, ok)
	assert.Equal(t, "exec-7", execID)

	_, ok = executionIDFromEventKey("not-a-composite-id")
	assert.False(t, ok)
}
