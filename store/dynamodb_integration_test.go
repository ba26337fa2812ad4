//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/flowforge/dagcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestTable stands up a throwaway single-table schema matching
// schema.go (PK/SK + GSI1) against real DynamoDB (local or AWS).
func createTestTable(ctx context.Context, client *dynamodb.Client, tableName string) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(AttrPK), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(AttrSK), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(AttrGSI1PK), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(AttrGSI1SK), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(AttrPK), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(AttrSK), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(IndexWorkflowStatusIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String(AttrGSI1PK), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String(AttrGSI1SK), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tableName)}, 2*time.Minute)
}

func deleteTestTable(ctx context.Context, client *dynamodb.Client, tableName string) error {
	_, err := client.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(tableName)})
	return err
}

// setupIntegrationTest requires AWS credentials (or DYNAMODB_ENDPOINT_URL
// pointed at dynamodb-local) in the environment; it is excluded from a
// normal `go test ./...` by the integration build tag.
func setupIntegrationTest(t *testing.T) (*DynamoDBStore, *dynamodb.Client, func()) {
	ctx := context.Background()

	cfg, err := config.LoadDefaultConfig(ctx)
	require.NoError(t, err, "failed to load AWS config")

	client := dynamodb.NewFromConfig(cfg)
	tableName := fmt.Sprintf("dagcore-integration-test-%d", time.Now().UnixNano())

	require.NoError(t, createTestTable(ctx, client, tableName), "failed to create test table")
	t.Logf("created test table: %s", tableName)

	store := NewDynamoDBStore(client, tableName)
	cleanup := func() {
		if err := deleteTestTable(context.Background(), client, tableName); err != nil {
			t.Logf("warning: failed to delete test table %s: %v", tableName, err)
		}
	}
	return store, client, cleanup
}

func TestIntegration_CreateClaimAndGetExecution(t *testing.T) {
	s, _, cleanup := setupIntegrationTest(t)
	defer cleanup()

	ctx := context.Background()
	exec := dagcore.WorkflowExecution{
		ID:               "int-exec-1",
		WorkflowID:       "int-workflow",
		CreatedAtEpochMs: time.Now().UnixMilli(),
	}

	_, err := s.CreateExecution(ctx, exec)
	require.NoError(t, err)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, dagcore.ExecutionEnqueued, got.Status)

	claimed, err := s.ClaimExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, dagcore.ExecutionRunning, claimed.Status)

	second, err := s.ClaimExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Nil(t, second, "a running execution must refuse a second claim")
}

func TestIntegration_StepClaimAndUpdateIsWriteOnce(t *testing.T) {
	s, _, cleanup := setupIntegrationTest(t)
	defer cleanup()

	ctx := context.Background()
	execID := "int-exec-2"
	_, err := s.CreateExecution(ctx, dagcore.WorkflowExecution{ID: execID, WorkflowID: "int-workflow", CreatedAtEpochMs: time.Now().UnixMilli()})
	require.NoError(t, err)

	claimed, err := s.ClaimStep(ctx, execID, "step-a", 30000)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	reclaimed, err := s.ClaimStep(ctx, execID, "step-a", 30000)
	require.NoError(t, err)
	assert.Nil(t, reclaimed)

	done := dagcore.ToPtr(time.Now().UnixMilli())
	updated, err := s.UpdateStep(ctx, execID, "step-a", dagcore.StepResultPatch{CompletedAtEpochMs: done})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.True(t, updated.Completed())

	// Write-once: a second UpdateStep must return the already-completed row
	// unchanged rather than clobbering it.
	again, err := s.UpdateStep(ctx, execID, "step-a", dagcore.StepResultPatch{CompletedAtEpochMs: dagcore.ToPtr(time.Now().UnixMilli() + 1)})
	require.NoError(t, err)
	assert.Equal(t, *updated.CompletedAtEpochMs, *again.CompletedAtEpochMs)
}

func TestIntegration_SignalAppendAndConsume(t *testing.T) {
	s, _, cleanup := setupIntegrationTest(t)
	defer cleanup()

	ctx := context.Background()
	execID := "int-exec-3"
	_, err := s.CreateExecution(ctx, dagcore.WorkflowExecution{ID: execID, WorkflowID: "int-workflow", CreatedAtEpochMs: time.Now().UnixMilli()})
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	event := dagcore.WorkflowEvent{
		ID:               dagcore.NewEventID(execID),
		ExecutionID:      execID,
		Type:             dagcore.EventTypeSignal,
		Name:             "approval",
		CreatedAtEpochMs: now,
		VisibleAtEpochMs: dagcore.ToPtr(now),
	}
	_, err = s.AppendEvent(ctx, event)
	require.NoError(t, err)

	polled, err := s.PollEvent(ctx, execID, dagcore.EventTypeSignal, "approval", now+1)
	require.NoError(t, err)
	require.NotNil(t, polled)

	consumed, err := s.ConsumeEvent(ctx, polled.ID, now+1)
	require.NoError(t, err)
	assert.True(t, consumed)

	consumedAgain, err := s.ConsumeEvent(ctx, polled.ID, now+1)
	require.NoError(t, err)
	assert.False(t, consumedAgain, "consuming the same event twice must fail the second time")
}

func TestIntegration_ListExecutionsByWorkflowAndStatus(t *testing.T) {
	s, _, cleanup := setupIntegrationTest(t)
	defer cleanup()

	ctx := context.Background()
	workflowID := "int-list-workflow"
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("int-list-exec-%d", i)
		_, err := s.CreateExecution(ctx, dagcore.WorkflowExecution{
			ID:               id,
			WorkflowID:       workflowID,
			CreatedAtEpochMs: time.Now().UnixMilli(),
		})
		require.NoError(t, err)
	}

	result, err := s.ListExecutions(ctx, dagcore.ExecutionFilter{WorkflowID: workflowID}, dagcore.Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, result.TotalCount, "TotalCount must reflect the full filtered set, not just the page")
	assert.Len(t, result.Executions, 2)
}
