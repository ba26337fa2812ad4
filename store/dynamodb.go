package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/flowforge/dagcore"
)

// DynamoDBStore implements dagcore.Store on a single DynamoDB table using
// the key scheme in schema.go. Every conditional write in spec.md §4.1
// (ClaimExecution, ClaimStep, UpdateStep, ConsumeEvent) maps to one
// ConditionExpression; a failed condition never surfaces as an error,
// exactly like the in-memory store: the claims return (nil, nil),
// UpdateStep returns the row as stored, and ConsumeEvent returns false.
type DynamoDBStore struct {
	client    DynamoDBClient
	tableName string
}

// NewDynamoDBStore wires a DynamoDBStore against an existing table.
func NewDynamoDBStore(client DynamoDBClient, tableName string) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: tableName}
}

var _ dagcore.Store = (*DynamoDBStore)(nil)

func isConditionFailure(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

func (s *DynamoDBStore) putExecutionItem(ctx context.Context, exec *dagcore.WorkflowExecution, condition *string) error {
	item, err := attributevalue.MarshalMap(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	item[AttrPK] = &types.AttributeValueMemberS{Value: executionPK(exec.ID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: executionSK()}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeExecution}
	item[AttrGSI1PK] = &types.AttributeValueMemberS{Value: executionGSI1PK(exec.WorkflowID, string(exec.Status))}
	item[AttrGSI1SK] = &types.AttributeValueMemberS{Value: executionGSI1SK(exec.CreatedAtEpochMs)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: condition,
	})
	return err
}

func (s *DynamoDBStore) CreateExecution(ctx context.Context, exec dagcore.WorkflowExecution) (*dagcore.WorkflowExecution, error) {
	if exec.Status == "" {
		exec.Status = dagcore.ExecutionEnqueued
	}
	cond := aws.String("attribute_not_exists(PK)")
	if err := s.putExecutionItem(ctx, &exec, cond); err != nil {
		if isConditionFailure(err) {
			return nil, dagcore.NewValidationError("execution %s already exists", exec.ID)
		}
		return nil, fmt.Errorf("create execution: %w", err)
	}
	out := exec
	return &out, nil
}

func (s *DynamoDBStore) ClaimExecution(ctx context.Context, id string) (*dagcore.WorkflowExecution, error) {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		var notFound *dagcore.ExecutionNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: executionPK(id)},
			AttrSK: &types.AttributeValueMemberS{Value: executionSK()},
		},
		UpdateExpression:    aws.String("SET #status = :running, GSI1PK = :gsi1pk"),
		ConditionExpression: aws.String("#status = :enqueued"),
		ExpressionAttributeNames: map[string]string{
			"#status": "Status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":running":  &types.AttributeValueMemberS{Value: string(dagcore.ExecutionRunning)},
			":enqueued": &types.AttributeValueMemberS{Value: string(dagcore.ExecutionEnqueued)},
			":gsi1pk":   &types.AttributeValueMemberS{Value: executionGSI1PK(exec.WorkflowID, string(dagcore.ExecutionRunning))},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim execution: %w", err)
	}
	exec.Status = dagcore.ExecutionRunning
	return exec, nil
}

func (s *DynamoDBStore) GetExecution(ctx context.Context, id string) (*dagcore.WorkflowExecution, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: executionPK(id)},
			AttrSK: &types.AttributeValueMemberS{Value: executionSK()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	if result.Item == nil {
		return nil, &dagcore.ExecutionNotFoundError{ExecutionID: id}
	}
	var exec dagcore.WorkflowExecution
	if err := attributevalue.UnmarshalMap(result.Item, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &exec, nil
}

// ListExecutions queries GSI1 when a workflow ID is given (the indexed
// access pattern); otherwise it scans the whole table filtered to
// Execution rows, which is the documented fallback for an unscoped list.
func (s *DynamoDBStore) ListExecutions(ctx context.Context, filter dagcore.ExecutionFilter, page dagcore.Page) (dagcore.ListResult, error) {
	var executions []dagcore.WorkflowExecution

	if filter.WorkflowID != "" {
		status := filter.Status
		statuses := []dagcore.ExecutionStatus{status}
		if status == "" {
			statuses = []dagcore.ExecutionStatus{
				dagcore.ExecutionEnqueued, dagcore.ExecutionRunning,
				dagcore.ExecutionSuccess, dagcore.ExecutionError, dagcore.ExecutionCancelled,
			}
		}
		for _, st := range statuses {
			var lastKey map[string]types.AttributeValue
			for {
				out, err := s.client.Query(ctx, &dynamodb.QueryInput{
					TableName:              aws.String(s.tableName),
					IndexName:              aws.String(IndexWorkflowStatusIndex),
					KeyConditionExpression: aws.String("GSI1PK = :pk"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":pk": &types.AttributeValueMemberS{Value: executionGSI1PK(filter.WorkflowID, string(st))},
					},
					ExclusiveStartKey: lastKey,
				})
				if err != nil {
					return dagcore.ListResult{}, fmt.Errorf("list executions: %w", err)
				}
				for _, item := range out.Items {
					var exec dagcore.WorkflowExecution
					if err := attributevalue.UnmarshalMap(item, &exec); err != nil {
						return dagcore.ListResult{}, fmt.Errorf("unmarshal execution: %w", err)
					}
					executions = append(executions, exec)
				}
				if out.LastEvaluatedKey == nil {
					break
				}
				lastKey = out.LastEvaluatedKey
			}
		}
	} else {
		var lastKey map[string]types.AttributeValue
		for {
			out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
				TableName:        aws.String(s.tableName),
				FilterExpression: aws.String("entity_type = :t"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":t": &types.AttributeValueMemberS{Value: EntityTypeExecution},
				},
				ExclusiveStartKey: lastKey,
			})
			if err != nil {
				return dagcore.ListResult{}, fmt.Errorf("list executions: %w", err)
			}
			for _, item := range out.Items {
				var exec dagcore.WorkflowExecution
				if err := attributevalue.UnmarshalMap(item, &exec); err != nil {
					return dagcore.ListResult{}, fmt.Errorf("unmarshal execution: %w", err)
				}
				if filter.Status != "" && exec.Status != filter.Status {
					continue
				}
				executions = append(executions, exec)
			}
			if out.LastEvaluatedKey == nil {
				break
			}
			lastKey = out.LastEvaluatedKey
		}
	}

	sort.Slice(executions, func(i, j int) bool { return executions[i].CreatedAtEpochMs < executions[j].CreatedAtEpochMs })
	total := len(executions)
	offset, limit := page.Offset, page.Limit
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return dagcore.ListResult{Executions: executions[offset:end], TotalCount: total}, nil
}

func (s *DynamoDBStore) UpdateExecution(ctx context.Context, id string, patch dagcore.ExecutionPatch) (*dagcore.WorkflowExecution, error) {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil {
		exec.Status = *patch.Status
	}
	if patch.Output != nil {
		exec.Output = patch.Output
	}
	if patch.Error != nil {
		exec.Error = patch.Error
	}
	if patch.CompletedAtEpochMs != nil {
		exec.CompletedAtEpochMs = patch.CompletedAtEpochMs
	}
	if patch.DeadlineAtEpochMs != nil {
		exec.DeadlineAtEpochMs = patch.DeadlineAtEpochMs
	}
	if err := s.putExecutionItem(ctx, exec, nil); err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}
	return exec, nil
}

func (s *DynamoDBStore) conditionalStatusFlip(ctx context.Context, id string, allowedFrom []dagcore.ExecutionStatus, to dagcore.ExecutionStatus, clearCompleted bool) (*dagcore.WorkflowExecution, error) {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, st := range allowedFrom {
		if exec.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, nil
	}
	exec.Status = to
	if clearCompleted {
		exec.CompletedAtEpochMs = nil
	}
	if err := s.putExecutionItem(ctx, exec, nil); err != nil {
		return nil, fmt.Errorf("update execution status: %w", err)
	}
	return exec, nil
}

func (s *DynamoDBStore) CancelExecution(ctx context.Context, id string) (*dagcore.WorkflowExecution, error) {
	return s.conditionalStatusFlip(ctx, id, []dagcore.ExecutionStatus{dagcore.ExecutionEnqueued, dagcore.ExecutionRunning}, dagcore.ExecutionCancelled, false)
}

func (s *DynamoDBStore) ResumeExecution(ctx context.Context, id string) (*dagcore.WorkflowExecution, error) {
	return s.conditionalStatusFlip(ctx, id, []dagcore.ExecutionStatus{dagcore.ExecutionCancelled}, dagcore.ExecutionEnqueued, true)
}

func (s *DynamoDBStore) putStepResultItem(ctx context.Context, r *dagcore.StepResult, condition *string, values map[string]types.AttributeValue) error {
	item, err := attributevalue.MarshalMap(r)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}
	item[AttrPK] = &types.AttributeValueMemberS{Value: stepResultPK(r.ExecutionID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: stepResultSK(r.StepID)}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeStepResult}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.tableName),
		Item:                      item,
		ConditionExpression:       condition,
		ExpressionAttributeValues: values,
	})
	return err
}

func (s *DynamoDBStore) GetStepResults(ctx context.Context, executionID string) ([]dagcore.StepResult, error) {
	var results []dagcore.StepResult
	var lastKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: stepResultPK(executionID)},
				":sk": &types.AttributeValueMemberS{Value: stepResultPrefix()},
			},
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return nil, fmt.Errorf("get step results: %w", err)
		}
		for _, item := range out.Items {
			var r dagcore.StepResult
			if err := attributevalue.UnmarshalMap(item, &r); err != nil {
				return nil, fmt.Errorf("unmarshal step result: %w", err)
			}
			results = append(results, r)
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		lastKey = out.LastEvaluatedKey
	}
	return results, nil
}

func (s *DynamoDBStore) GetStepResult(ctx context.Context, executionID, stepID string) (*dagcore.StepResult, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: stepResultPK(executionID)},
			AttrSK: &types.AttributeValueMemberS{Value: stepResultSK(stepID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get step result: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}
	var r dagcore.StepResult
	if err := attributevalue.UnmarshalMap(result.Item, &r); err != nil {
		return nil, fmt.Errorf("unmarshal step result: %w", err)
	}
	return &r, nil
}

// ClaimStep: PutItem with a condition that only lets the write through when
// the row is new, or incomplete and stale. attributevalue marshals absent
// *int64 fields as NULL, so "attribute_not_exists" alone would not detect
// an existing-but-nil CompletedAtEpochMs — attribute_type NULL covers it.
func (s *DynamoDBStore) ClaimStep(ctx context.Context, executionID, stepID string, timeoutMs int64) (*dagcore.StepResult, error) {
	now := dagcore.NowMs(dagcore.SystemClock{})
	staleBefore := now - timeoutMs

	fresh := &dagcore.StepResult{ExecutionID: executionID, StepID: stepID, StartedAtEpochMs: now}
	cond := "attribute_not_exists(PK) OR " +
		"((attribute_not_exists(CompletedAtEpochMs) OR attribute_type(CompletedAtEpochMs, :null)) " +
		"AND StartedAtEpochMs < :staleBefore)"
	values := map[string]types.AttributeValue{
		":null":        &types.AttributeValueMemberS{Value: "NULL"},
		":staleBefore": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", staleBefore)},
	}
	err := s.putStepResultItem(ctx, fresh, aws.String(cond), values)
	if err != nil {
		if isConditionFailure(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim step: %w", err)
	}
	return fresh, nil
}

// UpdateStep: PutItem with a condition that refuses to touch an already
// completed row (write-once completed_at, spec.md §4.1).
func (s *DynamoDBStore) UpdateStep(ctx context.Context, executionID, stepID string, patch dagcore.StepResultPatch) (*dagcore.StepResult, error) {
	existing, err := s.GetStepResult(ctx, executionID, stepID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	if existing.Completed() {
		return existing, nil
	}
	existing.Output = patch.Output
	existing.Error = patch.Error
	existing.CompletedAtEpochMs = patch.CompletedAtEpochMs

	cond := "attribute_not_exists(CompletedAtEpochMs) OR attribute_type(CompletedAtEpochMs, :null)"
	values := map[string]types.AttributeValue{":null": &types.AttributeValueMemberS{Value: "NULL"}}
	if err := s.putStepResultItem(ctx, existing, aws.String(cond), values); err != nil {
		if isConditionFailure(err) {
			return s.GetStepResult(ctx, executionID, stepID)
		}
		return nil, fmt.Errorf("update step: %w", err)
	}
	return existing, nil
}

func (s *DynamoDBStore) AppendEvent(ctx context.Context, event dagcore.WorkflowEvent) (*dagcore.WorkflowEvent, error) {
	if event.CreatedAtEpochMs == 0 {
		event.CreatedAtEpochMs = dagcore.NowMs(dagcore.SystemClock{})
	}
	item, err := attributevalue.MarshalMap(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	item[AttrPK] = &types.AttributeValueMemberS{Value: eventPK(event.ExecutionID)}
	item[AttrSK] = &types.AttributeValueMemberS{Value: eventSK(event.ID)}
	item[AttrEntityType] = &types.AttributeValueMemberS{Value: EntityTypeEvent}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.tableName), Item: item})
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	out := event
	return &out, nil
}

// ConsumeEvent only receives an event ID, but this table's partition key is
// (execution, event) — dagcore.NewEventID embeds the execution ID as the
// prefix before a colon specifically so this backend can recover it without
// a second round trip. An ID that doesn't parse is treated as already
// consumed (false, nil) rather than an error, matching the at-least-once
// tolerance spec.md §4.5 asks of event delivery.
func (s *DynamoDBStore) ConsumeEvent(ctx context.Context, eventID string, nowMs int64) (bool, error) {
	executionID, ok := executionIDFromEventKey(eventID)
	if !ok {
		return false, nil
	}
	cond := "attribute_not_exists(ConsumedAtEpochMs) OR attribute_type(ConsumedAtEpochMs, :null)"
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			AttrPK: &types.AttributeValueMemberS{Value: eventPK(executionID)},
			AttrSK: &types.AttributeValueMemberS{Value: eventSK(eventID)},
		},
		UpdateExpression:    aws.String("SET ConsumedAtEpochMs = :now"),
		ConditionExpression: aws.String(cond),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", nowMs)},
			":null": &types.AttributeValueMemberS{Value: "NULL"},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("consume event: %w", err)
	}
	return true, nil
}

func (s *DynamoDBStore) PollEvent(ctx context.Context, executionID string, eventType dagcore.EventType, name string, nowMs int64) (*dagcore.WorkflowEvent, error) {
	var lastKey map[string]types.AttributeValue
	var best *dagcore.WorkflowEvent
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: eventPK(executionID)},
				":sk": &types.AttributeValueMemberS{Value: eventPrefix()},
			},
			ExclusiveStartKey: lastKey,
		})
		if err != nil {
			return nil, fmt.Errorf("poll event: %w", err)
		}
		for _, item := range out.Items {
			var e dagcore.WorkflowEvent
			if err := attributevalue.UnmarshalMap(item, &e); err != nil {
				return nil, fmt.Errorf("unmarshal event: %w", err)
			}
			if e.Type != eventType || e.Name != name || e.Consumed() || !e.Visible(nowMs) {
				continue
			}
			e.ExecutionID = executionID // ensure ConsumeEvent's key-embedding helper can recover it
			if best == nil || e.CreatedAtEpochMs < best.CreatedAtEpochMs {
				best = &e
			}
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		lastKey = out.LastEvaluatedKey
	}
	return best, nil
}

// executionIDFromEventKey splits a dagcore.NewEventID-shaped ID back into
// its execution ID prefix.
func executionIDFromEventKey(eventID string) (string, bool) {
	idx := strings.Index(eventID, ":")
	if idx <= 0 {
		return "", false
	}
	return eventID[:idx], true
}
