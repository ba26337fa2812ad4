package store

import "fmt"

// DynamoDB single-table schema for the durable workflow engine (spec.md §6's
// three tables collapsed into one table + one GSI).
const (
	AttrPK         = "PK"
	AttrSK         = "SK"
	AttrGSI1PK     = "GSI1PK"
	AttrGSI1SK     = "GSI1SK"
	AttrEntityType = "entity_type"

	EntityTypeExecution  = "Execution"
	EntityTypeStepResult = "StepResult"
	EntityTypeEvent      = "Event"

	// IndexWorkflowStatusIndex supports ListExecutions(filter{WorkflowID,
	// Status}) without a table scan.
	IndexWorkflowStatusIndex = "GSI1"
)

// Execution keys: PK=EXEC#{id}, SK=META
func executionPK(id string) string { return fmt.Sprintf("EXEC#%s", id) }
func executionSK() string          { return "META" }

func executionGSI1PK(workflowID, status string) string {
	return fmt.Sprintf("WF#%s#STATUS#%s", workflowID, status)
}
func executionGSI1SK(createdAtEpochMs int64) string { return fmt.Sprintf("%020d", createdAtEpochMs) }

// StepResult keys: PK=EXEC#{executionID}, SK=STEP#{stepID}
func stepResultPK(executionID string) string { return fmt.Sprintf("EXEC#%s", executionID) }
func stepResultSK(stepID string) string      { return fmt.Sprintf("STEP#%s", stepID) }
func stepResultPrefix() string               { return "STEP#" }

// Event keys: PK=EXEC#{executionID}, SK=EVENT#{eventID}
func eventPK(executionID string) string { return fmt.Sprintf("EXEC#%s", executionID) }
func eventSK(eventID string) string     { return fmt.Sprintf("EVENT#%s", eventID) }
func eventPrefix() string               { return "EVENT#" }
