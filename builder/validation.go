package builder

import "github.com/flowforge/dagcore"

// Analyze runs the DAGAnalyzer against a built workflow, exposing level
// groups and branch membership without re-running Build's validation. Useful
// for callers previewing a workflow's fan-out shape before submission.
func Analyze(wf *dagcore.Workflow) (*dagcore.DAGAnalysis, error) {
	return dagcore.NewDAGAnalyzer().Analyze(wf)
}
