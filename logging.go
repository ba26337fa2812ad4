package dagcore

import (
	"time"

	"github.com/rs/zerolog"
)

// Log event names, distinct from the persisted EventType/RunOutcomeStatus
// vocabulary — these are log-line tags only.
const (
	LogEventExecutionClaimed   = "execution_claimed"
	LogEventExecutionSkipped   = "execution_skipped"
	LogEventExecutionCompleted = "execution_completed"
	LogEventExecutionFailed    = "execution_failed"
	LogEventExecutionCancelled = "execution_cancelled"
	LogEventExecutionWaiting   = "execution_waiting"

	LogEventStepStarted   = "step_started"
	LogEventStepRetrying  = "step_retrying"
	LogEventStepCompleted = "step_completed"
	LogEventStepFailed    = "step_failed"
	LogEventStepSkipped   = "step_skipped"
	LogEventStepStuck     = "step_stuck"

	LogEventPersistenceError = "persistence_error"
)

func LogExecutionClaimed(logger zerolog.Logger, executionID, workflowID string) {
	logger.Info().
		Str("event", LogEventExecutionClaimed).
		Str("execution_id", executionID).
		Str("workflow_id", workflowID).
		Msg("execution claimed")
}

func LogExecutionSkipped(logger zerolog.Logger, executionID string) {
	logger.Debug().
		Str("event", LogEventExecutionSkipped).
		Str("execution_id", executionID).
		Msg("claim failed: execution is not running")
}

func LogExecutionCompleted(logger zerolog.Logger, executionID string, duration time.Duration) {
	logger.Info().
		Str("event", LogEventExecutionCompleted).
		Str("execution_id", executionID).
		Dur("duration", duration).
		Msg("execution completed")
}

func LogExecutionFailed(logger zerolog.Logger, executionID string, err error) {
	logger.Error().
		Str("event", LogEventExecutionFailed).
		Str("execution_id", executionID).
		Err(err).
		Msg("execution failed")
}

func LogExecutionCancelled(logger zerolog.Logger, executionID string) {
	logger.Warn().
		Str("event", LogEventExecutionCancelled).
		Str("execution_id", executionID).
		Msg("execution cancelled")
}

func LogExecutionWaiting(logger zerolog.Logger, executionID string, outcome RunOutcomeStatus) {
	logger.Info().
		Str("event", LogEventExecutionWaiting).
		Str("execution_id", executionID).
		Str("outcome", string(outcome)).
		Msg("execution paused, resumable")
}

func LogStepStarted(logger zerolog.Logger, executionID, stepName string) {
	logger.Info().
		Str("event", LogEventStepStarted).
		Str("execution_id", executionID).
		Str("step_name", stepName).
		Msg("step started")
}

func LogStepRetrying(logger zerolog.Logger, executionID, stepName string, attempt int, delay time.Duration) {
	logger.Warn().
		Str("event", LogEventStepRetrying).
		Str("execution_id", executionID).
		Str("step_name", stepName).
		Int("attempt", attempt).
		Dur("backoff", delay).
		Msg("step retrying")
}

func LogStepCompleted(logger zerolog.Logger, executionID, stepName string, durationMs int64) {
	logger.Info().
		Str("event", LogEventStepCompleted).
		Str("execution_id", executionID).
		Str("step_name", stepName).
		Int64("duration_ms", durationMs).
		Msg("step completed")
}

func LogStepFailed(logger zerolog.Logger, executionID, stepName string, err error, attempt int) {
	logger.Error().
		Str("event", LogEventStepFailed).
		Str("execution_id", executionID).
		Str("step_name", stepName).
		Err(err).
		Int("attempt", attempt).
		Msg("step failed")
}

func LogStepSkipped(logger zerolog.Logger, executionID, stepName, reason string) {
	logger.Info().
		Str("event", LogEventStepSkipped).
		Str("execution_id", executionID).
		Str("step_name", stepName).
		Str("reason", reason).
		Msg("step skipped")
}

func LogStepStuck(logger zerolog.Logger, executionID, stepName string) {
	logger.Warn().
		Str("event", LogEventStepStuck).
		Str("execution_id", executionID).
		Str("step_name", stepName).
		Msg("step claimed by a live worker, backing off")
}

func LogPersistenceError(logger zerolog.Logger, executionID, operation string, err error) {
	logger.Error().
		Str("event", LogEventPersistenceError).
		Str("execution_id", executionID).
		Str("operation", operation).
		Err(err).
		Msg("persistence error")
}

// ExecutionLogger creates a logger enriched with execution context.
func ExecutionLogger(base zerolog.Logger, executionID, workflowID string) zerolog.Logger {
	return base.With().
		Str("execution_id", executionID).
		Str("workflow_id", workflowID).
		Logger()
}

// StepExecutionLogger creates a logger enriched with step context.
func StepExecutionLogger(executionLogger zerolog.Logger, stepName string, attempt int) zerolog.Logger {
	return executionLogger.With().
		Str("step_name", stepName).
		Int("attempt", attempt).
		Logger()
}
