package dagcore

import "time"

// EngineConfig holds engine-level configuration for the Executor, which
// applies EngineOptions to it in engine.NewExecutor. MaxConcurrentExecutions
// bounds how many steps of one DAG level the Executor runs at once; the
// Dispatcher (events/dispatcher.go) takes its worker-pool size as its own
// NewDispatcher argument and reads DefaultEngineConfig only as the fallback.
type EngineConfig struct {
	MaxConcurrentExecutions int
	DefaultStepTimeout      time.Duration
	ClaimTimeout            time.Duration
}

// DefaultEngineConfig provides production-sane defaults.
var DefaultEngineConfig = EngineConfig{
	MaxConcurrentExecutions: 10,
	DefaultStepTimeout:      30 * time.Second,
	ClaimTimeout:            30 * time.Second,
}

// EngineOption configures an Executor at construction time (teacher's
// functional-options idiom, generalized to the new domain).
type EngineOption func(*EngineConfig)

// WithMaxConcurrentExecutions bounds how many steps of one DAG level the
// Executor runs at once.
func WithMaxConcurrentExecutions(n int) EngineOption {
	return func(c *EngineConfig) { c.MaxConcurrentExecutions = n }
}

// WithDefaultStepTimeout overrides the timeout applied to a step whose
// config.timeoutMs is unset.
func WithDefaultStepTimeout(d time.Duration) EngineOption {
	return func(c *EngineConfig) { c.DefaultStepTimeout = d }
}

// WithClaimTimeout overrides the default claim_step staleness window.
func WithClaimTimeout(d time.Duration) EngineOption {
	return func(c *EngineConfig) { c.ClaimTimeout = d }
}

// StartOptions configures CreateExecution calls.
type StartOptions struct {
	TimeoutMs *int64
	Tags      map[string]string
}

// StartOption is a functional option for StartOptions.
type StartOption func(*StartOptions)

// WithExecutionTimeout sets the execution's overall deadline
// (deadline_at_epoch_ms), independent of any per-step timeout.
func WithExecutionTimeout(d time.Duration) StartOption {
	return func(o *StartOptions) {
		ms := d.Milliseconds()
		o.TimeoutMs = &ms
	}
}

// WithExecutionTags attaches free-form tags, carried for observability only
// (not interpreted by the engine).
func WithExecutionTags(tags map[string]string) StartOption {
	return func(o *StartOptions) { o.Tags = tags }
}
