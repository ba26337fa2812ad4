package engine

import (
	"time"

	"github.com/flowforge/dagcore"
)

// backoffBeforeAttempt wraps dagcore.StepBackoff for the attempt-numbering
// convention used inside the retry loop (attempt is 1-based here).
func backoffBeforeAttempt(backoffMs int64, attempt int) time.Duration {
	return dagcore.StepBackoff(backoffMs, attempt)
}
