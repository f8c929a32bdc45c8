// Package breakpoints implements the managed breakpoint managers of the
// engine: source-line breakpoints, function-name breakpoints and the entry
// breakpoint. Native (interop) breakpoints live in the interop package; the
// debugger facade routes between them and keeps a shared id space.
package breakpoints

import (
	"log/slog"

	"github.com/Manu343726/garrapata/pkg/dbg/runtime"
)

// isEnabledByCondition evaluates a breakpoint condition on the stopped
// thread. The breakpoint fires only if the evaluator returns a value of
// type "bool" with representation "true". Any evaluation error is treated
// as "no hit" and surfaced as a diagnostic; the next hit retries.
func isEnabledByCondition(condition string, evaluator runtime.Evaluator, thread runtime.Thread, log *slog.Logger) bool {
	if condition == "" {
		return true
	}
	if evaluator == nil {
		log.Warn("breakpoint condition ignored, no evaluator available", "condition", condition)
		return true
	}

	value, err := evaluator.EvalExpression(condition, thread)
	if err != nil {
		log.Warn("breakpoint condition evaluation failed", "condition", condition, "error", err)
		return false
	}
	return value.TypeName() == "bool" && value.String() == "true"
}

// skipBreakpoint reports whether a resolved location must be skipped under
// Just My Code because the method is compiler-hidden.
func skipBreakpoint(hidden bool, justMyCode bool) bool {
	return justMyCode && hidden
}
