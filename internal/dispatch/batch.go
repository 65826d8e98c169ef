package dispatch

import (
	"context"
	"encoding/json"

	"github.com/pryvgo/core/internal/apperror"
)

// BatchCall is one sub-call of a callBatch request: {method, params}.
type BatchCall struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// BatchResult is one sub-call's outcome: on success, Result holds the
// sub-call's result map (no meta, per spec.md §4.9); on failure, Error
// holds the structured error.
type BatchResult struct {
	Result map[string]any  `json:"-"`
	Error  *apperror.Error `json:"-"`
}

// MarshalJSON renders {error} on failure, or the sub-call's flattened
// result keys on success, matching the shape of a single-call envelope
// minus meta.
func (b BatchResult) MarshalJSON() ([]byte, error) {
	if b.Error != nil {
		return json.Marshal(map[string]any{"error": b.Error})
	}
	return json.Marshal(b.Result)
}

// CallBatch executes calls sequentially against one shared identity
// (username, token, callerId), per spec.md §4.9: a failing sub-call
// produces {error} at its index and never aborts the batch (resolving §9
// Open Question (c) in favor of continue-on-error). meta is never attached
// to an inner result; only the caller's outer envelope carries it.
func (r *Registry) CallBatch(ctx context.Context, username, token, callerID string, calls []BatchCall) []BatchResult {
	results := make([]BatchResult, len(calls))
	for i, call := range calls {
		env := r.Call(ctx, call.Method, username, token, callerID, call.Params)
		if env.Error != nil {
			results[i] = BatchResult{Error: env.Error}
			continue
		}
		results[i] = BatchResult{Result: env.Result}
	}
	return results
}
