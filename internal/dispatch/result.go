package dispatch

import (
	"iter"

	"github.com/pryvgo/core/internal/apperror"
)

// ResultBuilder accumulates named arrays into a call's result map under a
// bounded size cap, implementing the streaming result builder of spec.md
// §4.10 (C10). Go 1.23+ range-over-func iterators stand in for the
// source's lazy cursor producers.
type ResultBuilder struct {
	limit  int
	result map[string]any
	concat map[string][]any
}

// NewResultBuilder wraps result (typically Context.Result) with a cap of
// limit items per named array. limit<=0 means unbounded.
func NewResultBuilder(result map[string]any, limit int) *ResultBuilder {
	return &ResultBuilder{limit: limit, result: result, concat: make(map[string][]any)}
}

// AddStream drains src into result[name], failing the whole call with
// TooManyResults if it exceeds the configured limit rather than truncating
// silently.
func (b *ResultBuilder) AddStream(name string, src iter.Seq[any]) error {
	items := make([]any, 0, 16)
	for v := range src {
		if b.limit > 0 && len(items) >= b.limit {
			return apperror.New(apperror.KindTooManyResults, "result array exceeded the configured limit: "+name)
		}
		items = append(items, v)
	}
	b.result[name] = items
	return nil
}

// AddToConcatArrayStream appends src's items to the pending concatenation
// buffer for name; call CloseConcatArrayStream to place the combined array
// into the result.
func (b *ResultBuilder) AddToConcatArrayStream(name string, src iter.Seq[any]) error {
	for v := range src {
		if b.limit > 0 && len(b.concat[name]) >= b.limit {
			return apperror.New(apperror.KindTooManyResults, "result array exceeded the configured limit: "+name)
		}
		b.concat[name] = append(b.concat[name], v)
	}
	return nil
}

// CloseConcatArrayStream places the accumulated concatenation under
// result[name] and clears the pending buffer.
func (b *ResultBuilder) CloseConcatArrayStream(name string) {
	b.result[name] = b.concat[name]
	delete(b.concat, name)
}

// SliceSeq adapts a plain slice into an iter.Seq[any], the shape every
// resource handler's storage read already returns.
func SliceSeq[T any](items []T) iter.Seq[any] {
	return func(yield func(any) bool) {
		for _, v := range items {
			if !yield(v) {
				return
			}
		}
	}
}
