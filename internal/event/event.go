// Package event holds the event-engine helpers of spec.md §4.5/§3 (C6) that
// the dispatcher's event steps call: the streamIds/tags migration, type and
// referenced-stream validation, the update whitelist, attachment size sums
// and the integrity hash. It reads streamtree.Tree but never talks to
// storage, transport or auth directly — the dispatcher does the storage
// calls and calls Authorize itself before invoking these operations.
package event

import (
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pryvgo/core/internal/apperror"
	"github.com/pryvgo/core/internal/integrity"
	"github.com/pryvgo/core/internal/model"
	"github.com/pryvgo/core/internal/streamtree"
)

// typePattern matches spec.md §3's `^(series:)?[a-z0-9-]+/[a-z0-9-]+$`.
var typePattern = regexp.MustCompile(`^(series:)?[a-z0-9-]+/[a-z0-9-]+$`)

// NewID mints a cuid-like event id.
func NewID() string { return strings.ToLower(ulid.Make().String()) }

// IsSeries reports whether an event type is a running high-frequency series
// type (the `series:` prefix), used to reject the swap between series and
// non-series types on update, per spec.md §4.5/§8.
func IsSeries(eventType string) bool { return strings.HasPrefix(eventType, "series:") }

// NormalizeCreate resolves the streamId/streamIds/tags fields of a create
// request into the persisted streamIds set, per spec.md §3/§4.5:
//   - both streamId and streamIds supplied is InvalidOperation
//   - streamId becomes streamIds=[streamId]
//   - streamIds is de-duplicated preserving first occurrence
//   - each non-empty trimmed tag becomes a synthetic stream id appended to
//     streamIds; the tags field itself is never persisted
func NormalizeCreate(params map[string]any) ([]string, []string, error) {
	rawID, hasID := params["streamId"].(string)
	rawIDs, hasIDs := params["streamIds"]

	if hasID && hasIDs {
		return nil, nil, apperror.New(apperror.KindInvalidOperation, "cannot supply both streamId and streamIds")
	}

	var ids []string
	switch {
	case hasID:
		ids = []string{rawID}
	case hasIDs:
		list, _ := rawIDs.([]any)
		for _, v := range list {
			if s, ok := v.(string); ok {
				ids = append(ids, s)
			}
		}
	}

	var tags []string
	if rawTags, ok := params["tags"].([]any); ok {
		for _, v := range rawTags {
			s, ok := v.(string)
			if !ok {
				continue
			}
			trimmed := strings.TrimSpace(s)
			if trimmed == "" {
				continue
			}
			tags = append(tags, trimmed)
			ids = append(ids, model.TagStreamPrefix+trimmed)
		}
	}

	return dedupe(ids), tags, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ValidateType checks the type pattern of spec.md §3.
func ValidateType(eventType string) error {
	if !typePattern.MatchString(eventType) {
		return apperror.New(apperror.KindInvalidParametersFormat, "type does not match the required pattern")
	}
	return nil
}

// ValidateReferencedStreams checks every non-synthetic id in streamIDs
// exists and is not trashed, per spec.md §4.5's "UnknownReferencedResource"
// / "InvalidOperation" rule.
func ValidateReferencedStreams(tree *streamtree.Tree, streamIDs []string) error {
	for _, id := range streamIDs {
		if streamtree.IsSynthetic(id) {
			continue
		}
		s := tree.Get(id)
		if s == nil {
			return apperror.New(apperror.KindUnknownReferencedResource, "referenced stream does not exist: "+id)
		}
		if s.Trashed {
			return apperror.New(apperror.KindInvalidOperation, "referenced stream is trashed: "+id)
		}
	}
	return nil
}

// PrepareCreate builds the model.Event to persist from validated create
// params, defaulting time to now. The id is copied only when supplied (it
// must be cuid-like); the integrity hash is attached later by Finalize.
func PrepareCreate(userID string, params map[string]any, streamIDs, tags []string) (model.Event, error) {
	e := model.Event{
		UserID:    userID,
		StreamIDs: streamIDs,
		Tags:      tags,
	}

	if id, ok := params["id"].(string); ok && id != "" {
		if !streamtree.IsCUIDLike(id) {
			return model.Event{}, apperror.New(apperror.KindInvalidOperation, "supplied event id is not cuid-like")
		}
		e.ID = id
	}

	t, _ := params["type"].(string)
	if err := ValidateType(t); err != nil {
		return model.Event{}, err
	}
	e.Type = t

	if tm, ok := params["time"].(float64); ok {
		e.Time = tm
	} else {
		e.Time = float64(time.Now().UTC().UnixNano()) / 1e9
	}

	if d, ok := params["duration"].(float64); ok {
		e.Duration = &d
	}

	e.Content = params["content"]

	if desc, ok := params["description"].(string); ok {
		e.Description = desc
	}
	if cd, ok := params["clientData"].(map[string]any); ok {
		e.ClientData = cd
	}

	return e, nil
}

// Finalize recomputes and attaches the integrity hash, per spec.md §4.5.
func Finalize(e *model.Event) error {
	h, err := integrity.Hash(e)
	if err != nil {
		return apperror.Wrap(err, apperror.KindUnexpected, "compute event integrity hash")
	}
	e.Integrity = h
	return nil
}

// ValidateTypeSwap rejects toggling a running (duration==nil) event between
// a series and non-series type via update, per spec.md §3/§4.5.
func ValidateTypeSwap(existing *model.Event, newType string) error {
	if existing.Duration != nil {
		return nil // only running events carry the series/non-series distinction
	}
	if IsSeries(existing.Type) != IsSeries(newType) {
		return apperror.New(apperror.KindInvalidOperation, "cannot toggle a running event between series and non-series type")
	}
	return nil
}

// alterableEventFields is the update whitelist of spec.md §4.5: attachments
// are explicitly excluded (added/removed only via the dedicated routes).
var alterableEventFields = map[string]struct{}{
	"streamIds": {}, "type": {}, "time": {}, "duration": {}, "content": {},
	"tags": {}, "description": {}, "clientData": {},
}

// FilterUpdate strips (lenient) or rejects (strict) non-whitelisted update
// fields, per spec.md §4.5.
func FilterUpdate(patch map[string]any, strict bool) (map[string]any, error) {
	clean := make(map[string]any, len(patch))
	for k, v := range patch {
		if _, ok := alterableEventFields[k]; !ok {
			if strict {
				return nil, apperror.New(apperror.KindForbidden, "field not alterable: "+k)
			}
			continue
		}
		clean[k] = v
	}
	return clean, nil
}

// AttachmentSizeSum sums the sizes of an event's attachments, used to
// decrement storageUsed.attachedFiles on permanent delete (spec.md §3/§8).
func AttachmentSizeSum(atts []model.Attachment) int64 {
	var total int64
	for _, a := range atts {
		total += a.Size
	}
	return total
}
