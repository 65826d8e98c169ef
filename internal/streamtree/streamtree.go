// Package streamtree implements the stream tree engine of spec.md §4.4
// (C5): ancestry lookups, create/update/move validation, and the two-phase
// trash/permanent-delete semantics including event merge-on-delete.
package streamtree

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pryvgo/core/internal/apperror"
	"github.com/pryvgo/core/internal/model"
	"github.com/pryvgo/core/internal/store"
)

// NewID mints a cuid-like stream id: lower-cased ULID, URL-safe and
// monotonic within a process, matching the teacher's id-generation idiom.
func NewID() string {
	return strings.ToLower(ulid.Make().String())
}

// IsCUIDLike reports whether id looks like a server-generated id (26
// lower-case base32 characters), used to validate caller-supplied ids on
// create.
func IsCUIDLike(id string) bool {
	if len(id) != 26 {
		return false
	}
	for _, r := range id {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z') {
			return false
		}
	}
	return true
}

// IsSynthetic reports whether id is a server-generated read-only stream:
// the tag-prefix family or one of the fixed system streams. Synthetic
// streams appear in listings but reject every write operation.
func IsSynthetic(id string) bool {
	if strings.HasPrefix(id, model.TagStreamPrefix) {
		return true
	}
	switch id {
	case model.StreamAccount, model.StreamAudit:
		return true
	default:
		return false
	}
}

// Tree is an in-memory index over one user's streams, built fresh per
// request from store.StreamStorer.ListStreams (or the cache). It answers
// ancestry and child-of queries in O(depth).
type Tree struct {
	byID     map[string]*model.Stream
	children map[string][]*model.Stream // parentId ("" for root) -> children
}

// Build indexes streams by id and by parent.
func Build(streams []*model.Stream) *Tree {
	t := &Tree{byID: make(map[string]*model.Stream, len(streams)), children: make(map[string][]*model.Stream)}
	for _, s := range streams {
		t.byID[s.ID] = s
		key := ""
		if s.ParentID != nil {
			key = *s.ParentID
		}
		t.children[key] = append(t.children[key], s)
	}
	return t
}

// Get returns the stream with id, or nil.
func (t *Tree) Get(id string) *model.Stream { return t.byID[id] }

// Flat returns every stream in the tree, order unspecified. Used to
// populate internal/cache's per-user stream cache from a freshly built tree.
func (t *Tree) Flat() []*model.Stream {
	out := make([]*model.Stream, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	return out
}

// Ancestry returns [id, parent(id), grandparent(id), ...] up to the root,
// used by auth.Authorize's ancestor walk. Synthetic ids (not present in the
// tree) are returned as a single-element ancestry of themselves.
func (t *Tree) Ancestry(id string) []string {
	if IsSynthetic(id) {
		return []string{id}
	}
	var chain []string
	cur := id
	seen := map[string]struct{}{}
	for cur != "" {
		if _, loop := seen[cur]; loop {
			break // defensive: a corrupt tree must not spin forever
		}
		seen[cur] = struct{}{}
		chain = append(chain, cur)
		s := t.byID[cur]
		if s == nil || s.ParentID == nil {
			break
		}
		cur = *s.ParentID
	}
	return chain
}

// Descendants returns every id in the subtree rooted at id, including id
// itself, used by stream deletion's "wholly within" checks.
func (t *Tree) Descendants(id string) []string {
	out := []string{id}
	var walk func(parent string)
	walk = func(parent string) {
		for _, c := range t.children[parent] {
			out = append(out, c.ID)
			walk(c.ID)
		}
	}
	walk(id)
	return out
}

// WithChildren returns a copy of the roots (or the children of parentID if
// non-nil) with the Children field populated recursively, for building the
// nested tree response streams.get returns.
func (t *Tree) WithChildren(parentID *string) []*model.Stream {
	key := ""
	if parentID != nil {
		key = *parentID
	}
	kids := t.children[key]
	out := make([]*model.Stream, 0, len(kids))
	for _, s := range kids {
		cp := *s
		cp.Children = t.WithChildren(&s.ID)
		out = append(out, &cp)
	}
	return out
}

// Engine implements the stream tree operations against a storage backend.
type Engine struct {
	streams store.StreamStorer
	events  store.EventStorer
}

// New builds an Engine.
func New(streams store.StreamStorer, events store.EventStorer) *Engine {
	return &Engine{streams: streams, events: events}
}

// Get loads every stream for userID and indexes it into a Tree, per
// spec.md §4.4's get(parentId?, state, includeDeletionsSince?).
func (e *Engine) Get(ctx context.Context, userID string, state store.EventState) (*Tree, error) {
	streams, err := e.streams.ListStreams(ctx, userID, state)
	if err != nil {
		return nil, apperror.FromStorage(err)
	}
	return Build(streams), nil
}

// Create validates and creates a stream per spec.md §4.4.
func (e *Engine) Create(ctx context.Context, userID string, s model.Stream) (*model.Stream, error) {
	if s.ParentID != nil {
		if IsSynthetic(*s.ParentID) {
			return nil, apperror.New(apperror.KindInvalidOperation, "cannot create a stream under a synthetic stream")
		}
		parent, err := e.streams.GetStream(ctx, userID, *s.ParentID)
		if err != nil {
			return nil, apperror.FromStorage(err)
		}
		if parent == nil {
			return nil, apperror.New(apperror.KindUnknownReferencedResource, "parent stream does not exist")
		}
		if parent.Trashed {
			return nil, apperror.New(apperror.KindInvalidOperation, "cannot create a stream under a trashed parent")
		}
	}

	if s.ID != "" && !IsCUIDLike(s.ID) {
		return nil, apperror.New(apperror.KindInvalidOperation, "supplied stream id is not cuid-like")
	}
	if s.ID != "" {
		existing, err := e.streams.GetStream(ctx, userID, s.ID)
		if err != nil {
			return nil, apperror.FromStorage(err)
		}
		if existing != nil {
			return nil, apperror.New(apperror.KindItemAlreadyExists, "stream id already in use")
		}
	}

	s.UserID = userID
	created, err := e.streams.CreateStream(ctx, s)
	if err != nil {
		return nil, apperror.FromStorage(err)
	}
	return created, nil
}

// alterableStreamFields is the update whitelist of spec.md §4.4: name,
// parentId, clientData. singleActivity may never be set (reserved).
var alterableStreamFields = map[string]struct{}{
	"name": {}, "parentId": {}, "clientData": {},
}

// Update applies patch to stream id, enforcing the whitelist, the
// synthetic-stream write rejection, and (for parentId changes) that both
// parents must have been checked for `manage` by the caller before Update
// is invoked — Update itself only checks structural validity (parent
// exists, not trashed, no sibling-name collision); permission checking on
// old/new parent is the dispatcher step's responsibility (it has the Tree
// and the access).
func (e *Engine) Update(ctx context.Context, userID, id string, patch map[string]any, strict bool) (*model.Stream, error) {
	if IsSynthetic(id) {
		return nil, apperror.New(apperror.KindInvalidOperation, "synthetic streams are read-only")
	}
	if _, ok := patch["singleActivity"]; ok {
		return nil, apperror.New(apperror.KindInvalidOperation, "singleActivity is reserved and may never be set")
	}

	clean := make(map[string]any, len(patch))
	for k, v := range patch {
		if _, ok := alterableStreamFields[k]; !ok {
			if strict {
				return nil, apperror.New(apperror.KindForbidden, "field not alterable: "+k)
			}
			continue
		}
		clean[k] = v
	}

	if pid, ok := clean["parentId"].(string); ok {
		if IsSynthetic(pid) {
			return nil, apperror.New(apperror.KindInvalidOperation, "cannot move a stream under a synthetic stream")
		}
		parent, err := e.streams.GetStream(ctx, userID, pid)
		if err != nil {
			return nil, apperror.FromStorage(err)
		}
		if parent == nil {
			return nil, apperror.New(apperror.KindUnknownReferencedResource, "target parent stream does not exist")
		}
		if parent.Trashed {
			return nil, apperror.New(apperror.KindInvalidOperation, "cannot move a stream under a trashed parent")
		}
	}

	updated, err := e.streams.UpdateStream(ctx, userID, id, clean)
	if err != nil {
		return nil, apperror.FromStorage(err)
	}
	return updated, nil
}

// DeleteResult is the outcome of Delete: either the stream is now trashed
// (first call) or it has been permanently removed (second call), reported
// as updatedEvents per spec.md §6's streamDeletion envelope.
type DeleteResult struct {
	Stream         *model.Stream
	Deletion       *model.Deletion
	UpdatedEvents  int
	PermanentlyGone bool
}

// Delete implements the two-phase stream delete of spec.md §4.4.
func (e *Engine) Delete(ctx context.Context, userID, id string, mergeEventsWithParent bool) (*DeleteResult, error) {
	if IsSynthetic(id) {
		return nil, apperror.New(apperror.KindInvalidOperation, "synthetic streams are read-only")
	}

	s, err := e.streams.GetStream(ctx, userID, id)
	if err != nil {
		return nil, apperror.FromStorage(err)
	}
	if s == nil {
		return nil, apperror.New(apperror.KindUnknownResource, "stream not found")
	}

	if !s.Trashed {
		trashed, err := e.streams.TrashStream(ctx, userID, id, true)
		if err != nil {
			return nil, apperror.FromStorage(err)
		}
		return &DeleteResult{Stream: trashed}, nil
	}

	tree, err := e.Get(ctx, userID, store.StateAll)
	if err != nil {
		return nil, err
	}
	subtree := tree.Descendants(id)

	updated := 0
	if mergeEventsWithParent {
		parentID := ""
		if s.ParentID != nil {
			parentID = *s.ParentID
		}
		for _, sid := range subtree {
			n, err := e.events.ReassignStreamID(ctx, userID, sid, parentID)
			if err != nil {
				return nil, apperror.FromStorage(err)
			}
			updated += n
		}
	} else {
		n, err := e.events.DeleteEventsWhollyWithin(ctx, userID, subtree)
		if err != nil {
			return nil, apperror.FromStorage(err)
		}
		updated += n
		for _, sid := range subtree {
			n, err := e.events.RemoveStreamIDFromOthers(ctx, userID, sid, subtree)
			if err != nil {
				return nil, apperror.FromStorage(err)
			}
			updated += n
		}
	}

	for _, sid := range subtree {
		if err := e.streams.DeleteStream(ctx, userID, sid); err != nil {
			return nil, apperror.FromStorage(err)
		}
	}

	return &DeleteResult{
		Deletion:        &model.Deletion{ID: id, Deleted: time.Now().UTC().Unix()},
		UpdatedEvents:   updated,
		PermanentlyGone: true,
	}, nil
}
