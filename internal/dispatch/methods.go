package dispatch

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/pryvgo/core/internal/apperror"
	"github.com/pryvgo/core/internal/auth"
	"github.com/pryvgo/core/internal/crypto"
	"github.com/pryvgo/core/internal/event"
	"github.com/pryvgo/core/internal/integrity"
	"github.com/pryvgo/core/internal/model"
	"github.com/pryvgo/core/internal/pubsub"
	"github.com/pryvgo/core/internal/schema"
	"github.com/pryvgo/core/internal/store"
	"github.com/pryvgo/core/internal/streamtree"
)

// passwordResetTTL is how long a requestPasswordReset token remains valid.
const passwordResetTTL = 2 * time.Hour

// newStreamEngine builds a streamtree.Engine over the shared store, since
// store.Storer satisfies both of its narrower collaborator interfaces.
func newStreamEngine(st store.Storer) *streamtree.Engine {
	return streamtree.New(st, st)
}

func newAccessToken() (string, error) {
	return crypto.NewOpaqueToken("pryv")
}

func attachAccessIntegrity(a *model.Access) error {
	h, err := integrity.Hash(a)
	if err != nil {
		return apperror.Wrap(err, apperror.KindUnexpected, "compute access integrity hash")
	}
	a.Integrity = h
	return nil
}

func attachStreamIntegrity(s *model.Stream) error {
	h, err := integrity.Hash(s)
	if err != nil {
		return apperror.Wrap(err, apperror.KindUnexpected, "compute stream integrity hash")
	}
	s.Integrity = h
	return nil
}

// RegisterAll registers every method of spec.md §6 against r.
func RegisterAll(r *Registry) {
	registerEvents(r)
	registerStreams(r)
	registerAccesses(r)
	registerProfile(r)
	registerFollowedSlices(r)
	registerAccount(r)
	registerSystem(r)
	registerAuth(r)
	registerMisc(r)
}

// ─── events ───

func registerEvents(r *Registry) {
	r.Register(&Method{ID: "events.get", Resource: "events", Action: schema.Read, Steps: []Step{stepEventsGet}})
	r.Register(&Method{ID: "events.getOne", Resource: "events", Action: schema.Read, Steps: []Step{stepEventsGetOne}})
	r.Register(&Method{ID: "events.create", Resource: "events", Action: schema.Create, Mutating: true, NotifyTopic: pubsub.TopicEventsChanged, Steps: []Step{stepEventsCreate}})
	r.Register(&Method{ID: "events.update", Resource: "events", Action: schema.Update, Mutating: true, NotifyTopic: pubsub.TopicEventsChanged, Steps: []Step{stepEventsUpdate}})
	r.Register(&Method{ID: "events.delete", Resource: "events", Action: schema.Delete, Mutating: true, NotifyTopic: pubsub.TopicEventsChanged, Steps: []Step{stepEventsDelete}})
	r.Register(&Method{ID: "events.addAttachment", Resource: "events", Action: schema.Action("addAttachment"), Mutating: true, NotifyTopic: pubsub.TopicEventsChanged, Steps: []Step{stepEventsAddAttachment}})
	r.Register(&Method{ID: "events.deleteAttachment", Resource: "events", Action: schema.Action("deleteAttachment"), Mutating: true, NotifyTopic: pubsub.TopicEventsChanged, Steps: []Step{stepEventsDeleteAttachment}})
}

func parseEventQuery(params map[string]any) store.EventQuery {
	q := store.EventQuery{State: store.StateDefault, Limit: 20}

	switch s := params["streams"].(type) {
	case []any:
		for _, v := range s {
			if id, ok := v.(string); ok {
				q.Streams.Any = append(q.Streams.Any, id)
			}
		}
	case map[string]any:
		q.Streams.Any = toStrings(s["any"])
		q.Streams.All = toStrings(s["all"])
		q.Streams.Not = toStrings(s["not"])
	}

	q.Tags = toStrings(params["tags"])
	q.Types = toStrings(params["types"])
	if v, ok := params["fromTime"].(float64); ok {
		q.FromTime = &v
	}
	if v, ok := params["toTime"].(float64); ok {
		q.ToTime = &v
	}
	if v, ok := params["sortAscending"].(bool); ok {
		q.SortAscending = v
	}
	if v, ok := params["skip"].(float64); ok {
		q.Skip = int(v)
	}
	if v, ok := params["limit"].(float64); ok && v > 0 {
		q.Limit = int(v)
	}
	if v, ok := params["state"].(string); ok {
		q.State = store.EventState(v)
	}
	if v, ok := params["modifiedSince"].(float64); ok {
		iv := int64(v)
		q.ModifiedSince = &iv
	}
	if v, ok := params["includeDeletions"].(bool); ok {
		q.IncludeDeletions = v
	}
	if v, ok := params["running"].(bool); ok {
		q.Running = &v
	}
	return q
}

func toStrings(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// readableStreams filters a set of stream ids down to the ones access is
// permitted to read, per spec.md §4.2. A personal access passes everything
// through.
func readableStreams(c *Context, tree *streamtree.Tree, ids []string) []string {
	if c.Access.Type == model.AccessPersonal {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if auth.Authorize(c.MethodID, c.Access, tree.Ancestry(id), model.LevelRead) == nil {
			out = append(out, id)
		}
	}
	return out
}

func stepEventsGet(c *Context) error {
	tree, err := c.StreamTree(c.Deps.Store)
	if err != nil {
		return err
	}
	q := parseEventQuery(c.Params)

	if c.Access.Type != model.AccessPersonal {
		if len(q.Streams.Any) > 0 {
			q.Streams.Any = readableStreams(c, tree, q.Streams.Any)
			if len(q.Streams.Any) == 0 {
				c.Result["events"] = []any{}
				return nil
			}
		}
		if len(q.Streams.All) > 0 {
			// An "all" filter demands membership in every listed stream; an
			// access that can't read one of them can't prove or disprove
			// that membership, so the whole query is denied rather than
			// silently relaxed by dropping the unreadable id.
			for _, id := range q.Streams.All {
				if auth.Authorize(c.MethodID, c.Access, tree.Ancestry(id), model.LevelRead) != nil {
					c.Result["events"] = []any{}
					return nil
				}
			}
		}
		if len(q.Streams.Any) == 0 && len(q.Streams.All) == 0 {
			// No explicit stream filter: restrict to whatever the access can read.
			q.Streams.Any = readableStreams(c, tree, treeIDs(tree))
		}
	}

	events, err := c.Deps.Store.Query(c.Ctx, c.UserID, q)
	if err != nil {
		return apperror.FromStorage(err)
	}
	for _, e := range events {
		decorateReadTokens(e, c.Access, c.Deps.ServerSecret)
	}

	rb := NewResultBuilder(c.Result, c.Deps.ArrayLimit)
	if err := rb.AddStream("events", SliceSeq(events)); err != nil {
		return err
	}

	if q.IncludeDeletions {
		since := int64(0)
		if q.ModifiedSince != nil {
			since = *q.ModifiedSince
		}
		dels, err := c.Deps.Store.QueryDeletions(c.Ctx, c.UserID, since)
		if err != nil {
			return apperror.FromStorage(err)
		}
		c.Result["eventDeletions"] = dels
	}
	return nil
}

func treeIDs(tree *streamtree.Tree) []string {
	var ids []string
	var walk func(parentID *string)
	walk = func(parentID *string) {
		for _, s := range tree.WithChildren(parentID) {
			ids = append(ids, s.ID)
			walk(&s.ID)
		}
	}
	walk(nil)
	return ids
}

func stepEventsGetOne(c *Context) error {
	id, _ := c.Params["id"].(string)
	e, err := c.Deps.Store.GetEvent(c.Ctx, c.UserID, id)
	if err != nil {
		return apperror.FromStorage(err)
	}
	if e == nil {
		return apperror.New(apperror.KindUnknownResource, "event not found")
	}

	tree, err := c.StreamTree(c.Deps.Store)
	if err != nil {
		return err
	}
	if err := requireAnyStream(c, tree, e.StreamIDs, model.LevelRead); err != nil {
		return err
	}
	decorateReadTokens(e, c.Access, c.Deps.ServerSecret)

	c.Result["event"] = e

	if v, ok := c.Params["includeHistory"].(bool); ok && v {
		hist, err := c.Deps.Store.GetEventHistory(c.Ctx, c.UserID, id)
		if err != nil {
			return apperror.FromStorage(err)
		}
		c.Result["history"] = hist
	}
	return nil
}

// requireAnyStream implements the multi-stream "any" rule of spec.md §4.2
// step 4 (read/trash/update-content): permission on at least one event
// stream suffices.
func requireAnyStream(c *Context, tree *streamtree.Tree, streamIDs []string, level model.PermissionLevel) error {
	if c.Access.Type == model.AccessPersonal {
		return nil
	}
	ancestryByStream := make(map[string][]string, len(streamIDs))
	for _, id := range streamIDs {
		ancestryByStream[id] = tree.Ancestry(id)
	}
	return auth.AuthorizeMultiStream(c.MethodID, c.Access, ancestryByStream, level, false)
}

// requireAllStreams implements the multi-stream "all" rule of spec.md §4.2
// step 4 (streamId-set addition/removal): contribute must hold on every
// affected stream.
func requireAllStreams(c *Context, tree *streamtree.Tree, streamIDs []string, level model.PermissionLevel) error {
	if c.Access.Type == model.AccessPersonal {
		return nil
	}
	ancestryByStream := make(map[string][]string, len(streamIDs))
	for _, id := range streamIDs {
		ancestryByStream[id] = tree.Ancestry(id)
	}
	return auth.AuthorizeMultiStream(c.MethodID, c.Access, ancestryByStream, level, true)
}

func stepEventsCreate(c *Context) error {
	if _, hasID := c.Params["streamId"]; hasID {
		if _, hasIDs := c.Params["streamIds"]; hasIDs {
			return apperror.New(apperror.KindInvalidOperation, "cannot supply both streamId and streamIds")
		}
	}

	streamIDs, tags, err := event.NormalizeCreate(c.Params)
	if err != nil {
		return err
	}
	if len(streamIDs) == 0 {
		return apperror.New(apperror.KindInvalidParametersFormat, "at least one stream is required")
	}

	tree, err := c.StreamTree(c.Deps.Store)
	if err != nil {
		return err
	}
	if err := event.ValidateReferencedStreams(tree, streamIDs); err != nil {
		return err
	}
	if err := requireAllStreams(c, tree, streamIDs, model.LevelContribute); err != nil {
		return err
	}

	e, err := event.PrepareCreate(c.UserID, c.Params, streamIDs, tags)
	if err != nil {
		return err
	}
	e.CreatedBy, e.ModifiedBy = c.Access.ID, c.Access.ID

	created, err := c.Deps.Store.CreateEvent(c.Ctx, e)
	if err != nil {
		return apperror.FromStorage(err, "id")
	}
	if err := event.Finalize(created); err != nil {
		return err
	}
	c.Result["event"] = created
	return nil
}

func stepEventsUpdate(c *Context) error {
	id, _ := c.Params["id"].(string)
	existing, err := c.Deps.Store.GetEvent(c.Ctx, c.UserID, id)
	if err != nil {
		return apperror.FromStorage(err)
	}
	if existing == nil {
		return apperror.New(apperror.KindUnknownResource, "event not found")
	}

	tree, err := c.StreamTree(c.Deps.Store)
	if err != nil {
		return err
	}
	if err := requireAnyStream(c, tree, existing.StreamIDs, model.LevelContribute); err != nil {
		return err
	}

	// The path-injected target id is not an update field.
	fields := make(map[string]any, len(c.Params))
	for k, v := range c.Params {
		if k != "id" {
			fields[k] = v
		}
	}
	patch, err := event.FilterUpdate(fields, c.Deps.ProtectedFieldMode.orDefault() == ModeStrict)
	if err != nil {
		return err
	}

	if newType, ok := patch["type"].(string); ok {
		if err := event.ValidateType(newType); err != nil {
			return err
		}
		if err := event.ValidateTypeSwap(existing, newType); err != nil {
			return err
		}
	}

	if rawIDs, ok := patch["streamIds"]; ok {
		ids := toStrings(rawIDs)
		if len(ids) == 0 {
			return apperror.New(apperror.KindInvalidParametersFormat, "streamIds cannot be empty")
		}
		if err := event.ValidateReferencedStreams(tree, ids); err != nil {
			return err
		}
		added, removed := diffStreamIDs(existing.StreamIDs, ids)
		if err := requireAllStreams(c, tree, append(added, removed...), model.LevelContribute); err != nil {
			return err
		}
		patch["streamIds"] = ids
	}

	patch["modifiedBy"] = c.Access.ID
	updated, err := c.Deps.Store.UpdateEvent(c.Ctx, c.UserID, id, patch)
	if err != nil {
		return apperror.FromStorage(err)
	}
	if err := event.Finalize(updated); err != nil {
		return err
	}
	c.Result["event"] = updated
	return nil
}

func diffStreamIDs(before, after []string) (added, removed []string) {
	beforeSet := make(map[string]struct{}, len(before))
	for _, id := range before {
		beforeSet[id] = struct{}{}
	}
	afterSet := make(map[string]struct{}, len(after))
	for _, id := range after {
		afterSet[id] = struct{}{}
	}
	for id := range afterSet {
		if _, ok := beforeSet[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range beforeSet {
		if _, ok := afterSet[id]; !ok {
			removed = append(removed, id)
		}
	}
	return
}

func stepEventsDelete(c *Context) error {
	id, _ := c.Params["id"].(string)
	existing, err := c.Deps.Store.GetEvent(c.Ctx, c.UserID, id)
	if err != nil {
		return apperror.FromStorage(err)
	}
	if existing == nil {
		return apperror.New(apperror.KindUnknownResource, "event not found")
	}

	tree, err := c.StreamTree(c.Deps.Store)
	if err != nil {
		return err
	}
	if err := requireAnyStream(c, tree, existing.StreamIDs, model.LevelContribute); err != nil {
		return err
	}

	if !existing.Trashed {
		trashed, err := c.Deps.Store.TrashEvent(c.Ctx, c.UserID, id, true)
		if err != nil {
			return apperror.FromStorage(err)
		}
		c.Result["event"] = trashed
		return nil
	}

	deletion, err := c.Deps.Store.DeleteEvent(c.Ctx, c.UserID, id)
	if err != nil {
		return apperror.FromStorage(err)
	}
	if size := event.AttachmentSizeSum(existing.Attachments); size > 0 {
		_ = c.Deps.Store.AdjustStorageUsed(c.Ctx, c.UserID, 0, -size)
	}
	c.Result["eventDeletion"] = deletion
	return nil
}

// stepEventsAddAttachment registers metadata for a blob the HTTP layer has
// already written to storage (C11 owns the multipart decode and byte
// storage; the dispatcher only ever sees size/fileName/type), mints the
// attachment's recomputable read token, and adjusts storageUsed.attachedFiles.
func stepEventsAddAttachment(c *Context) error {
	id, _ := c.Params["id"].(string)
	existing, err := c.Deps.Store.GetEvent(c.Ctx, c.UserID, id)
	if err != nil {
		return apperror.FromStorage(err)
	}
	if existing == nil {
		return apperror.New(apperror.KindUnknownResource, "event not found")
	}

	tree, err := c.StreamTree(c.Deps.Store)
	if err != nil {
		return err
	}
	if err := requireAnyStream(c, tree, existing.StreamIDs, model.LevelContribute); err != nil {
		return err
	}

	attachmentID := stringOr(c.Params["attachmentId"], "")
	if attachmentID == "" {
		attachmentID = streamtree.NewID()
	}
	att := model.Attachment{
		ID:       attachmentID,
		FileName: stringOr(c.Params["fileName"], ""),
		Type:     stringOr(c.Params["type"], "application/octet-stream"),
		Size:     int64(numberOr(c.Params["size"], 0)),
	}

	updated, err := c.Deps.Store.AddAttachment(c.Ctx, c.UserID, id, att)
	if err != nil {
		return apperror.FromStorage(err)
	}
	if att.Size > 0 {
		_ = c.Deps.Store.AdjustStorageUsed(c.Ctx, c.UserID, 0, att.Size)
	}

	decorateReadTokens(updated, c.Access, c.Deps.ServerSecret)
	c.Result["event"] = updated
	return nil
}

// decorateReadTokens fills e's attachments' ReadToken with self-contained,
// recomputable "<accessId>.<hmac>" tokens scoped to access, so C11 can serve
// attachment downloads without re-resolving a bearer token (spec.md §4.5).
func decorateReadTokens(e *model.Event, access *model.Access, serverSecret []byte) {
	if e == nil || access == nil {
		return
	}
	for i := range e.Attachments {
		mac := crypto.AttachmentReadToken(e.Attachments[i].ID, access.ID, access.Token, serverSecret)
		e.Attachments[i].ReadToken = access.ID + "." + mac
	}
}

// stepEventsDeleteAttachment removes one attachment from an event and
// credits its size back to storageUsed.attachedFiles.
func stepEventsDeleteAttachment(c *Context) error {
	id, _ := c.Params["id"].(string)
	attachmentID, _ := c.Params["attachmentId"].(string)
	existing, err := c.Deps.Store.GetEvent(c.Ctx, c.UserID, id)
	if err != nil {
		return apperror.FromStorage(err)
	}
	if existing == nil {
		return apperror.New(apperror.KindUnknownResource, "event not found")
	}

	tree, err := c.StreamTree(c.Deps.Store)
	if err != nil {
		return err
	}
	if err := requireAnyStream(c, tree, existing.StreamIDs, model.LevelContribute); err != nil {
		return err
	}

	var removedSize int64
	for _, a := range existing.Attachments {
		if a.ID == attachmentID {
			removedSize = a.Size
			break
		}
	}

	updated, err := c.Deps.Store.RemoveAttachment(c.Ctx, c.UserID, id, attachmentID)
	if err != nil {
		return apperror.FromStorage(err)
	}
	if removedSize > 0 {
		_ = c.Deps.Store.AdjustStorageUsed(c.Ctx, c.UserID, 0, -removedSize)
	}
	c.Result["event"] = updated
	return nil
}

// ─── streams ───

func registerStreams(r *Registry) {
	r.Register(&Method{ID: "streams.get", Resource: "streams", Action: schema.Read, Steps: []Step{stepStreamsGet}})
	r.Register(&Method{ID: "streams.create", Resource: "streams", Action: schema.Create, Mutating: true, NotifyTopic: pubsub.TopicStreamsChanged, Steps: []Step{stepStreamsCreate}})
	r.Register(&Method{ID: "streams.update", Resource: "streams", Action: schema.Update, Mutating: true, NotifyTopic: pubsub.TopicStreamsChanged, Steps: []Step{stepStreamsUpdate}})
	r.Register(&Method{ID: "streams.delete", Resource: "streams", Action: schema.Delete, Mutating: true, NotifyTopic: pubsub.TopicStreamsChanged, Steps: []Step{stepStreamsDelete}})
}

func stepStreamsGet(c *Context) error {
	state := store.EventState(stringOr(c.Params["state"], "default"))

	tree := cachedStreamTree(c, state)
	if tree == nil {
		var err error
		tree, err = newStreamEngine(c.Deps.Store).Get(c.Ctx, c.UserID, state)
		if err != nil {
			return err
		}
		if c.Deps.Cache != nil && state == store.StateDefault {
			c.Deps.Cache.StoreStreams(c.UserID, tree.Flat())
		}
	}
	c.Tree = tree

	var parentID *string
	if v, ok := c.Params["parentId"].(string); ok {
		parentID = &v
	}

	roots := tree.WithChildren(parentID)
	if c.Access.Type != model.AccessPersonal {
		roots = filterReadableTree(c, tree, roots)
	}
	c.Result["streams"] = roots

	if v, ok := c.Params["includeDeletionsSince"].(float64); ok {
		dels, err := c.Deps.Store.ListDeletedStreamsSince(c.Ctx, c.UserID, int64(v))
		if err != nil {
			return apperror.FromStorage(err)
		}
		c.Result["streamDeletions"] = dels
	}
	return nil
}

// cachedStreamTree returns a tree built from internal/cache's per-user
// stream cache, or nil on a miss. Only the default (non-trashed) state is
// cached, matching the common case streams.get is called in.
func cachedStreamTree(c *Context, state store.EventState) *streamtree.Tree {
	if c.Deps.Cache == nil || state != store.StateDefault {
		return nil
	}
	streams, ok := c.Deps.Cache.Streams(c.UserID)
	if !ok {
		return nil
	}
	return streamtree.Build(streams)
}

// invalidateStreamCache evicts the cached stream tree for the caller's user
// and, for sibling server processes, publishes the cache-coherence topic
// internal/cache.Listen subscribes to.
func invalidateStreamCache(c *Context) {
	if c.Deps.Cache != nil {
		c.Deps.Cache.InvalidateUser(c.UserID)
	}
	if c.Deps.Bus != nil {
		c.Deps.Bus.Publish(c.Ctx, pubsub.Message{
			Subject: c.UserID,
			Topic:   pubsub.TopicUnsetUserData,
			Data:    pubsub.UnsetUserDataPayload{UserID: c.UserID},
		})
	}
}

func filterReadableTree(c *Context, tree *streamtree.Tree, in []*model.Stream) []*model.Stream {
	out := make([]*model.Stream, 0, len(in))
	for _, s := range in {
		if auth.Authorize(c.MethodID, c.Access, tree.Ancestry(s.ID), model.LevelRead) != nil {
			continue
		}
		cp := *s
		cp.Children = filterReadableTree(c, tree, s.Children)
		out = append(out, &cp)
	}
	return out
}

func stepStreamsCreate(c *Context) error {
	tree, err := c.StreamTree(c.Deps.Store)
	if err != nil {
		return err
	}

	var parentID *string
	if v, ok := c.Params["parentId"].(string); ok {
		parentID = &v
	}
	if err := requireManageOnParent(c, tree, parentID); err != nil {
		return err
	}

	s := model.Stream{ParentID: parentID}
	if v, ok := c.Params["id"].(string); ok {
		s.ID = v
	}
	s.Name, _ = c.Params["name"].(string)
	if v, ok := c.Params["clientData"].(map[string]any); ok {
		s.ClientData = v
	}

	created, err := newStreamEngine(c.Deps.Store).Create(c.Ctx, c.UserID, s)
	if err != nil {
		return err
	}
	if err := attachStreamIntegrity(created); err != nil {
		return err
	}
	invalidateStreamCache(c)
	c.Result["stream"] = created
	return nil
}

func requireManageOnParent(c *Context, tree *streamtree.Tree, parentID *string) error {
	if c.Access.Type == model.AccessPersonal {
		return nil
	}
	id := ""
	if parentID != nil {
		id = *parentID
	}
	return auth.Authorize(c.MethodID, c.Access, tree.Ancestry(id), model.LevelManage)
}

func stepStreamsUpdate(c *Context) error {
	id, _ := c.Params["id"].(string)
	tree, err := c.StreamTree(c.Deps.Store)
	if err != nil {
		return err
	}
	if err := auth.Authorize(c.MethodID, c.Access, tree.Ancestry(id), model.LevelManage); err != nil {
		return err
	}
	if newParent, ok := c.Params["parentId"]; ok {
		var np *string
		if s, ok := newParent.(string); ok {
			np = &s
		}
		if err := requireManageOnParent(c, tree, np); err != nil {
			return err
		}
	}

	// The path-injected target id is not an update field.
	fields := make(map[string]any, len(c.Params))
	for k, v := range c.Params {
		if k != "id" {
			fields[k] = v
		}
	}
	updated, err := newStreamEngine(c.Deps.Store).Update(c.Ctx, c.UserID, id, fields, c.Deps.ProtectedFieldMode.orDefault() == ModeStrict)
	if err != nil {
		return err
	}
	if err := attachStreamIntegrity(updated); err != nil {
		return err
	}
	invalidateStreamCache(c)
	c.Result["stream"] = updated
	return nil
}

func stepStreamsDelete(c *Context) error {
	id, _ := c.Params["id"].(string)
	tree, err := c.StreamTree(c.Deps.Store)
	if err != nil {
		return err
	}
	if err := auth.Authorize(c.MethodID, c.Access, tree.Ancestry(id), model.LevelManage); err != nil {
		return err
	}

	merge, _ := c.Params["mergeEventsWithParent"].(bool)
	result, err := newStreamEngine(c.Deps.Store).Delete(c.Ctx, c.UserID, id, merge)
	if err != nil {
		return err
	}

	invalidateStreamCache(c)

	if result.PermanentlyGone {
		c.Result["streamDeletion"] = result.Deletion
		c.Result["updatedEvents"] = result.UpdatedEvents
		return nil
	}
	if err := attachStreamIntegrity(result.Stream); err != nil {
		return err
	}
	c.Result["stream"] = result.Stream
	return nil
}

// ─── accesses ───

func registerAccesses(r *Registry) {
	r.Register(&Method{ID: "accesses.get", Resource: "accesses", Action: schema.Read, Steps: []Step{stepAccessesGet}})
	r.Register(&Method{ID: "accesses.create", Resource: "accesses", Action: schema.Create, Mutating: true, NotifyTopic: pubsub.TopicAccessesChanged, Steps: []Step{stepAccessesCreate}})
	r.Register(&Method{ID: "accesses.update", Resource: "accesses", Action: schema.Update, Mutating: true, NotifyTopic: pubsub.TopicAccessesChanged, Steps: []Step{stepAccessesUpdate}})
	r.Register(&Method{ID: "accesses.delete", Resource: "accesses", Action: schema.Delete, Mutating: true, NotifyTopic: pubsub.TopicAccessesChanged, Steps: []Step{stepAccessesDelete}})
}

// sanitizeAccess strips the internal-only fields (lastUsed, calls) spec.md
// §3 says must never be exposed on the read API.
func sanitizeAccess(a *model.Access) *model.Access {
	cp := *a
	cp.LastUsed = 0
	cp.Calls = nil
	return &cp
}

func stepAccessesGet(c *Context) error {
	if c.Access.Type != model.AccessPersonal {
		return apperror.New(apperror.KindForbidden, "only personal accesses may list accesses")
	}
	list, err := c.Deps.Store.ListAccesses(c.Ctx, c.UserID)
	if err != nil {
		return apperror.FromStorage(err)
	}
	out := make([]*model.Access, len(list))
	for i, a := range list {
		out[i] = sanitizeAccess(a)
	}
	c.Result["accesses"] = out
	return nil
}

func stepAccessesCreate(c *Context) error {
	if c.Access.Type != model.AccessPersonal {
		return apperror.New(apperror.KindForbidden, "only personal accesses may create accesses")
	}

	a := model.Access{
		UserID:     c.UserID,
		Name:       stringOr(c.Params["name"], ""),
		Type:       model.AccessType(stringOr(c.Params["type"], string(model.AccessApp))),
		CreatedBy:  c.Access.ID,
		ModifiedBy: c.Access.ID,
	}
	if v, ok := c.Params["clientData"].(map[string]any); ok {
		a.ClientData = v
	}
	if v, ok := c.Params["deviceName"].(string); ok {
		a.DeviceName = v
	}
	if v, ok := c.Params["permissions"].([]any); ok {
		a.Permissions = parsePermissions(v)
	}
	if v, ok := c.Params["expireAfter"]; ok {
		if seconds, ok := parseExpireAfter(v); ok {
			a.ExpireAfter = &seconds
			exp := time.Now().Unix() + seconds
			a.Expires = &exp
		}
	}

	token, err := newAccessToken()
	if err != nil {
		return apperror.Wrap(err, apperror.KindUnexpected, "generate access token")
	}
	a.Token = token

	created, err := c.Deps.Store.CreateAccess(c.Ctx, a)
	if err != nil {
		return apperror.FromStorage(err, "token")
	}
	if err := attachAccessIntegrity(created); err != nil {
		return err
	}

	if c.Deps.Cache != nil {
		c.Deps.Cache.InvalidateAccesses(c.UserID)
	}
	c.Result["access"] = sanitizeAccess(created)
	return nil
}

func parsePermissions(raw []any) []model.Permission {
	out := make([]model.Permission, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, model.Permission{
			StreamID: stringOr(m["streamId"], ""),
			Tag:      stringOr(m["tag"], ""),
			Feature:  stringOr(m["feature"], ""),
			Setting:  stringOr(m["setting"], ""),
			Level:    model.PermissionLevel(stringOr(m["level"], "")),
		})
	}
	return out
}

func parseExpireAfter(v any) (int64, bool) {
	switch x := v.(type) {
	case float64:
		return int64(x), true
	case string:
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return n, true
		}
		if d, err := time.ParseDuration(x); err == nil {
			return int64(d.Seconds()), true
		}
	}
	return 0, false
}

func stepAccessesUpdate(c *Context) error {
	if c.Access.Type != model.AccessPersonal {
		return apperror.New(apperror.KindForbidden, "only personal accesses may update accesses")
	}
	id, _ := c.Params["id"].(string)
	patch := map[string]any{}
	if v, ok := c.Params["name"]; ok {
		patch["name"] = v
	}
	if v, ok := c.Params["clientData"]; ok {
		patch["clientData"] = v
	}
	updated, err := c.Deps.Store.UpdateAccess(c.Ctx, c.UserID, id, patch)
	if err != nil {
		return apperror.FromStorage(err)
	}
	if err := attachAccessIntegrity(updated); err != nil {
		return err
	}
	if c.Deps.Cache != nil {
		c.Deps.Cache.InvalidateAccesses(c.UserID)
	}
	c.Result["access"] = sanitizeAccess(updated)
	return nil
}

func stepAccessesDelete(c *Context) error {
	if c.Access.Type != model.AccessPersonal {
		return apperror.New(apperror.KindForbidden, "only personal accesses may delete accesses")
	}
	id, _ := c.Params["id"].(string)
	target, err := c.Deps.Store.GetAccessByID(c.Ctx, c.UserID, id)
	if err != nil {
		return apperror.FromStorage(err)
	}
	if target == nil {
		return apperror.New(apperror.KindUnknownResource, "access not found")
	}
	if err := c.Deps.Store.DeleteAccess(c.Ctx, c.UserID, id); err != nil {
		return apperror.FromStorage(err)
	}

	// Evict locally and publish unset-access-logic for every sibling
	// process, per spec.md §4.3.
	if c.Deps.Cache != nil {
		c.Deps.Cache.InvalidateAccesses(c.UserID)
	}
	if c.Deps.Bus != nil {
		c.Deps.Bus.Publish(c.Ctx, pubsub.Message{
			Subject: c.UserID,
			Topic:   pubsub.TopicUnsetAccessLogic,
			Data:    pubsub.UnsetAccessLogicPayload{UserID: c.UserID, AccessID: id, AccessToken: target.Token},
		})
	}
	c.Result["accessDeletion"] = model.Deletion{ID: id, Deleted: time.Now().Unix()}
	return nil
}

// ─── profile ───

func registerProfile(r *Registry) {
	r.Register(&Method{ID: "profile.getPublic", Resource: "profile", Action: schema.Read, Steps: []Step{stepProfileGet(model.ProfilePublic)}})
	r.Register(&Method{ID: "profile.updatePublic", Resource: "profile", Action: schema.Update, Mutating: true, NotifyTopic: pubsub.TopicAccountChanged, Steps: []Step{stepProfileUpdate(model.ProfilePublic)}})
	r.Register(&Method{ID: "profile.getApp", Resource: "profile", Action: schema.Read, Steps: []Step{stepProfileGet(model.ProfileApp)}})
	r.Register(&Method{ID: "profile.updateApp", Resource: "profile", Action: schema.Update, Mutating: true, NotifyTopic: pubsub.TopicAccountChanged, Steps: []Step{stepProfileUpdate(model.ProfileApp)}})
	r.Register(&Method{ID: "profile.getPrivate", Resource: "profile", Action: schema.Read, PersonalOnly: true, Steps: []Step{stepProfileGet(model.ProfilePrivate)}})
	r.Register(&Method{ID: "profile.updatePrivate", Resource: "profile", Action: schema.Update, Mutating: true, NotifyTopic: pubsub.TopicAccountChanged, PersonalOnly: true, Steps: []Step{stepProfileUpdate(model.ProfilePrivate)}})
}

func stepProfileGet(scope model.ProfileScope) Step {
	return func(c *Context) error {
		bucket, err := c.Deps.Store.GetProfile(c.Ctx, c.UserID, scope, c.Access.ID)
		if err != nil {
			return apperror.FromStorage(err)
		}
		c.Result["profile"] = bucket
		return nil
	}
}

func stepProfileUpdate(scope model.ProfileScope) Step {
	return func(c *Context) error {
		bucket, err := c.Deps.Store.UpdateProfile(c.Ctx, c.UserID, scope, c.Access.ID, c.Params)
		if err != nil {
			return apperror.FromStorage(err)
		}
		c.Result["profile"] = bucket
		return nil
	}
}

// ─── followed slices ───

func registerFollowedSlices(r *Registry) {
	r.Register(&Method{ID: "followedSlices.get", Resource: "followedSlices", Action: schema.Read, PersonalOnly: true, Steps: []Step{stepFollowedSlicesGet}})
	r.Register(&Method{ID: "followedSlices.create", Resource: "followedSlices", Action: schema.Create, Mutating: true, NotifyTopic: pubsub.TopicFollowedSlicesChanged, PersonalOnly: true, Steps: []Step{stepFollowedSlicesCreate}})
	r.Register(&Method{ID: "followedSlices.update", Resource: "followedSlices", Action: schema.Update, Mutating: true, NotifyTopic: pubsub.TopicFollowedSlicesChanged, PersonalOnly: true, Steps: []Step{stepFollowedSlicesUpdate}})
	r.Register(&Method{ID: "followedSlices.delete", Resource: "followedSlices", Action: schema.Delete, Mutating: true, NotifyTopic: pubsub.TopicFollowedSlicesChanged, PersonalOnly: true, Steps: []Step{stepFollowedSlicesDelete}})
}

func stepFollowedSlicesGet(c *Context) error {
	list, err := c.Deps.Store.ListFollowedSlices(c.Ctx, c.UserID)
	if err != nil {
		return apperror.FromStorage(err)
	}
	c.Result["followedSlices"] = list
	return nil
}

func stepFollowedSlicesCreate(c *Context) error {
	f := model.FollowedSlice{
		UserID:      c.UserID,
		Name:        stringOr(c.Params["name"], ""),
		URL:         stringOr(c.Params["url"], ""),
		AccessToken: stringOr(c.Params["accessToken"], ""),
	}
	created, err := c.Deps.Store.CreateFollowedSlice(c.Ctx, f)
	if err != nil {
		return apperror.FromStorage(err, "name")
	}
	c.Result["followedSlice"] = created
	return nil
}

func stepFollowedSlicesUpdate(c *Context) error {
	id, _ := c.Params["id"].(string)
	updated, err := c.Deps.Store.UpdateFollowedSlice(c.Ctx, c.UserID, id, c.Params)
	if err != nil {
		return apperror.FromStorage(err)
	}
	c.Result["followedSlice"] = updated
	return nil
}

func stepFollowedSlicesDelete(c *Context) error {
	id, _ := c.Params["id"].(string)
	if err := c.Deps.Store.DeleteFollowedSlice(c.Ctx, c.UserID, id); err != nil {
		return apperror.FromStorage(err)
	}
	c.Result["followedSliceDeletion"] = model.Deletion{ID: id, Deleted: time.Now().Unix()}
	return nil
}

// ─── account ───

func registerAccount(r *Registry) {
	r.Register(&Method{ID: "account.get", Resource: "account", Action: schema.Read, PersonalOnly: true, Steps: []Step{stepAccountGet}})
	r.Register(&Method{ID: "account.update", Resource: "account", Action: schema.Update, Mutating: true, NotifyTopic: pubsub.TopicAccountChanged, PersonalOnly: true, Steps: []Step{stepAccountUpdate}})
	r.Register(&Method{ID: "account.changePassword", Resource: "account", Action: schema.Action("change-password"), Mutating: true, NotifyTopic: pubsub.TopicAccountChanged, PersonalOnly: true, Steps: []Step{stepAccountChangePassword}})
	r.Register(&Method{ID: "account.requestPasswordReset", Resource: "account", Action: schema.Action("request-password-reset"), NoAuth: true, Steps: []Step{stepRequestPasswordReset}})
	r.Register(&Method{ID: "account.resetPassword", Resource: "account", Action: schema.Action("reset-password"), NoAuth: true, Mutating: true, NotifyTopic: pubsub.TopicAccountChanged, Steps: []Step{stepResetPassword}})
}

// stepRequestPasswordReset mints a time-boxed reset token and mails it to
// the account's address, per spec.md §4.8. The same {status: "ok"} result
// is returned whether or not the account's email send succeeds, so the
// endpoint cannot be used to enumerate accounts by email-delivery failure.
func stepRequestPasswordReset(c *Context) error {
	u, err := c.Deps.Store.GetUserByID(c.Ctx, c.UserID)
	if err != nil {
		return apperror.FromStorage(err)
	}
	if u == nil {
		return apperror.New(apperror.KindUnknownResource, "unknown user")
	}

	expiresAt := time.Now().Add(passwordResetTTL).Unix()
	token := crypto.PasswordResetToken(u.ID, expiresAt, c.Deps.ServerSecret)

	if c.Deps.Mailer != nil && u.Email != "" {
		if err := c.Deps.Mailer.SendPasswordReset(c.Ctx, u.Email, token); err != nil {
			slog.Warn("send password reset email failed", "userId", u.ID, "error", err)
		}
	}

	c.Result["status"] = "ok"
	return nil
}

func stepResetPassword(c *Context) error {
	if passwordHasher == nil {
		return apperror.New(apperror.KindUnexpected, "no password hasher configured")
	}
	resetToken, _ := c.Params["resetToken"].(string)
	userID, ok := crypto.VerifyPasswordResetToken(resetToken, time.Now().Unix(), c.Deps.ServerSecret)
	if !ok || userID != c.UserID {
		return apperror.New(apperror.KindInvalidAccessToken, "invalid or expired reset token")
	}

	newPassword, _ := c.Params["newPassword"].(string)
	hash, err := passwordHasher.Hash(newPassword)
	if err != nil {
		return apperror.Wrap(err, apperror.KindUnexpected, "hash new password")
	}
	if _, err := c.Deps.Store.UpdateUser(c.Ctx, c.UserID, map[string]any{"passwordHash": hash}); err != nil {
		return apperror.FromStorage(err)
	}
	c.Result["passwordChanged"] = true
	return nil
}

// ─── auth.login / auth.logout ───

func registerAuth(r *Registry) {
	r.Register(&Method{ID: "auth.login", Resource: "auth", Action: schema.Action("login"), NoAuth: true, Steps: []Step{stepAuthLogin}})
	r.Register(&Method{ID: "auth.logout", Steps: []Step{stepAuthLogout}})
}

// stepAuthLogin implements the username/password personal-access login of
// spec.md §4.2: on success it returns the existing or newly minted personal
// access bound to appId, the trust-on-first-registration model Pryv's own
// web clients use (there being no separate session-cookie layer in this
// API).
func stepAuthLogin(c *Context) error {
	if passwordHasher == nil {
		return apperror.New(apperror.KindUnexpected, "no password hasher configured")
	}
	u, err := c.Deps.Store.GetUserByID(c.Ctx, c.UserID)
	if err != nil {
		return apperror.FromStorage(err)
	}
	if u == nil {
		return apperror.New(apperror.KindUnknownResource, "unknown user")
	}

	password, _ := c.Params["password"].(string)
	if !passwordHasher.Verify(password, u.PasswordHash) {
		return apperror.New(apperror.KindInvalidCredentials, "username/password combination is invalid")
	}

	appID, _ := c.Params["appId"].(string)
	existing, err := c.Deps.Store.ListAccesses(c.Ctx, u.ID)
	if err != nil {
		return apperror.FromStorage(err)
	}
	for _, a := range existing {
		if a.Type == model.AccessPersonal && a.Name == appID {
			c.Result["token"] = a.Token
			c.Result["access"] = sanitizeAccess(a)
			return nil
		}
	}

	token, err := newAccessToken()
	if err != nil {
		return apperror.Wrap(err, apperror.KindUnexpected, "generate access token")
	}
	created, err := c.Deps.Store.CreateAccess(c.Ctx, model.Access{
		UserID: u.ID, Token: token, Type: model.AccessPersonal, Name: appID,
	})
	if err != nil {
		return apperror.FromStorage(err, "token")
	}
	if err := attachAccessIntegrity(created); err != nil {
		return err
	}
	if c.Deps.Cache != nil {
		c.Deps.Cache.InvalidateAccesses(u.ID)
	}
	c.Result["token"] = created.Token
	c.Result["access"] = sanitizeAccess(created)
	return nil
}

// stepAuthLogout revokes the calling access, the personal-login counterpart
// to accesses.delete.
func stepAuthLogout(c *Context) error {
	if c.Access == nil {
		return apperror.New(apperror.KindInvalidAccessToken, "missing access token")
	}
	if err := c.Deps.Store.DeleteAccess(c.Ctx, c.UserID, c.Access.ID); err != nil {
		return apperror.FromStorage(err)
	}
	if c.Deps.Cache != nil {
		c.Deps.Cache.InvalidateAccesses(c.UserID)
	}
	if c.Deps.Bus != nil {
		c.Deps.Bus.Publish(c.Ctx, pubsub.Message{
			Subject: c.UserID,
			Topic:   pubsub.TopicUnsetAccessLogic,
			Data:    pubsub.UnsetAccessLogicPayload{UserID: c.UserID, AccessID: c.Access.ID, AccessToken: c.Access.Token},
		})
	}
	c.Result["status"] = "ok"
	return nil
}

func stepAccountGet(c *Context) error {
	u, err := c.Deps.Store.GetUserByID(c.Ctx, c.UserID)
	if err != nil {
		return apperror.FromStorage(err)
	}
	if u == nil {
		return apperror.New(apperror.KindUnknownResource, "user not found")
	}
	c.Result["account"] = u
	return nil
}

func stepAccountUpdate(c *Context) error {
	updated, err := c.Deps.Store.UpdateUser(c.Ctx, c.UserID, c.Params)
	if err != nil {
		return apperror.FromStorage(err, "email")
	}
	c.Result["account"] = updated
	return nil
}

// PasswordHasher is the out-of-scope hashing collaborator of spec.md §1.
// Verify and Hash are injected so the core never picks the concrete
// function.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

var passwordHasher PasswordHasher

// SetPasswordHasher installs the server's password hashing collaborator.
func SetPasswordHasher(h PasswordHasher) { passwordHasher = h }

func stepAccountChangePassword(c *Context) error {
	if passwordHasher == nil {
		return apperror.New(apperror.KindUnexpected, "no password hasher configured")
	}
	u, err := c.Deps.Store.GetUserByID(c.Ctx, c.UserID)
	if err != nil {
		return apperror.FromStorage(err)
	}
	if u == nil {
		return apperror.New(apperror.KindUnknownResource, "user not found")
	}

	oldPassword, _ := c.Params["oldPassword"].(string)
	if !passwordHasher.Verify(oldPassword, u.PasswordHash) {
		return apperror.New(apperror.KindInvalidCredentials, "old password does not match")
	}

	newPassword, _ := c.Params["newPassword"].(string)
	hash, err := passwordHasher.Hash(newPassword)
	if err != nil {
		return apperror.Wrap(err, apperror.KindUnexpected, "hash new password")
	}

	if _, err := c.Deps.Store.UpdateUser(c.Ctx, c.UserID, map[string]any{"passwordHash": hash}); err != nil {
		return apperror.FromStorage(err)
	}
	c.Result["passwordChanged"] = true
	return nil
}

// ─── system ───

func registerSystem(r *Registry) {
	r.Register(&Method{ID: "system.createUser", Resource: "system", Action: schema.Action("createUser"), Steps: []Step{stepSystemCreateUser}})
	r.Register(&Method{ID: "system.clearMFA", Resource: "system", Action: schema.Action("clearMFA"), NoAuth: true, Steps: []Step{stepSystemClearMFA}})
	r.Register(&Method{ID: "system.getUserInfo", Resource: "system", Action: schema.Action("getUserInfo"), NoAuth: true, Steps: []Step{stepSystemGetUserInfo}})
}

func stepSystemCreateUser(c *Context) error {
	if passwordHasher == nil {
		return apperror.New(apperror.KindUnexpected, "no password hasher configured")
	}
	username, _ := c.Params["username"].(string)
	password, _ := c.Params["password"].(string)
	hash, err := passwordHasher.Hash(password)
	if err != nil {
		return apperror.Wrap(err, apperror.KindUnexpected, "hash password")
	}

	u := model.User{
		Username:     username,
		Email:        stringOr(c.Params["email"], ""),
		Language:     stringOr(c.Params["language"], "en"),
		PasswordHash: hash,
	}
	created, err := c.Deps.Store.CreateUser(c.Ctx, u)
	if err != nil {
		return apperror.FromStorage(err, "username", "email")
	}

	if c.Deps.Registration != nil {
		if err := c.Deps.Registration.RegisterUser(c.Ctx, created.Username); err != nil {
			slog.Warn("system.createUser: registration service notification failed", "username", created.Username, "error", err)
		}
	}

	c.Result["id"] = created.ID
	c.Result["username"] = created.Username
	return nil
}

// stepSystemClearMFA exists for route compatibility with spec.md §6's
// `/system/users/<username>/mfa` DELETE; this deployment never enrolls
// users in MFA, so it only confirms the user exists and reports success.
func stepSystemClearMFA(c *Context) error {
	u, err := c.Deps.Store.GetUserByID(c.Ctx, c.UserID)
	if err != nil {
		return apperror.FromStorage(err)
	}
	if u == nil {
		return apperror.New(apperror.KindUnknownResource, "unknown user")
	}
	c.Result["status"] = "ok"
	return nil
}

func stepSystemGetUserInfo(c *Context) error {
	u, err := c.Deps.Store.GetUserByID(c.Ctx, c.UserID)
	if err != nil {
		return apperror.FromStorage(err)
	}
	if u == nil {
		return apperror.New(apperror.KindUnknownResource, "unknown user")
	}
	c.Result["username"] = u.Username
	c.Result["storageUsed"] = u.StorageUsed
	c.Result["lastAccess"] = u.Modified
	return nil
}

// ─── misc (getAccessInfo) ───

func registerMisc(r *Registry) {
	r.Register(&Method{ID: "getAccessInfo", Steps: []Step{stepGetAccessInfo}})
}

func stepGetAccessInfo(c *Context) error {
	c.Result["id"] = c.Access.ID
	c.Result["name"] = c.Access.Name
	c.Result["type"] = string(c.Access.Type)
	c.Result["permissions"] = c.Access.Permissions
	c.Result["user"] = map[string]any{"username": c.Username}
	return nil
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func numberOr(v any, def float64) float64 {
	if n, ok := v.(float64); ok {
		return n
	}
	return def
}
