// Package memory implements store.Storer entirely in process memory. Data
// does not survive process restarts; this backend is the reference
// implementation exercised by the package tests and is suitable for
// single-process deployments and local development.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pryvgo/core/internal/apperror"
	"github.com/pryvgo/core/internal/model"
	"github.com/pryvgo/core/internal/store"
	"github.com/pryvgo/core/internal/store/queryfilter"
)

// Memory is an in-memory implementation of store.Storer.
type Memory struct {
	mu sync.RWMutex

	usersByID       map[string]model.User
	usersByUsername map[string]string // username -> id
	usersByEmail    map[string]string // email -> id

	streams map[string]map[string]model.Stream // userId -> streamId -> stream

	events        map[string]map[string]model.Event   // userId -> eventId -> event
	eventHistory  map[string]map[string][]model.Event // userId -> eventId -> past versions, oldest first
	eventDeletions map[string][]model.Deletion        // userId -> deletions

	streamDeletions map[string][]model.Deletion // userId -> deletions

	accesses        map[string]map[string]model.Access // userId -> accessId -> access
	accessesByToken map[string]map[string]string        // userId -> token -> accessId

	followedSlices map[string]map[string]model.FollowedSlice // userId -> id -> slice

	profiles map[string]map[string]map[string]any // userId -> bucketKey -> profile map
}

// New returns an empty Memory store.
func New() *Memory {
	slog.Info("using in-memory store (data will not persist across restarts)")

	return &Memory{
		usersByID:       make(map[string]model.User),
		usersByUsername: make(map[string]string),
		usersByEmail:    make(map[string]string),
		streams:         make(map[string]map[string]model.Stream),
		events:          make(map[string]map[string]model.Event),
		eventHistory:    make(map[string]map[string][]model.Event),
		eventDeletions:  make(map[string][]model.Deletion),
		streamDeletions: make(map[string][]model.Deletion),
		accesses:        make(map[string]map[string]model.Access),
		accessesByToken: make(map[string]map[string]string),
		followedSlices:  make(map[string]map[string]model.FollowedSlice),
		profiles:        make(map[string]map[string]map[string]any),
	}
}

func (m *Memory) Close() {}

func newID() string { return ulid.Make().String() }

func now() int64 { return time.Now().UTC().Unix() }

// ─── Users ───

func (m *Memory) CreateUser(_ context.Context, u model.User) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.usersByUsername[u.Username]; ok {
		return nil, apperror.DuplicateKeyError{Keys: []string{"username"}}
	}
	if u.Email != "" {
		if _, ok := m.usersByEmail[u.Email]; ok {
			return nil, apperror.DuplicateKeyError{Keys: []string{"email"}}
		}
	}

	id := newID()
	t := now()
	u.ID = id
	u.Created = t
	u.Modified = t

	m.usersByID[id] = u
	m.usersByUsername[u.Username] = id
	if u.Email != "" {
		m.usersByEmail[u.Email] = id
	}
	m.streams[id] = make(map[string]model.Stream)
	m.events[id] = make(map[string]model.Event)
	m.eventHistory[id] = make(map[string][]model.Event)
	m.accesses[id] = make(map[string]model.Access)
	m.accessesByToken[id] = make(map[string]string)
	m.followedSlices[id] = make(map[string]model.FollowedSlice)
	m.profiles[id] = make(map[string]map[string]any)

	rec := u
	return &rec, nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usersByUsername[username]
	if !ok {
		return nil, nil
	}
	u := m.usersByID[id]
	return &u, nil
}

func (m *Memory) GetUserByID(_ context.Context, id string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.usersByID[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *Memory) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usersByEmail[email]
	if !ok {
		return nil, nil
	}
	u := m.usersByID[id]
	return &u, nil
}

func (m *Memory) UpdateUser(_ context.Context, id string, patch map[string]any) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usersByID[id]
	if !ok {
		return nil, apperror.New(apperror.KindUnknownResource, "user not found")
	}

	if v, ok := patch["email"].(string); ok {
		if existingID, ok := m.usersByEmail[v]; ok && existingID != id {
			return nil, apperror.DuplicateKeyError{Keys: []string{"email"}}
		}
		delete(m.usersByEmail, u.Email)
		u.Email = v
		m.usersByEmail[v] = id
	}
	if v, ok := patch["language"].(string); ok {
		u.Language = v
	}
	if v, ok := patch["passwordHash"].(string); ok {
		u.PasswordHash = v
	}

	u.Modified = now()
	m.usersByID[id] = u
	return &u, nil
}

func (m *Memory) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usersByID[id]
	if !ok {
		return nil
	}
	delete(m.usersByID, id)
	delete(m.usersByUsername, u.Username)
	delete(m.usersByEmail, u.Email)
	delete(m.streams, id)
	delete(m.events, id)
	delete(m.eventHistory, id)
	delete(m.eventDeletions, id)
	delete(m.streamDeletions, id)
	delete(m.accesses, id)
	delete(m.accessesByToken, id)
	delete(m.followedSlices, id)
	delete(m.profiles, id)
	return nil
}

func (m *Memory) AdjustStorageUsed(_ context.Context, userID string, dbDocumentsDelta, attachedFilesDelta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usersByID[userID]
	if !ok {
		return apperror.New(apperror.KindUnknownResource, "user not found")
	}
	u.StorageUsed.DBDocuments += dbDocumentsDelta
	u.StorageUsed.AttachedFiles += attachedFilesDelta
	m.usersByID[userID] = u
	return nil
}

func (m *Memory) RecomputeStorageUsed(_ context.Context, userID string, dbDocuments, attachedFiles int64) (*model.StorageUsed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usersByID[userID]
	if !ok {
		return nil, apperror.New(apperror.KindUnknownResource, "user not found")
	}
	u.StorageUsed = model.StorageUsed{DBDocuments: dbDocuments, AttachedFiles: attachedFiles}
	m.usersByID[userID] = u
	su := u.StorageUsed
	return &su, nil
}

func (m *Memory) ListUserIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.usersByID))
	for id := range m.usersByID {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// ─── Streams ───

func (m *Memory) ListStreams(_ context.Context, userID string, state store.EventState) ([]*model.Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*model.Stream, 0, len(m.streams[userID]))
	for _, s := range m.streams[userID] {
		if state == store.StateDefault && s.Trashed {
			continue
		}
		if state == store.StateTrashed && !s.Trashed {
			continue
		}
		cp := s
		result = append(result, &cp)
	}
	slices.SortFunc(result, func(a, b *model.Stream) int { return strings.Compare(a.ID, b.ID) })
	return result, nil
}

func (m *Memory) GetStream(_ context.Context, userID, id string) (*model.Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.streams[userID][id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) GetStreamByName(_ context.Context, userID string, parentID *string, name string) (*model.Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.streams[userID] {
		if s.Name != name {
			continue
		}
		if (s.ParentID == nil) != (parentID == nil) {
			continue
		}
		if s.ParentID != nil && parentID != nil && *s.ParentID != *parentID {
			continue
		}
		cp := s
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) CreateStream(_ context.Context, s model.Stream) (*model.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.streams[s.UserID] {
		if existing.Name == s.Name && samePointerString(existing.ParentID, s.ParentID) {
			return nil, apperror.DuplicateKeyError{Keys: []string{"parentId", "name"}}
		}
	}

	id := newID()
	t := now()
	s.ID = id
	s.Created = t
	s.Modified = t

	if m.streams[s.UserID] == nil {
		m.streams[s.UserID] = make(map[string]model.Stream)
	}
	m.streams[s.UserID][id] = s

	rec := s
	return &rec, nil
}

func samePointerString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (m *Memory) UpdateStream(_ context.Context, userID, id string, patch map[string]any) (*model.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[userID][id]
	if !ok {
		return nil, apperror.New(apperror.KindUnknownResource, "stream not found")
	}

	if v, ok := patch["name"].(string); ok {
		s.Name = v
	}
	if v, ok := patch["parentId"]; ok {
		switch pv := v.(type) {
		case nil:
			s.ParentID = nil
		case string:
			s.ParentID = &pv
		}
	}
	if v, ok := patch["clientData"].(map[string]any); ok {
		s.ClientData = v
	}
	if v, ok := patch["singleActivity"].(bool); ok {
		s.SingleActivity = v
	}

	for _, existing := range m.streams[userID] {
		if existing.ID == id {
			continue
		}
		if existing.Name == s.Name && samePointerString(existing.ParentID, s.ParentID) {
			return nil, apperror.DuplicateKeyError{Keys: []string{"parentId", "name"}}
		}
	}

	s.Modified = now()
	m.streams[userID][id] = s
	rec := s
	return &rec, nil
}

func (m *Memory) TrashStream(_ context.Context, userID, id string, trashed bool) (*model.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[userID][id]
	if !ok {
		return nil, apperror.New(apperror.KindUnknownResource, "stream not found")
	}
	s.Trashed = trashed
	s.Modified = now()
	m.streams[userID][id] = s
	rec := s
	return &rec, nil
}

func (m *Memory) DeleteStream(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[userID][id]; !ok {
		return apperror.New(apperror.KindUnknownResource, "stream not found")
	}
	delete(m.streams[userID], id)
	m.streamDeletions[userID] = append(m.streamDeletions[userID], model.Deletion{ID: id, Deleted: now()})
	return nil
}

func (m *Memory) ListDeletedStreamsSince(_ context.Context, userID string, since int64) ([]model.Deletion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []model.Deletion
	for _, d := range m.streamDeletions[userID] {
		if d.Deleted >= since {
			result = append(result, d)
		}
	}
	return result, nil
}

// ─── Events ───

func (m *Memory) Query(_ context.Context, userID string, q store.EventQuery) ([]*model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]*model.Event, 0)
	for _, e := range m.events[userID] {
		if !queryfilter.StateMatches(&e, q.State) {
			continue
		}
		if !queryfilter.Match(&e, q) {
			continue
		}
		cp := e
		matches = append(matches, &cp)
	}

	return queryfilter.SortAndPage(matches, q), nil
}

func (m *Memory) QueryDeletions(_ context.Context, userID string, since int64) ([]model.Deletion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []model.Deletion
	for _, d := range m.eventDeletions[userID] {
		if d.Deleted >= since {
			result = append(result, d)
		}
	}
	return result, nil
}

func (m *Memory) GetEvent(_ context.Context, userID, id string) (*model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.events[userID][id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) GetEventHistory(_ context.Context, userID, id string) ([]*model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.eventHistory[userID][id]
	result := make([]*model.Event, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		cp := versions[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *Memory) CreateEvent(_ context.Context, e model.Event) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := newID()
	t := now()
	e.ID = id
	e.Created = t
	e.Modified = t

	if m.events[e.UserID] == nil {
		m.events[e.UserID] = make(map[string]model.Event)
	}
	m.events[e.UserID][id] = e

	rec := e
	return &rec, nil
}

func (m *Memory) UpdateEvent(_ context.Context, userID, id string, patch map[string]any) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[userID][id]
	if !ok {
		return nil, apperror.New(apperror.KindUnknownResource, "event not found")
	}

	previous := e
	head := id
	previous.HeadID = &head
	if m.eventHistory[userID] == nil {
		m.eventHistory[userID] = make(map[string][]model.Event)
	}
	m.eventHistory[userID][id] = append(m.eventHistory[userID][id], previous)

	if v, ok := patch["streamIds"].([]string); ok {
		e.StreamIDs = v
	}
	if v, ok := patch["type"].(string); ok {
		e.Type = v
	}
	if v, ok := patch["time"].(float64); ok {
		e.Time = v
	}
	if v, ok := patch["duration"]; ok {
		switch dv := v.(type) {
		case nil:
			e.Duration = nil
		case float64:
			e.Duration = &dv
		}
	}
	if v, ok := patch["content"]; ok {
		e.Content = v
	}
	if v, ok := patch["tags"].([]string); ok {
		e.Tags = v
	}
	if v, ok := patch["description"].(string); ok {
		e.Description = v
	}
	if v, ok := patch["clientData"].(map[string]any); ok {
		e.ClientData = v
	}

	e.Modified = now()
	m.events[userID][id] = e
	rec := e
	return &rec, nil
}

func (m *Memory) TrashEvent(_ context.Context, userID, id string, trashed bool) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[userID][id]
	if !ok {
		return nil, apperror.New(apperror.KindUnknownResource, "event not found")
	}
	e.Trashed = trashed
	e.Modified = now()
	m.events[userID][id] = e
	rec := e
	return &rec, nil
}

func (m *Memory) DeleteEvent(_ context.Context, userID, id string) (*model.Deletion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[userID][id]; !ok {
		return nil, apperror.New(apperror.KindUnknownResource, "event not found")
	}
	delete(m.events[userID], id)
	delete(m.eventHistory[userID], id)

	d := model.Deletion{ID: id, Deleted: now()}
	m.eventDeletions[userID] = append(m.eventDeletions[userID], d)
	return &d, nil
}

func (m *Memory) AddAttachment(_ context.Context, userID, eventID string, att model.Attachment) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[userID][eventID]
	if !ok {
		return nil, apperror.New(apperror.KindUnknownResource, "event not found")
	}
	e.Attachments = append(e.Attachments, att)
	e.Modified = now()
	m.events[userID][eventID] = e
	rec := e
	return &rec, nil
}

func (m *Memory) RemoveAttachment(_ context.Context, userID, eventID, attachmentID string) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[userID][eventID]
	if !ok {
		return nil, apperror.New(apperror.KindUnknownResource, "event not found")
	}
	out := e.Attachments[:0]
	for _, a := range e.Attachments {
		if a.ID != attachmentID {
			out = append(out, a)
		}
	}
	e.Attachments = out
	e.Modified = now()
	m.events[userID][eventID] = e
	rec := e
	return &rec, nil
}

func (m *Memory) ReassignStreamID(_ context.Context, userID, fromStreamID, toStreamID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := 0
	for id, e := range m.events[userID] {
		idx := slices.Index(e.StreamIDs, fromStreamID)
		if idx < 0 {
			continue
		}
		ids := slices.Delete(slices.Clone(e.StreamIDs), idx, idx+1)
		if toStreamID != "" && !slices.Contains(ids, toStreamID) {
			ids = append(ids, toStreamID)
		}
		e.StreamIDs = ids
		e.Modified = now()
		m.events[userID][id] = e
		updated++
	}
	return updated, nil
}

func (m *Memory) DeleteEventsWhollyWithin(_ context.Context, userID string, streamIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, e := range m.events[userID] {
		if stringSetContainsAll(streamIDs, e.StreamIDs) {
			delete(m.events[userID], id)
			delete(m.eventHistory[userID], id)
			m.eventDeletions[userID] = append(m.eventDeletions[userID], model.Deletion{ID: id, Deleted: now()})
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) RemoveStreamIDFromOthers(_ context.Context, userID, streamID string, subtreeIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := 0
	for id, e := range m.events[userID] {
		if !slices.Contains(e.StreamIDs, streamID) {
			continue
		}
		if stringSetContainsAll(subtreeIDs, e.StreamIDs) {
			continue // handled by DeleteEventsWhollyWithin instead
		}
		idx := slices.Index(e.StreamIDs, streamID)
		e.StreamIDs = slices.Delete(slices.Clone(e.StreamIDs), idx, idx+1)
		e.Modified = now()
		m.events[userID][id] = e
		updated++
	}
	return updated, nil
}

// ─── Accesses ───

func (m *Memory) ListAccesses(_ context.Context, userID string) ([]*model.Access, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*model.Access, 0, len(m.accesses[userID]))
	for _, a := range m.accesses[userID] {
		cp := a
		result = append(result, &cp)
	}
	slices.SortFunc(result, func(a, b *model.Access) int { return strings.Compare(a.ID, b.ID) })
	return result, nil
}

func (m *Memory) GetAccessByToken(_ context.Context, userID, token string) (*model.Access, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.accessesByToken[userID][token]
	if !ok {
		return nil, nil
	}
	a := m.accesses[userID][id]
	return &a, nil
}

func (m *Memory) GetAccessByID(_ context.Context, userID, id string) (*model.Access, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accesses[userID][id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *Memory) CreateAccess(_ context.Context, a model.Access) (*model.Access, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.accesses[a.UserID] {
		if existing.Name == a.Name && existing.Type == a.Type {
			return nil, apperror.DuplicateKeyError{Keys: []string{"name"}}
		}
	}
	if _, ok := m.accessesByToken[a.UserID][a.Token]; ok {
		return nil, apperror.DuplicateKeyError{Keys: []string{"token"}}
	}

	id := newID()
	t := now()
	a.ID = id
	a.Created = t
	a.Modified = t

	if m.accesses[a.UserID] == nil {
		m.accesses[a.UserID] = make(map[string]model.Access)
	}
	if m.accessesByToken[a.UserID] == nil {
		m.accessesByToken[a.UserID] = make(map[string]string)
	}
	m.accesses[a.UserID][id] = a
	m.accessesByToken[a.UserID][a.Token] = id

	rec := a
	return &rec, nil
}

func (m *Memory) UpdateAccess(_ context.Context, userID, id string, patch map[string]any) (*model.Access, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accesses[userID][id]
	if !ok {
		return nil, apperror.New(apperror.KindUnknownResource, "access not found")
	}

	if v, ok := patch["name"].(string); ok {
		a.Name = v
	}
	if v, ok := patch["clientData"].(map[string]any); ok {
		a.ClientData = v
	}

	a.Modified = now()
	m.accesses[userID][id] = a
	rec := a
	return &rec, nil
}

func (m *Memory) DeleteAccess(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accesses[userID][id]
	if !ok {
		return apperror.New(apperror.KindUnknownResource, "access not found")
	}
	delete(m.accesses[userID], id)
	delete(m.accessesByToken[userID], a.Token)
	return nil
}

func (m *Memory) TouchAccess(_ context.Context, userID, id, methodID string, when int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accesses[userID][id]
	if !ok {
		return nil
	}
	a.LastUsed = when
	if a.Calls == nil {
		a.Calls = make(map[string]int)
	}
	a.Calls[methodID]++
	m.accesses[userID][id] = a
	return nil
}

// ─── Followed slices ───

func (m *Memory) ListFollowedSlices(_ context.Context, userID string) ([]*model.FollowedSlice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*model.FollowedSlice, 0, len(m.followedSlices[userID]))
	for _, f := range m.followedSlices[userID] {
		cp := f
		result = append(result, &cp)
	}
	slices.SortFunc(result, func(a, b *model.FollowedSlice) int { return strings.Compare(a.ID, b.ID) })
	return result, nil
}

func (m *Memory) CreateFollowedSlice(_ context.Context, f model.FollowedSlice) (*model.FollowedSlice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.followedSlices[f.UserID] {
		if existing.Name == f.Name || (existing.URL == f.URL && existing.AccessToken == f.AccessToken) {
			return nil, apperror.DuplicateKeyError{Keys: []string{"name"}}
		}
	}

	id := newID()
	t := now()
	f.ID = id
	f.Created = t
	f.Modified = t

	if m.followedSlices[f.UserID] == nil {
		m.followedSlices[f.UserID] = make(map[string]model.FollowedSlice)
	}
	m.followedSlices[f.UserID][id] = f

	rec := f
	return &rec, nil
}

func (m *Memory) UpdateFollowedSlice(_ context.Context, userID, id string, patch map[string]any) (*model.FollowedSlice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.followedSlices[userID][id]
	if !ok {
		return nil, apperror.New(apperror.KindUnknownResource, "followed slice not found")
	}
	if v, ok := patch["name"].(string); ok {
		f.Name = v
	}
	f.Modified = now()
	m.followedSlices[userID][id] = f
	rec := f
	return &rec, nil
}

func (m *Memory) DeleteFollowedSlice(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.followedSlices[userID][id]; !ok {
		return apperror.New(apperror.KindUnknownResource, "followed slice not found")
	}
	delete(m.followedSlices[userID], id)
	return nil
}

// ─── Profile ───

func profileBucketKey(scope model.ProfileScope, accessID string) string {
	if scope == model.ProfileApp {
		return string(scope) + ":" + accessID
	}
	return string(scope)
}

func (m *Memory) GetProfile(_ context.Context, userID string, scope model.ProfileScope, accessID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.profiles[userID][profileBucketKey(scope, accessID)]
	result := make(map[string]any, len(bucket))
	for k, v := range bucket {
		result[k] = v
	}
	return result, nil
}

func (m *Memory) UpdateProfile(_ context.Context, userID string, scope model.ProfileScope, accessID string, patch map[string]any) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.profiles[userID] == nil {
		m.profiles[userID] = make(map[string]map[string]any)
	}
	key := profileBucketKey(scope, accessID)
	bucket := m.profiles[userID][key]
	if bucket == nil {
		bucket = make(map[string]any)
	}
	for k, v := range patch {
		if v == nil {
			delete(bucket, k)
			continue
		}
		bucket[k] = v
	}
	m.profiles[userID][key] = bucket

	result := make(map[string]any, len(bucket))
	for k, v := range bucket {
		result[k] = v
	}
	return result, nil
}
