// Package store defines the persistence boundary the core consumes: one
// interface per entity family, implemented by the in-memory backend (used
// in tests and single-process deployments) and by the SQL backends
// (postgres, sqlite3) for durable multi-process deployments.
package store

import (
	"context"

	"github.com/pryvgo/core/internal/model"
)

// StreamQuery is the compound stream-query form of spec.md §4.5: either a
// flat list (treated as "any") or the explicit {any, all, not} form.
type StreamQuery struct {
	Any []string
	All []string
	Not []string
}

// EventState selects which lifecycle state events.get returns.
type EventState string

const (
	StateDefault EventState = "default"
	StateTrashed EventState = "trashed"
	StateAll     EventState = "all"
)

// EventQuery carries every events.get filter of spec.md §4.5.
type EventQuery struct {
	Streams          StreamQuery
	Tags             []string
	Types            []string // supports "family/*" wildcard
	FromTime         *float64
	ToTime           *float64
	SortAscending    bool
	Skip             int
	Limit            int
	State            EventState
	ModifiedSince    *int64
	IncludeDeletions bool
	Running          *bool
}

// UserStorer manages the tenant root entity.
type UserStorer interface {
	CreateUser(ctx context.Context, u model.User) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	UpdateUser(ctx context.Context, id string, patch map[string]any) (*model.User, error)
	DeleteUser(ctx context.Context, id string) error
	AdjustStorageUsed(ctx context.Context, userID string, dbDocumentsDelta, attachedFilesDelta int64) error
	RecomputeStorageUsed(ctx context.Context, userID string, dbDocuments, attachedFiles int64) (*model.StorageUsed, error)
	// ListUserIDs enumerates every tenant, for the nightly storageUsed
	// recompute maintenance job (internal/maintenance).
	ListUserIDs(ctx context.Context) ([]string, error)
}

// StreamStorer manages the per-user stream tree.
type StreamStorer interface {
	ListStreams(ctx context.Context, userID string, state EventState) ([]*model.Stream, error)
	GetStream(ctx context.Context, userID, id string) (*model.Stream, error)
	GetStreamByName(ctx context.Context, userID string, parentID *string, name string) (*model.Stream, error)
	CreateStream(ctx context.Context, s model.Stream) (*model.Stream, error)
	UpdateStream(ctx context.Context, userID, id string, patch map[string]any) (*model.Stream, error)
	TrashStream(ctx context.Context, userID, id string, trashed bool) (*model.Stream, error)
	DeleteStream(ctx context.Context, userID, id string) error
	ListDeletedStreamsSince(ctx context.Context, userID string, since int64) ([]model.Deletion, error)
}

// EventStorer manages events, their attachments, and their deletions.
type EventStorer interface {
	Query(ctx context.Context, userID string, q EventQuery) ([]*model.Event, error)
	QueryDeletions(ctx context.Context, userID string, since int64) ([]model.Deletion, error)
	GetEvent(ctx context.Context, userID, id string) (*model.Event, error)
	GetEventHistory(ctx context.Context, userID, id string) ([]*model.Event, error)
	CreateEvent(ctx context.Context, e model.Event) (*model.Event, error)
	UpdateEvent(ctx context.Context, userID, id string, patch map[string]any) (*model.Event, error)
	TrashEvent(ctx context.Context, userID, id string, trashed bool) (*model.Event, error)
	DeleteEvent(ctx context.Context, userID, id string) (*model.Deletion, error)
	AddAttachment(ctx context.Context, userID, eventID string, att model.Attachment) (*model.Event, error)
	RemoveAttachment(ctx context.Context, userID, eventID, attachmentID string) (*model.Event, error)
	// ReassignStreamID replaces every occurrence of fromStreamID in every
	// event's streamIds with toStreamID (or removes it if toStreamID=="" or
	// the event already carries toStreamID), used by stream deletion merge
	// semantics (spec.md §4.4).
	ReassignStreamID(ctx context.Context, userID, fromStreamID, toStreamID string) (updated int, err error)
	// DeleteEventsWhollyWithin tombstones every event whose streamIds are
	// wholly contained in streamIDs, used by stream deletion non-merge
	// semantics.
	DeleteEventsWhollyWithin(ctx context.Context, userID string, streamIDs []string) (deleted int, err error)
	// RemoveStreamIDFromOthers strips streamID from events that also belong
	// to a stream outside the deleted subtree, used by the same operation.
	RemoveStreamIDFromOthers(ctx context.Context, userID, streamID string, subtreeIDs []string) (updated int, err error)
}

// AccessStorer manages capability tokens.
type AccessStorer interface {
	ListAccesses(ctx context.Context, userID string) ([]*model.Access, error)
	GetAccessByToken(ctx context.Context, userID, token string) (*model.Access, error)
	GetAccessByID(ctx context.Context, userID, id string) (*model.Access, error)
	CreateAccess(ctx context.Context, a model.Access) (*model.Access, error)
	UpdateAccess(ctx context.Context, userID, id string, patch map[string]any) (*model.Access, error)
	DeleteAccess(ctx context.Context, userID, id string) error
	TouchAccess(ctx context.Context, userID, id, methodID string, when int64) error
}

// FollowedSliceStorer manages bookmarks of remote accesses.
type FollowedSliceStorer interface {
	ListFollowedSlices(ctx context.Context, userID string) ([]*model.FollowedSlice, error)
	CreateFollowedSlice(ctx context.Context, f model.FollowedSlice) (*model.FollowedSlice, error)
	UpdateFollowedSlice(ctx context.Context, userID, id string, patch map[string]any) (*model.FollowedSlice, error)
	DeleteFollowedSlice(ctx context.Context, userID, id string) error
}

// ProfileStorer manages the three key-value profile buckets.
type ProfileStorer interface {
	GetProfile(ctx context.Context, userID string, scope model.ProfileScope, accessID string) (map[string]any, error)
	UpdateProfile(ctx context.Context, userID string, scope model.ProfileScope, accessID string, patch map[string]any) (map[string]any, error)
}

// Storer is the full persistence boundary the core depends on.
type Storer interface {
	UserStorer
	StreamStorer
	EventStorer
	AccessStorer
	FollowedSliceStorer
	ProfileStorer

	Close()
}
