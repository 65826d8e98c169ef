// Package model holds the data-model types shared by every storage backend
// and every resource handler: users, streams, events, accesses, followed
// slices and profile buckets.
package model

import (
	"time"

	"github.com/worldline-go/types"
)

// TagStreamPrefix is prepended to a trimmed tag to build its synthetic
// stream id. Streams with this prefix are read-only (IsSynthetic).
const TagStreamPrefix = ":_tag:"

// Synthetic, non-tag stream ids. They appear in listings but reject writes.
const (
	StreamAccount = ":_system:account"
	StreamAudit   = ":_system:audit"
)

// PermissionLevel orders the access levels a permission entry can grant.
type PermissionLevel string

const (
	LevelRead       PermissionLevel = "read"
	LevelContribute PermissionLevel = "contribute"
	LevelManage     PermissionLevel = "manage"
	LevelCreateOnly PermissionLevel = "create-only"
)

// rank orders levels so two permissions on the same stream can be compared;
// create-only is intentionally incomparable with read/contribute/manage on
// anything but create operations (see Satisfies).
var rank = map[PermissionLevel]int{
	LevelRead:       1,
	LevelContribute: 2,
	LevelManage:     3,
}

// Satisfies reports whether holding level `have` is enough to perform an
// operation that requires level `want`. create-only only satisfies itself.
func (have PermissionLevel) Satisfies(want PermissionLevel) bool {
	if have == LevelCreateOnly || want == LevelCreateOnly {
		return have == want
	}
	haveRank, ok1 := rank[have]
	wantRank, ok2 := rank[want]
	if !ok1 || !ok2 {
		return false
	}
	return haveRank >= wantRank
}

// Permission is the tagged-union permission entry of spec.md §3. Exactly one
// of StreamID/Tag or Feature should be set.
type Permission struct {
	StreamID string          `json:"streamId,omitempty"`
	Tag      string          `json:"tag,omitempty"`
	Feature  string          `json:"feature,omitempty"`
	Setting  string          `json:"setting,omitempty"` // "forbidden" when Feature is set
	Level    PermissionLevel `json:"level,omitempty"`
}

// AccessType enumerates the three access kinds of spec.md §3.
type AccessType string

const (
	AccessPersonal AccessType = "personal"
	AccessApp      AccessType = "app"
	AccessShared   AccessType = "shared"
)

// Access is a capability token.
type Access struct {
	ID         string         `json:"id"`
	UserID     string         `json:"-"`
	Token      string         `json:"token"`
	Type       AccessType     `json:"type"`
	Name       string         `json:"name"`
	Permissions []Permission  `json:"permissions,omitempty"`
	ExpireAfter *int64        `json:"expireAfter,omitempty"` // seconds
	Expires     *int64        `json:"expires,omitempty"`     // unix seconds
	ClientData  map[string]any `json:"clientData,omitempty"`
	DeviceName  string         `json:"deviceName,omitempty"`
	CreatedBy   string         `json:"createdBy,omitempty"`
	ModifiedBy  string         `json:"modifiedBy,omitempty"`
	Created     int64          `json:"created"`
	Modified    int64          `json:"modified"`
	Integrity   string         `json:"integrity,omitempty"`

	// Internal-only fields. Must never be serialized on the read API.
	LastUsed int64           `json:"-"`
	Calls    map[string]int  `json:"-"`
}

// Expired reports whether the access has a set expiry in the past of now.
func (a *Access) Expired(now time.Time) bool {
	if a.Expires == nil {
		return false
	}
	return *a.Expires <= now.Unix()
}

// Stream is a hierarchical namespace node.
type Stream struct {
	ID             string         `json:"id"`
	UserID         string         `json:"-"`
	Name           string         `json:"name"`
	ParentID       *string        `json:"parentId"`
	Trashed        bool           `json:"trashed,omitempty"`
	ClientData     map[string]any `json:"clientData,omitempty"`
	SingleActivity bool           `json:"singleActivity,omitempty"`
	Created        int64          `json:"created"`
	CreatedBy      string         `json:"createdBy,omitempty"`
	Modified       int64          `json:"modified"`
	ModifiedBy     string         `json:"modifiedBy,omitempty"`
	Integrity      string         `json:"integrity,omitempty"`

	// Children is populated by readers building a tree response; it is not
	// part of the stored record.
	Children []*Stream `json:"children,omitempty"`
}

// Attachment is a binary blob attached to an event.
type Attachment struct {
	ID        string `json:"id"`
	FileName  string `json:"fileName"`
	Type      string `json:"type"`
	Size      int64  `json:"size"`
	Integrity string `json:"integrity,omitempty"`
	ReadToken string `json:"readToken,omitempty"` // derived, never persisted
}

// Event is a timestamped, typed content item.
type Event struct {
	ID          string                 `json:"id"`
	UserID      string                 `json:"-"`
	StreamIDs   []string               `json:"streamIds"`
	Type        string                 `json:"type"`
	Time        float64                `json:"time"`
	Duration    *float64               `json:"duration"`
	Content     any                    `json:"content"`
	Tags        []string               `json:"tags,omitempty"`
	Description string                 `json:"description,omitempty"`
	ClientData  map[string]any         `json:"clientData,omitempty"`
	Trashed     bool                   `json:"trashed,omitempty"`
	Attachments []Attachment           `json:"attachments,omitempty"`
	Created     int64                  `json:"created"`
	CreatedBy   string                 `json:"createdBy,omitempty"`
	Modified    int64                  `json:"modified"`
	ModifiedBy  string                 `json:"modifiedBy,omitempty"`
	HeadID      *string                `json:"headId,omitempty"`
	Integrity   string                 `json:"integrity,omitempty"`
}

// StreamID is the response alias streamIds[0], per spec.md §3.
func (e *Event) StreamID() string {
	if len(e.StreamIDs) == 0 {
		return ""
	}
	return e.StreamIDs[0]
}

// Overlaps reports whether the event's [time, time+duration] window
// intersects [fromTime, toTime], per spec.md §4.5.
func (e *Event) Overlaps(fromTime, toTime float64) bool {
	if e.Duration == nil {
		// Running event: included if its start is within [-inf, toTime].
		return e.Time <= toTime
	}
	end := e.Time + *e.Duration
	return e.Time <= toTime && end >= fromTime
}

// Deletion is a tombstone record.
type Deletion struct {
	ID      string `json:"id"`
	Deleted int64  `json:"deleted"`
}

// FollowedSlice bookmarks a remote access.
type FollowedSlice struct {
	ID          string `json:"id"`
	UserID      string `json:"-"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	AccessToken string `json:"accessToken"`
	Created     int64  `json:"created"`
	Modified    int64  `json:"modified"`
}

// ProfileScope enumerates the three profile buckets of spec.md §3.
type ProfileScope string

const (
	ProfilePublic  ProfileScope = "public"
	ProfileApp     ProfileScope = "app-per-access"
	ProfilePrivate ProfileScope = "private"
)

// StorageUsed is the advisory per-user accounting of spec.md §3.
type StorageUsed struct {
	DBDocuments   int64 `json:"dbDocuments"`
	AttachedFiles int64 `json:"attachedFiles"`
}

// User is the tenant root entity.
type User struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	Email        string          `json:"email"`
	Language     string          `json:"language"`
	StorageUsed  StorageUsed     `json:"storageUsed"`
	PasswordHash string          `json:"-"`
	Created      int64           `json:"created"`
	Modified     int64           `json:"modified"`
}

// NullTime is re-exported for callers that want the teacher's nullable-time
// idiom (types.Null[types.Time]) without importing worldline-go/types
// directly in every package.
type NullTime = types.Null[types.Time]
