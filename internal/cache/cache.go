// Package cache implements the per-process bounded caches that sit in front
// of storage lookups: username -> userId, userId -> streams, userId ->
// accesses. Caches are invalidated locally on every mutation and, in a
// multi-process deployment, cross-process via internal/pubsub's bridged bus
// (see internal/cluster) so that a write on one process is visible to reads
// on another within one notification round-trip.
package cache

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/pryvgo/core/internal/model"
)

// Cache holds the three bounded LRU caches. A zero-size Cache is a no-op:
// every lookup misses and every store is a no-op, which lets callers run
// with caching disabled without branching on a nil pointer everywhere.
type Cache struct {
	usernameToID   *lru.Cache
	streamsByUser  *lru.Cache
	accessesByUser *lru.Cache
}

// New builds a Cache whose three LRUs each hold up to size entries. size<=0
// disables caching entirely.
func New(size int) (*Cache, error) {
	if size <= 0 {
		return &Cache{}, nil
	}

	usernameToID, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	streamsByUser, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	accessesByUser, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	return &Cache{
		usernameToID:   usernameToID,
		streamsByUser:  streamsByUser,
		accessesByUser: accessesByUser,
	}, nil
}

// LookupUserID returns the cached userId for username, if present.
func (c *Cache) LookupUserID(username string) (string, bool) {
	if c.usernameToID == nil {
		return "", false
	}
	v, ok := c.usernameToID.Get(username)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// StoreUserID caches the username -> userId mapping.
func (c *Cache) StoreUserID(username, userID string) {
	if c.usernameToID == nil {
		return
	}
	c.usernameToID.Add(username, userID)
}

// InvalidateUsername evicts a single username -> userId entry.
func (c *Cache) InvalidateUsername(username string) {
	if c.usernameToID == nil {
		return
	}
	c.usernameToID.Remove(username)
}

// Streams returns the cached stream tree for userID, if present.
func (c *Cache) Streams(userID string) ([]*model.Stream, bool) {
	if c.streamsByUser == nil {
		return nil, false
	}
	v, ok := c.streamsByUser.Get(userID)
	if !ok {
		return nil, false
	}
	return v.([]*model.Stream), true
}

// StoreStreams caches the full stream tree for userID.
func (c *Cache) StoreStreams(userID string, streams []*model.Stream) {
	if c.streamsByUser == nil {
		return
	}
	c.streamsByUser.Add(userID, streams)
}

// InvalidateStreams evicts the cached stream tree for userID.
func (c *Cache) InvalidateStreams(userID string) {
	if c.streamsByUser == nil {
		return
	}
	c.streamsByUser.Remove(userID)
}

// Accesses returns the cached access list for userID, if present.
func (c *Cache) Accesses(userID string) ([]*model.Access, bool) {
	if c.accessesByUser == nil {
		return nil, false
	}
	v, ok := c.accessesByUser.Get(userID)
	if !ok {
		return nil, false
	}
	return v.([]*model.Access), true
}

// StoreAccesses caches the full access list for userID.
func (c *Cache) StoreAccesses(userID string, accesses []*model.Access) {
	if c.accessesByUser == nil {
		return
	}
	c.accessesByUser.Add(userID, accesses)
}

// InvalidateAccesses evicts the cached access list for userID.
func (c *Cache) InvalidateAccesses(userID string) {
	if c.accessesByUser == nil {
		return
	}
	c.accessesByUser.Remove(userID)
}

// InvalidateUser evicts every cache entry that depends on userID's data:
// its streams and its accesses. It does not evict the username -> userId
// mapping, which is stable for the lifetime of the account.
func (c *Cache) InvalidateUser(userID string) {
	c.InvalidateStreams(userID)
	c.InvalidateAccesses(userID)
}
