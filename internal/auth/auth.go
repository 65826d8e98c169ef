// Package auth implements access resolution and the hierarchical permission
// evaluator of spec.md §4.2 (C4): token → access lookup (through the cache),
// expiry checks, the ancestor-walk permission decision, create-only and
// multi-stream semantics, and the optional custom auth step.
package auth

import (
	"context"
	"time"

	"github.com/pryvgo/core/internal/apperror"
	"github.com/pryvgo/core/internal/cache"
	"github.com/pryvgo/core/internal/model"
	"github.com/pryvgo/core/internal/store"
)

// Resolver resolves bearer tokens to accesses and evaluates permissions.
type Resolver struct {
	store store.AccessStorer
	cache *cache.Cache
	clock func() time.Time
}

// New builds a Resolver backed by st (for misses) and c (for hits); c may be
// a zero-value *cache.Cache to disable caching entirely.
func New(st store.AccessStorer, c *cache.Cache) *Resolver {
	return &Resolver{store: st, cache: c, clock: time.Now}
}

// Resolve looks up the access for (userID, token), preferring the cache,
// and rejects missing/expired tokens per spec.md §4.2's access lifetime
// rules. It does not update lastUsed/calls; callers do that via Touch once
// the call is known to be authorized (spec.md §4.1 step 1, deferred update).
func (r *Resolver) Resolve(ctx context.Context, userID, token string) (*model.Access, error) {
	if r.cache != nil {
		if accesses, ok := r.cache.Accesses(userID); ok {
			for _, a := range accesses {
				if a.Token == token {
					return checkExpiry(a, r.now())
				}
			}
			return nil, apperror.New(apperror.KindInvalidAccessToken, "unknown access token")
		}
	}

	a, err := r.store.GetAccessByToken(ctx, userID, token)
	if err != nil {
		return nil, apperror.FromStorage(err)
	}
	if a == nil {
		return nil, apperror.New(apperror.KindInvalidAccessToken, "unknown access token")
	}

	if r.cache != nil {
		if all, err := r.store.ListAccesses(ctx, userID); err == nil {
			r.cache.StoreAccesses(userID, all)
		}
	}

	return checkExpiry(a, r.now())
}

func (r *Resolver) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}

func checkExpiry(a *model.Access, now time.Time) (*model.Access, error) {
	if a.Expired(now) {
		return nil, apperror.New(apperror.KindInvalidAccessToken, "access token expired")
	}
	return a, nil
}

// Touch records that access was used for methodID, batched by storage with
// at-least-once semantics per spec.md §5.
func (r *Resolver) Touch(ctx context.Context, userID, accessID, methodID string) {
	_ = r.store.TouchAccess(ctx, userID, accessID, methodID, r.now().Unix())
}

// Invalidate evicts a revoked/deleted access from the cache, the local half
// of the "unset-access-logic" coherence message of spec.md §4.3.
func (r *Resolver) Invalidate(userID string) {
	if r.cache != nil {
		r.cache.InvalidateAccesses(userID)
	}
}

// PersonalOnlyMethod is a method id reserved to personal accesses: app/shared
// accesses always fail these with InvalidOperation per spec.md §4.2 step 1
// (account reads and mutation, followed-slice CRUD, and the private-scope
// profile bucket).
func PersonalOnlyMethod(methodID string) bool {
	switch methodID {
	case "account.get", "account.update", "account.changePassword",
		"followedSlices.get", "followedSlices.create", "followedSlices.update", "followedSlices.delete",
		"profile.getPrivate", "profile.updatePrivate":
		return true
	default:
		return false
	}
}

// forbiddenForPersonal are methods an otherwise-bypassing personal access
// still may not call, per spec.md §4.2 step 1: the app-scope profile bucket
// is keyed by a specific non-personal access, so a personal access (which
// has no such access-scoped bucket of its own) is refused rather than
// silently reading/writing the wrong thing.
func forbiddenForPersonal(methodID string) bool {
	switch methodID {
	case "profile.getApp", "profile.updateApp":
		return true
	default:
		return false
	}
}

// Authorize decides whether access may perform an operation at level
// `required` against target stream `streamID`, given the stream's ancestry
// chain (root-to-target order is irrelevant; Authorize only needs the set).
// It implements spec.md §4.2 steps 1-3.
func Authorize(methodID string, access *model.Access, ancestry []string, required model.PermissionLevel) error {
	if access.Type == model.AccessPersonal {
		if forbiddenForPersonal(methodID) {
			return apperror.New(apperror.KindInvalidOperation, "operation not permitted for personal access")
		}
		return nil
	}

	if best, ok := bestLevel(access.Permissions, ancestry); ok && best.Satisfies(required) {
		return nil
	}
	return apperror.New(apperror.KindForbidden, "insufficient permission on stream")
}

// bestLevel walks access's permission list and returns the highest level
// granted by an entry matching "*" or any id in ancestry, per spec.md §4.2
// step 2. create-only has no rank, so it is the result only when no
// read/contribute/manage entry matches; it then satisfies nothing but a
// create-only requirement (model.PermissionLevel.Satisfies).
func bestLevel(perms []model.Permission, ancestry []string) (model.PermissionLevel, bool) {
	set := make(map[string]struct{}, len(ancestry)+1)
	for _, id := range ancestry {
		set[id] = struct{}{}
	}
	set["*"] = struct{}{}

	var best model.PermissionLevel
	found := false
	for _, p := range perms {
		if p.StreamID == "" {
			continue // tag/feature permission entries don't grant stream access
		}
		if _, ok := set[p.StreamID]; !ok {
			continue
		}
		if !found {
			best = p.Level
			found = true
			continue
		}
		if rankOf(p.Level) > rankOf(best) {
			best = p.Level
		}
	}
	return best, found
}

func rankOf(l model.PermissionLevel) int {
	switch l {
	case model.LevelRead:
		return 1
	case model.LevelContribute:
		return 2
	case model.LevelManage:
		return 3
	default:
		return 0
	}
}

// AuthorizeMultiStream implements the multi-stream rule of spec.md §4.2
// step 4: for read/trash/update-content, permission on any one of the
// event's streams suffices; for streamId-set addition/removal, permission
// must hold on every affected stream.
func AuthorizeMultiStream(methodID string, access *model.Access, ancestryByStream map[string][]string, required model.PermissionLevel, all bool) error {
	if access.Type == model.AccessPersonal {
		if forbiddenForPersonal(methodID) {
			return apperror.New(apperror.KindInvalidOperation, "operation not permitted for personal access")
		}
		return nil
	}

	if all {
		for streamID, ancestry := range ancestryByStream {
			if err := Authorize(methodID, access, ancestry, required); err != nil {
				return apperror.New(apperror.KindForbidden, "insufficient permission on stream "+streamID)
			}
		}
		return nil
	}

	for _, ancestry := range ancestryByStream {
		if err := Authorize(methodID, access, ancestry, required); err == nil {
			return nil
		}
	}
	return apperror.New(apperror.KindForbidden, "insufficient permission on any referenced stream")
}
