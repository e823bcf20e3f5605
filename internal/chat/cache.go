package chat

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// CachedRepository caches member lists for typing and message checks, which
// are far more frequent than membership changes. Local mutations invalidate
// the entry; changes made by other nodes become visible after the TTL.
//
// A list loaded while an invalidation ran is returned but not cached, so a
// slow load cannot put back the members a concurrent write replaced.
type CachedRepository struct {
	Repository
	members *ttlcache.Cache[int64, []int64]

	mu  sync.Mutex
	gen uint64 // bumped by every invalidation
}

// NewCachedRepository wraps repo with a member-list cache of the given TTL.
// Call Close to stop the expiry goroutine.
func NewCachedRepository(repo Repository, ttl time.Duration) *CachedRepository {
	cache := ttlcache.New[int64, []int64](
		ttlcache.WithTTL[int64, []int64](ttl),
		ttlcache.WithDisableTouchOnHit[int64, []int64](),
	)
	go cache.Start()
	return &CachedRepository{Repository: repo, members: cache}
}

// FindChatMembers returns the cached member list or loads it.
func (c *CachedRepository) FindChatMembers(ctx context.Context, chatID int64) ([]int64, error) {
	if item := c.members.Get(chatID); item != nil {
		return slices.Clone(item.Value()), nil
	}
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	members, err := c.Repository.FindChatMembers(ctx, chatID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.members.Set(chatID, slices.Clone(members), ttlcache.DefaultTTL)
	}
	c.mu.Unlock()
	return members, nil
}

// invalidate drops the cached list. Writes call it both before and after
// touching the database.
func (c *CachedRepository) invalidate(chatID int64) {
	c.mu.Lock()
	c.gen++
	c.members.Delete(chatID)
	c.mu.Unlock()
}

func (c *CachedRepository) AddMember(ctx context.Context, chatID, userID int64) (bool, error) {
	c.invalidate(chatID)
	defer c.invalidate(chatID)
	return c.Repository.AddMember(ctx, chatID, userID)
}

func (c *CachedRepository) RemoveMember(ctx context.Context, chatID, userID int64) (bool, error) {
	c.invalidate(chatID)
	defer c.invalidate(chatID)
	return c.Repository.RemoveMember(ctx, chatID, userID)
}

func (c *CachedRepository) DeleteChatIfEmpty(ctx context.Context, chatID int64) (bool, error) {
	c.invalidate(chatID)
	defer c.invalidate(chatID)
	return c.Repository.DeleteChatIfEmpty(ctx, chatID)
}

// Close stops the cache's expiry loop.
func (c *CachedRepository) Close() {
	c.members.Stop()
}
