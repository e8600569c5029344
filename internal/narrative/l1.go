package narrative

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// l1 is a bounded in-process copy of fresh entries. It is an optimisation
// only: a miss always falls through to the repository and a hit is still
// checked for freshness.
type l1 struct {
	cache *ristretto.Cache
}

func newL1(maxEntries int64) (*l1, error) {
	if maxEntries <= 0 {
		return nil, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &l1{cache: cache}, nil
}

func (c *l1) get(userID string) (NarrativeEntry, bool) {
	if c == nil {
		return NarrativeEntry{}, false
	}
	v, ok := c.cache.Get(userID)
	if !ok {
		return NarrativeEntry{}, false
	}
	e, ok := v.(NarrativeEntry)
	return e, ok
}

// set stores e for at most ttl. Non-positive ttls are ignored.
func (c *l1) set(e NarrativeEntry, ttl time.Duration) {
	if c == nil || ttl <= 0 {
		return
	}
	c.cache.SetWithTTL(e.UserID, e, 1, ttl)
}

func (c *l1) del(userID string) {
	if c == nil {
		return
	}
	c.cache.Del(userID)
}

// wait blocks until buffered writes are applied.
func (c *l1) wait() {
	if c == nil {
		return
	}
	c.cache.Wait()
}

func (c *l1) close() {
	if c == nil {
		return
	}
	c.cache.Close()
}
