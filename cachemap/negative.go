package cachemap

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// negativeCache remembers keys recently reported missing upstream so that
// repeated lookups of a deleted item do not hammer the remote.
type negativeCache struct {
	rc  *ristretto.Cache[string, struct{}]
	ttl time.Duration
}

func newNegativeCache(maxItems int, ttl time.Duration) (*negativeCache, error) {
	maxCost := int64(maxItems)
	if maxCost < 1024 {
		maxCost = 1024
	}
	rc, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &negativeCache{rc: rc, ttl: ttl}, nil
}

// mark is best effort: ristretto may decline admission.
func (n *negativeCache) mark(key string) {
	n.rc.SetWithTTL(key, struct{}{}, 1, n.ttl)
	n.rc.Wait()
}

func (n *negativeCache) has(key string) bool {
	_, ok := n.rc.Get(key)
	return ok
}

func (n *negativeCache) forget(key string) { n.rc.Del(key) }

func (n *negativeCache) reset() { n.rc.Clear() }

func (n *negativeCache) close() { n.rc.Close() }
