// Package cache holds the miner's short-lived copy of inbound feedback
// requests. Entries live under "feedback:{task_id}" until the validator
// polls for results or the TTL lapses, whichever comes first.
//
// The TTL must cover TASK_DEADLINE plus the validator's polling skew,
// otherwise requests vanish before they can be answered; the miner config
// enforces that relationship at startup.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dojo-network/feedback-subnet/pkg/protocol"
)

const keyPrefix = "feedback:"

// FeedbackCache is a TTL store of pending feedback requests, keyed by the
// task id the validator will poll with.
type FeedbackCache struct {
	store *gocache.Cache
	ttl   time.Duration
}

// New creates a cache whose entries expire after ttl.
func New(ttl time.Duration) *FeedbackCache {
	return &FeedbackCache{
		store: gocache.New(ttl, 10*time.Minute),
		ttl:   ttl,
	}
}

// Key returns the cache key for a task id.
func Key(taskID string) string {
	return keyPrefix + taskID
}

// Store saves a request copy under the task id for the cache TTL.
func (f *FeedbackCache) Store(taskID string, synapse *protocol.TaskSynapse) {
	f.store.Set(Key(taskID), synapse, f.ttl)
}

// Get returns the stored request, or nil when absent or expired.
func (f *FeedbackCache) Get(taskID string) *protocol.TaskSynapse {
	v, ok := f.store.Get(Key(taskID))
	if !ok {
		return nil
	}
	return v.(*protocol.TaskSynapse)
}

// Take returns the stored request and removes it. Results are consumed
// exactly once, so a second poll for the same task sees nothing.
func (f *FeedbackCache) Take(taskID string) *protocol.TaskSynapse {
	synapse := f.Get(taskID)
	if synapse != nil {
		f.store.Delete(Key(taskID))
	}
	return synapse
}

// TTL reports the configured entry lifetime.
func (f *FeedbackCache) TTL() time.Duration {
	return f.ttl
}
