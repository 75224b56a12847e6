// Package offercache implements the Offer Details Cache described in
// spec.md §4.9: an in-process map guarded by an RWMutex, with writes
// broadcast as invalidations across processes via the Redis pub/sub bus
// from SPEC_FULL.md A6 so every subscribed replica drops a stale entry.
package offercache

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/maccas-fleet/engine/pkg/model"
)

// Cache holds OfferDetails keyed by proposition id.
type Cache struct {
	mu      sync.RWMutex
	entries map[int64]model.OfferDetails

	bus     *redis.Client
	channel string
	log     *logrus.Logger
}

// New builds a Cache. bus may be nil, in which case invalidation stays
// local to this process — the engine still behaves correctly with a
// single replica or during local development without Redis.
func New(bus *redis.Client, channel string, log *logrus.Logger) *Cache {
	return &Cache{
		entries: make(map[int64]model.OfferDetails),
		bus:     bus,
		channel: channel,
		log:     log,
	}
}

// Get returns the cached details for propositionID, if present.
func (c *Cache) Get(propositionID int64) (model.OfferDetails, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	details, ok := c.entries[propositionID]
	return details, ok
}

// Set stores details locally and, if a cache bus is configured, invalidates
// the entry on every subscribed replica by publishing its key. Set itself
// keeps the local copy, but when Subscribe is running on this Cache the
// published message also reaches this process and drops that copy too.
func (c *Cache) Set(ctx context.Context, details model.OfferDetails) error {
	c.mu.Lock()
	c.entries[details.PropositionID] = details
	c.mu.Unlock()

	return c.publishInvalidate(ctx, details.PropositionID)
}

// Invalidate drops propositionID from the local cache and notifies peers.
func (c *Cache) Invalidate(ctx context.Context, propositionID int64) error {
	c.mu.Lock()
	delete(c.entries, propositionID)
	c.mu.Unlock()

	return c.publishInvalidate(ctx, propositionID)
}

func (c *Cache) publishInvalidate(ctx context.Context, propositionID int64) error {
	if c.bus == nil {
		return nil
	}
	payload, err := json.Marshal(invalidateMessage{PropositionID: propositionID})
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, c.channel, payload).Err(); err != nil {
		c.log.WithError(err).WithField("proposition_id", propositionID).Warn("failed to publish cache invalidation")
		return err
	}
	return nil
}

type invalidateMessage struct {
	PropositionID int64 `json:"proposition_id"`
}

// Subscribe starts a background goroutine applying every invalidation
// message published on the channel, this process's own messages included:
// each one deletes the local entry. It runs until ctx is cancelled.
func (c *Cache) Subscribe(ctx context.Context) {
	if c.bus == nil {
		return
	}

	sub := c.bus.Subscribe(ctx, c.channel)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					c.log.WithError(err).Warn("failed to decode cache invalidation message")
					continue
				}
				c.mu.Lock()
				delete(c.entries, m.PropositionID)
				c.mu.Unlock()
			}
		}
	}()
}
