// internal/cache/store.go
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

type entry struct {
	packed  []byte
	expires time.Time
}

type shard struct {
	mu    sync.RWMutex
	items map[Key]entry
}

// Store is an in-memory TTL store split into independently locked shards.
// Values are kept brotli-compressed.
type Store struct {
	shards []*shard
	ttl    time.Duration
	codec  *codec
	now    func() time.Time
	logger *zap.Logger
}

func newStore(shards int, ttl time.Duration, level int, logger *zap.Logger) *Store {
	shards = max(shards, 1)
	s := &Store{
		shards: make([]*shard, shards),
		ttl:    ttl,
		codec:  newCodec(level),
		now:    time.Now,
		logger: logger,
	}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[Key]entry)}
	}
	return s
}

func (s *Store) shardFor(key Key) *shard {
	return s.shards[xxhash.Sum64String(string(key))%uint64(len(s.shards))]
}

// Get returns the stored bytes for key when an unexpired entry exists.
func (s *Store) Get(key Key) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.items[key]
	sh.mu.RUnlock()
	if !ok || !s.now().Before(e.expires) {
		return nil, false
	}

	raw, err := s.codec.decompress(e.packed)
	if err != nil {
		// A corrupt entry is treated as a miss and dropped.
		s.logger.Warn("Dropping unreadable cache entry.", zap.String("key", string(key)), zap.Error(err))
		s.Delete(key)
		return nil, false
	}
	return raw, true
}

// Set stores raw under key for the store's TTL, replacing any existing entry.
func (s *Store) Set(key Key, raw []byte) error {
	packed, err := s.codec.compress(raw)
	if err != nil {
		return err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.items[key] = entry{packed: packed, expires: s.now().Add(s.ttl)}
	sh.mu.Unlock()
	return nil
}

// Delete removes key.
func (s *Store) Delete(key Key) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.items, key)
	sh.mu.Unlock()
}

// Len counts the entries, expired or not.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

// sweep evicts expired entries and returns how many were removed.
func (s *Store) sweep() int {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.items {
			if !now.Before(e.expires) {
				delete(sh.items, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// runSweeper evicts expired entries every interval until ctx is done.
func (s *Store) runSweeper(ctx context.Context, interval time.Duration, after func(removed int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.sweep()
			if after != nil {
				after(removed)
			}
		}
	}
}
