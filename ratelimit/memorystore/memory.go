// Package memorystore is the in-process window.Store used for
// single-instance deployments and as the fallback when Redis is not
// configured.
package memorystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/ratelimit/window"
)

type bucket struct {
	mu      sync.Mutex
	entries []window.Entry // ordered by At
	total   int64
	dead    bool // removed from the store by Compact
}

func (b *bucket) prune(cutoff time.Time) {
	i := 0
	for i < len(b.entries) && b.entries[i].At.Before(cutoff) {
		b.total -= b.entries[i].Weight
		i++
	}
	if i > 0 {
		b.entries = append(b.entries[:0], b.entries[i:]...)
	}
}

func (b *bucket) usage() window.Usage {
	u := window.Usage{Total: b.total}
	if len(b.entries) > 0 {
		u.Oldest = b.entries[0].At
	}
	return u
}

func (b *bucket) insert(e window.Entry) {
	i := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].At.After(e.At) })
	b.entries = append(b.entries, window.Entry{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = e
	b.total += e.Weight
}

// Store keeps one independently locked bucket per key, so calls on
// different keys never contend beyond the bucket lookup.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

var _ window.Store = (*Store)(nil)

func New() *Store {
	return &Store{buckets: make(map[string]*bucket)}
}

func (s *Store) bucket(key string) *bucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[key]; !ok {
		b = &bucket{}
		s.buckets[key] = b
	}
	return b
}

// lock returns the live bucket for key, locked.
func (s *Store) lock(key string) *bucket {
	for {
		b := s.bucket(key)
		b.mu.Lock()
		if !b.dead {
			return b
		}
		b.mu.Unlock()
	}
}

func (s *Store) Hit(_ context.Context, key string, e window.Entry, win time.Duration, limit int64) (window.Usage, bool, error) {
	b := s.lock(key)
	defer b.mu.Unlock()

	b.prune(e.At.Add(-win))
	if b.total+e.Weight > limit {
		return b.usage(), false, nil
	}
	b.insert(e)
	return b.usage(), true, nil
}

func (s *Store) Peek(_ context.Context, key string, at time.Time, win time.Duration) (window.Usage, error) {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if !ok {
		return window.Usage{}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(at.Add(-win))
	return b.usage(), nil
}

func (s *Store) Remove(_ context.Context, key string, e window.Entry) error {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.entries {
		if cur.ID == e.ID {
			b.total -= cur.Weight
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			break
		}
	}
	return nil
}

// Compact drops keys whose windows are empty as of at. Windows longer than
// maxWindow may lose entries, so pass the longest window in use.
func (s *Store) Compact(at time.Time, maxWindow time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for key, b := range s.buckets {
		b.mu.Lock()
		b.prune(at.Add(-maxWindow))
		empty := len(b.entries) == 0
		b.dead = empty
		b.mu.Unlock()
		if empty {
			delete(s.buckets, key)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

// StartCompaction runs Compact every interval until the returned stop
// function is called.
func (s *Store) StartCompaction(every, maxWindow time.Duration) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				s.Compact(now, maxWindow)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}
