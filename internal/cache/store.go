// Package cache is the in-memory entity store behind the visit views.
//
// Every operation on a key holds the store lock for its whole
// read-modify-write, so readers never observe a half-applied optimistic write
// or rollback. Values are cloned on the way in and on the way out.
package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wolfman30/clinic-visit-sync/internal/observability/metrics"
	"github.com/wolfman30/clinic-visit-sync/pkg/logging"
)

// Key identifies a cached view: a single entity or a parameterized query.
type Key string

// Value is anything the store can hold. Clone must return a deep copy.
type Value interface {
	Clone() Value
}

// FetchFunc loads the authoritative value for a key.
type FetchFunc func(ctx context.Context) (Value, error)

// ErrFetchSuperseded is returned by a read whose fetch was cancelled by a
// writer before any value for the key existed.
var ErrFetchSuperseded = errors.New("cache: fetch superseded by a local write")

// Snapshot is the full state of one key at a point in time.
type Snapshot struct {
	Key       Key
	Value     Value
	Present   bool
	Stale     bool
	FetchedAt time.Time
}

// Options configures a Store.
type Options struct {
	// StaleAfter is the default freshness window. Zero means entries only go
	// stale through Invalidate.
	StaleAfter time.Duration
	// StaleAfterByPrefix overrides StaleAfter for keys with a given prefix.
	StaleAfterByPrefix map[string]time.Duration
	Logger             *logging.Logger
	Metrics            *metrics.SyncMetrics
	Now                func() time.Time
}

type entry struct {
	value     Value
	fetchedAt time.Time
	stale     bool
}

type fetchSlot struct {
	generation uint64
	nextID     uint64
	cancels    map[uint64]context.CancelFunc
}

// Store is an injectable, goroutine-safe keyed cache.
type Store struct {
	mu      sync.Mutex
	entries map[Key]*entry
	// rollback snapshots by mutation id, then key
	pending map[string]map[Key]Snapshot
	fetches map[Key]*fetchSlot
	group   singleflight.Group
	bg      sync.WaitGroup

	opts    Options
	logger  *logging.Logger
	metrics *metrics.SyncMetrics
	now     func() time.Time
}

// New creates an empty store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		entries: make(map[Key]*entry),
		pending: make(map[string]map[Key]Snapshot),
		fetches: make(map[Key]*fetchSlot),
		opts:    opts,
		logger:  logger.Component("cache"),
		metrics: opts.Metrics,
		now:     now,
	}
}

// Get returns a copy of the cached value, if any. Stale values are returned.
func (s *Store) Get(key Key) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.value.Clone(), true
}

// Contains reports whether key holds a value, fresh or stale.
func (s *Store) Contains(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Snapshot captures the full state of key, including staleness.
func (s *Store) Snapshot(key Key) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(key)
}

func (s *Store) snapshotLocked(key Key) Snapshot {
	e, ok := s.entries[key]
	if !ok {
		return Snapshot{Key: key}
	}
	return Snapshot{
		Key:       key,
		Value:     e.value.Clone(),
		Present:   true,
		Stale:     e.stale,
		FetchedAt: e.fetchedAt,
	}
}

// Set stores value as fresh server truth outside of any mutation.
func (s *Store) Set(key Key, value Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &entry{value: value.Clone(), fetchedAt: s.now()}
}

// OptimisticSet applies transform to the current value of key and records the
// previous state as the rollback snapshot of mutationID. transform receives a
// copy of the value and whether one was present; it returns the new value and
// whether the key should hold a value at all. Only the first write of a
// mutation to a key records a snapshot.
func (s *Store) OptimisticSet(key Key, mutationID string, transform func(Value, bool) (Value, bool)) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshotLocked(key)
	byKey, ok := s.pending[mutationID]
	if !ok {
		byKey = make(map[Key]Snapshot)
		s.pending[mutationID] = byKey
	}
	if _, recorded := byKey[key]; !recorded {
		byKey[key] = snap
	}

	var current Value
	if snap.Present {
		current = snap.Value.Clone()
	}
	next, keep := transform(current, snap.Present)
	switch {
	case keep && next != nil:
		s.entries[key] = &entry{value: next.Clone(), fetchedAt: s.now()}
	case snap.Present:
		delete(s.entries, key)
	}
	// Results of fetches started before this write must not land.
	s.slotLocked(key).generation++
	return snap
}

// Commit replaces the value of key with the authoritative value and discards
// the rollback snapshot mutationID holds for it.
func (s *Store) Commit(key Key, mutationID string, value Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value != nil {
		s.entries[key] = &entry{value: value.Clone(), fetchedAt: s.now()}
	}
	s.slotLocked(key).generation++
	s.dropSnapshotLocked(key, mutationID)
}

// CommitFunc is Commit for views that embed the authoritative value, such as
// lists. transform gets the current value and reports whether the key should
// keep a value; an absent key stays absent unless transform supplies one.
func (s *Store) CommitFunc(key Key, mutationID string, transform func(Value, bool) (Value, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current Value
	e, present := s.entries[key]
	if present {
		current = e.value.Clone()
	}
	next, keep := transform(current, present)
	switch {
	case keep && next != nil:
		s.entries[key] = &entry{value: next.Clone(), fetchedAt: s.now()}
	case present:
		delete(s.entries, key)
	}
	s.slotLocked(key).generation++
	s.dropSnapshotLocked(key, mutationID)
}

// Release discards the rollback snapshot of mutationID for key without
// changing the cached value.
func (s *Store) Release(key Key, mutationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropSnapshotLocked(key, mutationID)
}

// Rollback restores key to the snapshot recorded for mutationID. It reports
// whether a snapshot existed.
func (s *Store) Rollback(key Key, mutationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.pending[mutationID][key]
	if !ok {
		return false
	}
	s.restoreLocked(snap)
	s.dropSnapshotLocked(key, mutationID)
	return true
}

// Restore puts key back to the given snapshot.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restoreLocked(snap)
}

func (s *Store) restoreLocked(snap Snapshot) {
	if !snap.Present {
		delete(s.entries, snap.Key)
	} else {
		s.entries[snap.Key] = &entry{
			value:     snap.Value.Clone(),
			fetchedAt: snap.FetchedAt,
			stale:     snap.Stale,
		}
	}
	s.slotLocked(snap.Key).generation++
}

func (s *Store) dropSnapshotLocked(key Key, mutationID string) {
	byKey, ok := s.pending[mutationID]
	if !ok {
		return
	}
	delete(byKey, key)
	if len(byKey) == 0 {
		delete(s.pending, mutationID)
	}
}

// PendingMutations returns how many mutations still hold rollback snapshots.
func (s *Store) PendingMutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Invalidate marks every key equal to or prefixed by pattern as stale and
// returns how many entries were marked. Stale entries are refetched on the
// next Read.
func (s *Store) Invalidate(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, e := range s.entries {
		if matches(key, pattern) {
			e.stale = true
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("cache entries invalidated", "pattern", pattern, "count", n)
	}
	return n
}

// Keys lists cached keys equal to or prefixed by pattern.
func (s *Store) Keys(pattern string) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Key
	for key := range s.entries {
		if matches(key, pattern) {
			out = append(out, key)
		}
	}
	return out
}

func matches(key Key, pattern string) bool {
	return string(key) == pattern || strings.HasPrefix(string(key), pattern)
}

// CancelFetches aborts in-flight fetches for key. Their results are dropped,
// so a late response cannot overwrite a value written after this call.
func (s *Store) CancelFetches(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.slotLocked(key)
	slot.generation++
	for id, cancel := range slot.cancels {
		cancel()
		delete(slot.cancels, id)
	}
}

// CancelFetchesMatching is CancelFetches for every key equal to or prefixed by
// pattern, including keys that hold no value yet.
func (s *Store) CancelFetchesMatching(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, slot := range s.fetches {
		if !matches(key, pattern) {
			continue
		}
		slot.generation++
		for id, cancel := range slot.cancels {
			cancel()
			delete(slot.cancels, id)
		}
	}
}

func (s *Store) slotLocked(key Key) *fetchSlot {
	slot, ok := s.fetches[key]
	if !ok {
		slot = &fetchSlot{cancels: make(map[uint64]context.CancelFunc)}
		s.fetches[key] = slot
	}
	return slot
}

func (s *Store) staleAfter(key Key) time.Duration {
	best, bestLen := s.opts.StaleAfter, -1
	for prefix, ttl := range s.opts.StaleAfterByPrefix {
		if strings.HasPrefix(string(key), prefix) && len(prefix) > bestLen {
			best, bestLen = ttl, len(prefix)
		}
	}
	return best
}

func (s *Store) isStaleLocked(key Key, e *entry) bool {
	if e.stale {
		return true
	}
	ttl := s.staleAfter(key)
	return ttl > 0 && s.now().Sub(e.fetchedAt) >= ttl
}

// Read returns the cached value for key, loading it with fetch when absent.
// A stale value is returned immediately and refreshed in the background.
func (s *Store) Read(ctx context.Context, key Key, fetch FetchFunc) (Value, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		value := e.value.Clone()
		stale := s.isStaleLocked(key, e)
		s.mu.Unlock()
		if !stale {
			s.metrics.ObserveCacheRead("hit")
			return value, nil
		}
		s.metrics.ObserveCacheRead("stale")
		s.refreshAsync(ctx, key, fetch)
		return value, nil
	}
	s.mu.Unlock()

	s.metrics.ObserveCacheRead("miss")
	return s.Load(ctx, key, fetch)
}

// Load fetches key now, regardless of what is cached, and stores the result.
// Concurrent loads of the same key share a single fetch.
func (s *Store) Load(ctx context.Context, key Key, fetch FetchFunc) (Value, error) {
	ch := s.group.DoChan(string(key), func() (any, error) {
		return s.load(context.WithoutCancel(ctx), key, fetch)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Value).Clone(), nil
	}
}

func (s *Store) load(ctx context.Context, key Key, fetch FetchFunc) (Value, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	slot := s.slotLocked(key)
	generation := slot.generation
	id := slot.nextID
	slot.nextID++
	slot.cancels[id] = cancel
	s.mu.Unlock()

	value, err := fetch(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(slot.cancels, id)

	if slot.generation != generation {
		// A local write landed while we were fetching; it wins.
		s.logger.Debug("discarding superseded fetch", "key", key)
		if e, ok := s.entries[key]; ok {
			return e.value.Clone(), nil
		}
		return nil, ErrFetchSuperseded
	}
	if err == nil && value == nil {
		err = errors.New("cache: fetch returned no value")
	}
	if err != nil {
		s.metrics.ObserveCacheRead("error")
		return nil, err
	}
	s.entries[key] = &entry{value: value.Clone(), fetchedAt: s.now()}
	return value.Clone(), nil
}

func (s *Store) refreshAsync(ctx context.Context, key Key, fetch FetchFunc) {
	bgCtx := context.WithoutCancel(ctx)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		_, err, _ := s.group.Do(string(key), func() (any, error) {
			return s.load(bgCtx, key, fetch)
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrFetchSuperseded) {
			s.logger.Warn("background refresh failed", "key", key, "error", err)
		}
	}()
}

// Wait blocks until background refreshes started so far have finished.
func (s *Store) Wait() {
	s.bg.Wait()
}
