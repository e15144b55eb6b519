// Package opcache is the keyed store of query results that the mutation
// manager and the progress poller read and write. It owns every cached
// partition: identifier reconciliation, snapshot/restore for rollback and
// delayed invalidation all happen here, so no other component ever holds
// its own copy of cached data.
package opcache

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrNoFetcher = errors.New("no fetch function configured")

// Key addresses one partition. Keys are hierarchical so a whole family
// (all summaries regardless of filter) can be invalidated by prefix.
type Key []string

func (k Key) String() string {
	return strings.Join(k, "/")
}

func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (k Key) clone() Key {
	return append(Key(nil), k...)
}

// View is one partition's value. Implementations deep-copy on CloneView so
// snapshots are immune to later mutation, and rewrite every embedded
// occurrence of an identifier on RewriteID.
type View interface {
	CloneView() View
	RewriteID(oldID, newID string) View
}

// FetchFunc loads a partition's authoritative value from the server.
type FetchFunc func(key Key) (View, error)

type Logger interface {
	Printf(format string, args ...any)
}

type partition struct {
	key  Key
	view View
	gen  uint64
}

// Store is the cache synchronizer. All access is serialized through one
// mutex so every externally visible operation is a single atomic step.
type Store struct {
	mu     sync.Mutex
	parts  map[string]*partition
	fetch  FetchFunc
	sched  Scheduler
	logger Logger
}

type StoreOptions struct {
	Fetch     FetchFunc
	Scheduler Scheduler
	Logger    Logger
}

func NewStore(opts StoreOptions) *Store {
	sched := opts.Scheduler
	if sched == nil {
		sched = NewTimerScheduler()
	}
	return &Store{
		parts:  map[string]*partition{},
		fetch:  opts.Fetch,
		sched:  sched,
		logger: opts.Logger,
	}
}

// Read returns a clone of the partition's current value. Callers mutate
// only through Write.
func (s *Store) Read(key Key) (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	part, ok := s.parts[key.String()]
	if !ok || part.view == nil {
		return nil, false
	}
	return part.view.CloneView(), true
}

// Write applies updater to a clone of the current value (nil when the
// partition is not populated) and stores the result. Returning nil removes
// the partition. Every write advances the partition's generation, which is
// what invalidates any in-flight refetch for that partition.
func (s *Store) Write(key Key, updater func(View) View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := key.String()
	part, ok := s.parts[name]
	var current View
	var gen uint64
	if ok {
		gen = part.gen
		if part.view != nil {
			current = part.view.CloneView()
		}
	}
	next := updater(current)
	if next == nil {
		if ok {
			delete(s.parts, name)
		}
		return
	}
	s.parts[name] = &partition{key: key.clone(), view: next, gen: gen + 1}
}

// Keys lists populated partitions under prefix, in no particular order.
func (s *Store) Keys(prefix Key) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Key
	for _, part := range s.parts {
		if part.key.HasPrefix(prefix) {
			out = append(out, part.key.clone())
		}
	}
	return out
}

// Snapshot holds the pre-mutation value of every partition a mutation will
// touch. Restore puts them back verbatim, including removing partitions
// that did not exist before.
type Snapshot struct {
	entries []snapshotEntry
}

type snapshotEntry struct {
	key     Key
	view    View
	present bool
}

// BeginMutation atomically bumps the generation of every affected partition
// (suppressing in-flight refetch results) and captures their current values.
func (s *Store) BeginMutation(keys []Key) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &Snapshot{}
	for _, key := range keys {
		name := key.String()
		part, ok := s.parts[name]
		entry := snapshotEntry{key: key.clone()}
		if ok && part.view != nil {
			entry.view = part.view.CloneView()
			entry.present = true
			part.gen++
		}
		snap.entries = append(snap.entries, entry)
	}
	return snap
}

// Restore overwrites each snapshotted partition with its captured value.
// Full overwrite, not a merge; all-or-nothing within one lock hold.
func (s *Store) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range snap.entries {
		name := entry.key.String()
		if !entry.present {
			delete(s.parts, name)
			continue
		}
		var gen uint64
		if existing, ok := s.parts[name]; ok {
			gen = existing.gen
		}
		s.parts[name] = &partition{key: entry.key.clone(), view: entry.view.CloneView(), gen: gen + 1}
	}
}

// RewriteID replaces every occurrence of oldID with newID across populated
// partitions, both inside view values and in partition key segments (the
// per-item detail partition is keyed by the id it holds). Partitions not
// yet populated need no rewrite; they will be fetched fresh. Applying the
// same rewrite twice is a no-op.
func (s *Store) RewriteID(oldID, newID string) {
	if oldID == "" || newID == "" || oldID == newID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rekeyed := map[string]*partition{}
	for name, part := range s.parts {
		part.view = part.view.RewriteID(oldID, newID)
		part.gen++
		changed := false
		key := part.key.clone()
		for i, segment := range key {
			if segment == oldID {
				key[i] = newID
				changed = true
			}
		}
		if changed {
			part.key = key
			rekeyed[name] = part
		}
	}
	for name, part := range rekeyed {
		delete(s.parts, name)
		s.parts[part.key.String()] = part
	}
}

// Invalidate schedules a fetch-and-replace for every populated partition
// under prefix after delay. The delay absorbs backend eventual consistency:
// the write that created an entity may not yet be visible to the listing
// read path. The replace is dropped when the partition changed between
// scheduling and fetch completion: a newer optimistic write always wins
// over a stale refetch, and the mutation that made it schedules its own
// invalidation.
func (s *Store) Invalidate(prefix Key, delay time.Duration) {
	for _, key := range s.Keys(prefix) {
		key := key
		s.sched.Schedule(delay, func() { s.refetch(key) })
	}
}

func (s *Store) refetch(key Key) {
	if s.fetch == nil {
		s.logf("refetch %s skipped: %v", key.String(), ErrNoFetcher)
		return
	}
	s.mu.Lock()
	part, ok := s.parts[key.String()]
	if !ok {
		s.mu.Unlock()
		return
	}
	gen := part.gen
	s.mu.Unlock()

	view, err := s.fetch(key)
	if err != nil {
		s.logf("refetch %s failed: %v", key.String(), err)
		return
	}
	if view == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	part, ok = s.parts[key.String()]
	if !ok || part.gen != gen {
		return
	}
	part.view = view
	part.gen++
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
