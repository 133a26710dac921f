// Package reflection implements the process-wide reflection cache: a
// thread-safe map from normalized failure signatures to reusable diagnoses.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/codefionn/reflexion/internal/logger"
	"github.com/codefionn/reflexion/internal/step"
)

const (
	stripeCount = 32
	// maxFlightAttempts bounds how often Resolve restarts a shared reflect
	// call that another caller's cancellation cut short.
	maxFlightAttempts = 3
	// successAlpha is the EMA weight of the newest outcome.
	successAlpha = 0.3
)

// Entry is a cached diagnosis for one failure signature.
type Entry struct {
	ID          string         `json:"id"`
	Key         string         `json:"key"`
	Kind        step.ErrorKind `json:"kind"`
	Pattern     string         `json:"pattern"`
	Reflection  string         `json:"reflection"`
	Remedies    []string       `json:"remedies,omitempty"`
	Hits        int64          `json:"hits"`
	Uses        int            `json:"uses"`
	SuccessRate float64        `json:"success_rate"`
	Source      string         `json:"source,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NewEntry builds an entry for the failure (kind, message).
func NewEntry(kind step.ErrorKind, message string, r step.Reflection) Entry {
	key := Normalize(kind, message)
	k, pattern := SplitKey(key)
	return Entry{
		ID:         Fingerprint(key),
		Key:        key,
		Kind:       k,
		Pattern:    pattern,
		Reflection: r.Text,
		Remedies:   append([]string(nil), r.Remedies...),
		Source:     "reflector",
	}
}

// AsReflection converts the entry back to reflector output.
func (e Entry) AsReflection() step.Reflection {
	return step.Reflection{Text: e.Reflection, Remedies: append([]string(nil), e.Remedies...)}
}

func (e Entry) clone() Entry {
	e.Remedies = append([]string(nil), e.Remedies...)
	return e
}

// Fingerprint returns a short stable id for a key.
func Fingerprint(key string) string {
	return strconv.FormatUint(xxhash.Sum64String(key), 16)
}

// Stats is the observability view of the cache.
type Stats struct {
	EntryCount int   `json:"entry_count"`
	TotalHits  int64 `json:"total_hits"`
	Misses     int64 `json:"misses"`
}

// Persister stores entries outside the process.
type Persister interface {
	SaveReflection(e Entry) error
	DeleteReflection(key string) error
	LoadReflections() ([]Entry, error)
}

// ReflectFunc produces a reflection on a cache miss.
type ReflectFunc func(ctx context.Context) (step.Reflection, error)

// Option configures a Cache.
type Option func(*Cache)

// WithPersister writes entries through to p.
func WithPersister(p Persister) Option {
	return func(c *Cache) { c.persister = p }
}

// WithLogger overrides the cache logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is safe for concurrent use. Read-modify-write of a single key runs
// under that key's stripe lock; the map itself is guarded by mu.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	stripes   [stripeCount]sync.Mutex
	flights   singleflight.Group
	persister Persister
	log       *logger.Logger
	now       func() time.Time
	misses    atomic.Int64
}

// NewCache creates an empty cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global().WithPrefix("reflection")
	}
	return c
}

func (c *Cache) stripe(key string) *sync.Mutex {
	return &c.stripes[xxhash.Sum64String(key)%stripeCount]
}

// Load replaces the in-memory entries with the persisted ones.
func (c *Cache) Load() (int, error) {
	if c.persister == nil {
		return 0, nil
	}
	loaded, err := c.persister.LoadReflections()
	if err != nil {
		return 0, fmt.Errorf("failed to load reflections: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry, len(loaded))
	for i := range loaded {
		e := loaded[i].clone()
		if e.Key == "" {
			continue
		}
		c.entries[e.Key] = &e
	}
	c.log.Debug("Loaded %d reflection entries", len(c.entries))
	return len(c.entries), nil
}

// Find normalizes (kind, message) and looks the key up. A hit increments the
// entry's hit count; the returned entry is a copy.
func (c *Cache) Find(kind step.ErrorKind, message string) (Entry, bool) {
	return c.FindKey(Normalize(kind, message))
}

// FindKey looks up an already normalized key.
func (c *Cache) FindKey(key string) (Entry, bool) {
	lock := c.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return Entry{}, false
	}
	e.Hits++
	out := e.clone()
	c.mu.Unlock()

	c.persist(out)
	return out, true
}

// Peek returns an entry without counting a hit.
func (c *Cache) Peek(key string) (Entry, bool) {
	lock := c.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Add inserts or merges an entry. On collision the reflection text is
// replaced (last write wins) and remedies are merged: existing ones first,
// then new ones not already present. Hits, uses and creation time are kept.
func (c *Cache) Add(e Entry) (Entry, error) {
	if e.Key == "" {
		return Entry{}, errors.New("reflection entry has no key")
	}

	lock := c.stripe(e.Key)
	lock.Lock()
	defer lock.Unlock()
	return c.addLocked(e), nil
}

func (c *Cache) addLocked(e Entry) Entry {
	now := c.now()

	c.mu.Lock()
	existing, ok := c.entries[e.Key]
	if !ok {
		fresh := e.clone()
		if fresh.ID == "" {
			fresh.ID = Fingerprint(fresh.Key)
		}
		if fresh.Kind == "" || fresh.Pattern == "" {
			fresh.Kind, fresh.Pattern = SplitKey(fresh.Key)
		}
		fresh.Remedies = mergeRemedies(nil, fresh.Remedies)
		if fresh.CreatedAt.IsZero() {
			fresh.CreatedAt = now
		}
		fresh.UpdatedAt = now
		c.entries[fresh.Key] = &fresh
		existing = &fresh
	} else {
		if e.Reflection != "" {
			existing.Reflection = e.Reflection
		}
		existing.Remedies = mergeRemedies(existing.Remedies, e.Remedies)
		if e.Source != "" {
			existing.Source = e.Source
		}
		existing.UpdatedAt = now
	}
	out := existing.clone()
	c.mu.Unlock()

	c.persist(out)
	return out
}

func mergeRemedies(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, list := range [][]string{existing, incoming} {
		for _, r := range list {
			if r == "" || seen[r] {
				continue
			}
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

// Resolve returns the cached entry for (kind, message), or calls reflect on a
// miss and stores its result. Concurrent misses on the same key share one
// reflect call. hit reports whether the entry came from the cache.
//
// A shared call runs under the context of whichever caller started it. When
// that caller is cancelled, waiters whose own context is still live start a
// new call instead of inheriting the cancellation.
func (c *Cache) Resolve(ctx context.Context, kind step.ErrorKind, message string, reflect ReflectFunc) (Entry, bool, error) {
	key := Normalize(kind, message)
	if e, ok := c.FindKey(key); ok {
		return e, true, nil
	}

	for attempt := 1; ; attempt++ {
		v, err, shared := c.flights.Do(key, func() (interface{}, error) {
			// Another flight may have filled the key between our miss and now.
			if e, ok := c.Peek(key); ok {
				return e, nil
			}
			r, err := reflect(ctx)
			if err != nil {
				return Entry{}, err
			}
			added, err := c.Add(NewEntry(kind, message, r))
			if err != nil {
				return Entry{}, err
			}
			return added, nil
		})
		if err == nil {
			return v.(Entry), false, nil
		}
		if shared && errors.Is(err, context.Canceled) && ctx.Err() == nil && attempt < maxFlightAttempts {
			c.log.Debug("Shared reflection for %s was cancelled, retrying", key)
			continue
		}
		return Entry{}, false, err
	}
}

// RecordOutcome folds whether the step after applying key's reflection
// succeeded into the entry's success-rate moving average.
func (c *Cache) RecordOutcome(key string, success bool) bool {
	lock := c.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	value := 0.0
	if success {
		value = 1.0
	}
	e.Uses++
	e.SuccessRate = successAlpha*value + (1-successAlpha)*e.SuccessRate
	e.UpdatedAt = c.now()
	out := e.clone()
	c.mu.Unlock()

	c.persist(out)
	return true
}

// Cleanup drops entries used at least minUses times whose success rate is
// below maxSuccessRate. Returns the number removed.
func (c *Cache) Cleanup(minUses int, maxSuccessRate float64) int {
	lowQuality := func(e *Entry) bool {
		return e.Uses >= minUses && e.SuccessRate < maxSuccessRate
	}

	c.mu.RLock()
	var candidates []string
	for key, e := range c.entries {
		if lowQuality(e) {
			candidates = append(candidates, key)
		}
	}
	c.mu.RUnlock()
	sort.Strings(candidates)

	removed := 0
	for _, key := range candidates {
		if c.removeIf(key, lowQuality) {
			removed++
		}
	}
	if removed > 0 {
		c.log.Info("Removed %d low-quality reflections", removed)
	}
	return removed
}

// removeIf deletes key from the map and the persister under its stripe lock,
// so a concurrent Add of the same key lands either fully before or fully
// after the delete.
func (c *Cache) removeIf(key string, match func(*Entry) bool) bool {
	lock := c.stripe(key)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || !match(e) {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, key)
	c.mu.Unlock()

	if c.persister != nil {
		if err := c.persister.DeleteReflection(key); err != nil {
			c.log.Warn("Failed to delete reflection %s: %v", key, err)
		}
	}
	return true
}

// Entries returns copies of all entries sorted by key.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Statistics returns entry and hit counts.
func (c *Cache) Statistics() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Stats{EntryCount: len(c.entries), Misses: c.misses.Load()}
	for _, e := range c.entries {
		st.TotalHits += e.Hits
	}
	return st
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) persist(e Entry) {
	if c.persister == nil {
		return
	}
	if err := c.persister.SaveReflection(e); err != nil {
		c.log.Warn("Failed to persist reflection %s: %v", e.Key, err)
	}
}
