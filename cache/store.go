// Package cache keeps resolved previews keyed by normalized query, in process
// and in a best-effort persistent backend.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/leeineian/earworm/media"
	"github.com/leeineian/earworm/sys"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultTTL is how long a resolved preview stays fresh.
const DefaultTTL = 7 * 24 * time.Hour

// Entry is a cached preview and the unix-millisecond time it was stored.
type Entry struct {
	Timestamp int64         `json:"timestamp"`
	Preview   media.Preview `json:"data"`
}

func (e Entry) CreatedAt() time.Time { return time.UnixMilli(e.Timestamp) }

// Persister is the durable side of the cache. Failures are reported but never
// stop the in-process map from serving.
type Persister interface {
	Load(ctx context.Context, key string) (Entry, bool, error)
	Save(ctx context.Context, key string, e Entry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// Store maps query keys to previews with TTL freshness and lazy eviction.
type Store struct {
	entries *xsync.MapOf[string, Entry]
	persist Persister
	log     *CSVLog
	ttl     time.Duration
	now     func() time.Time
}

type Option func(*Store)

// WithPersister backs the store with p. Without it the store is memory-only.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persist = p }
}

// WithCSVLog appends an inspection row to l for every stored preview.
func WithCSVLog(l *CSVLog) Option {
	return func(s *Store) { s.log = l }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		entries: xsync.NewMapOf[string, Entry](),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a fresh cached preview for q, tagged with SourceCache, or nil.
func (s *Store) Get(ctx context.Context, q media.Query) *media.Preview {
	key := q.Key()
	now := s.now()

	e, ok := s.entries.Load(key)
	if !ok && s.persist != nil {
		loaded, found, err := s.persist.Load(ctx, key)
		if err != nil {
			sys.LogComponentWarn("cache", sys.MsgCacheLoadFail, fmt.Errorf("%w: %v", media.ErrCacheIO, err))
		} else if found {
			e, ok = loaded, true
			s.entries.Store(key, e)
		}
	}
	if !ok {
		sys.CacheLookups.WithLabelValues("miss").Inc()
		return nil
	}

	if !s.fresh(e, now) {
		s.evict(ctx, key)
		sys.CacheLookups.WithLabelValues("stale").Inc()
		return nil
	}

	p := e.Preview
	if p.Expired(now) {
		if p.Embed == nil {
			s.evict(ctx, key)
			sys.CacheLookups.WithLabelValues("stale").Inc()
			return nil
		}
		sys.LogCache(sys.MsgCacheStaleURL, q)
		sys.CacheLookups.WithLabelValues("hit").Inc()
		return p.EmbedOnly().WithSource(media.SourceCache)
	}

	sys.CacheLookups.WithLabelValues("hit").Inc()
	return p.WithSource(media.SourceCache)
}

// Set stores p for q in memory and, best-effort, in the persister.
// Previews with nothing playable are rejected with ErrEmptyPreview.
func (s *Store) Set(ctx context.Context, q media.Query, p *media.Preview) error {
	if !p.Usable() {
		return media.ErrEmptyPreview
	}
	key := q.Key()
	e := Entry{Timestamp: s.now().UnixMilli(), Preview: *p.WithSource(p.Source)}
	s.entries.Store(key, e)

	if s.persist != nil {
		if err := s.persist.Save(ctx, key, e); err != nil {
			sys.LogComponentWarn("cache", sys.MsgCachePersistFail, key, err)
		}
	}
	if s.log != nil {
		if err := s.log.Append(q, p.PlayURL()); err != nil {
			sys.LogComponentWarn("cache", sys.MsgCacheLogFail, err)
		}
	}
	return nil
}

// Delete drops the entry for q.
func (s *Store) Delete(ctx context.Context, q media.Query) {
	s.evict(ctx, q.Key())
}

// Clear drops every entry and returns how many were held in memory.
func (s *Store) Clear(ctx context.Context) int {
	n := s.entries.Size()
	s.entries.Clear()
	if s.persist != nil {
		if err := s.persist.Clear(ctx); err != nil {
			sys.LogComponentWarn("cache", sys.MsgCacheClearFail, err)
		}
	}
	sys.LogCache(sys.MsgCacheCleared, n)
	return n
}

// Len is the number of entries currently held in memory, stale ones included.
func (s *Store) Len() int { return s.entries.Size() }

func (s *Store) TTL() time.Duration { return s.ttl }

// Now is the store's clock.
func (s *Store) Now() time.Time { return s.now() }

func (s *Store) Close() error {
	var err error
	if s.persist != nil {
		err = s.persist.Close()
	}
	if s.log != nil {
		if cerr := s.log.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Store) fresh(e Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt()) < s.ttl
}

func (s *Store) evict(ctx context.Context, key string) {
	s.entries.Delete(key)
	if s.persist != nil {
		if err := s.persist.Delete(ctx, key); err != nil {
			sys.LogComponentWarn("cache", sys.MsgCacheDeleteFail, key, err)
		}
	}
}
