// Package preview resolves artist/track queries into playable previews and
// preloads them in batches.
package preview

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/leeineian/earworm/cache"
	"github.com/leeineian/earworm/gate"
	"github.com/leeineian/earworm/media"
	"github.com/leeineian/earworm/proxy"
	"github.com/leeineian/earworm/sys"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// DefaultProxyRetries bounds how many banned proxies one request may burn through.
const DefaultProxyRetries = 3

type Searcher interface {
	Search(ctx context.Context, q media.Query, egress media.Egress) ([]media.Candidate, error)
}

type Extractor interface {
	Extract(ctx context.Context, c media.Candidate, egress media.Egress) (*media.Preview, error)
	EmbedPreview(c media.Candidate) *media.Preview
}

// ProxyPool hands out egress proxies. A nil handle means connect directly.
type ProxyPool interface {
	GetAgent(ctx context.Context) *proxy.Handle
	Ban(proxyURL string)
}

type Config struct {
	Cache   *cache.Store
	Gate    *gate.Gate
	Search  Searcher
	Extract Extractor
	// Proxies is optional; without it every request goes direct.
	Proxies      ProxyPool
	ProxyRetries int
	// EmbedFallback turns "found but not extractable" into an embed-only preview.
	EmbedFallback bool
	// Limiter paces outbound attempts; nil means unlimited.
	Limiter *rate.Limiter
}

// Options tune a single Resolve call.
type Options struct {
	SkipCache bool
}

// Resolver is the cache → gate → search → extract pipeline.
type Resolver struct {
	cache    *cache.Store
	gate     *gate.Gate
	search   Searcher
	extract  Extractor
	proxies  ProxyPool
	retries  int
	embed    bool
	limiter  *rate.Limiter
	inflight singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context shared by every caller waiting on one query key. It is
// cancelled once the last waiter leaves, not when the first one does.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

type flightResult struct {
	preview *media.Preview
	// abandoned is set when every waiter left before the run finished
	abandoned bool
}

func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Cache == nil || cfg.Search == nil || cfg.Extract == nil {
		return nil, errors.New("preview: cache, search and extract are required")
	}
	if cfg.Gate == nil {
		cfg.Gate = gate.New(gate.DefaultMaxParallel)
	}
	if cfg.ProxyRetries < 0 {
		cfg.ProxyRetries = 0
	}
	return &Resolver{
		cache:   cfg.Cache,
		gate:    cfg.Gate,
		search:  cfg.Search,
		extract: cfg.Extract,
		proxies: cfg.Proxies,
		retries: cfg.ProxyRetries,
		embed:   cfg.EmbedFallback,
		limiter: cfg.Limiter,
		flights: map[string]*flight{},
	}, nil
}

func (r *Resolver) Gate() *gate.Gate { return r.gate }

// Resolve returns a playable preview for q, or nil when none could be found.
// The only error is media.ErrInvalidQuery for malformed queries; every
// missing-preview condition, cancellation included, yields (nil, nil).
// Concurrent calls for the same query share one run, which keeps going as
// long as at least one of them is still waiting.
func (r *Resolver) Resolve(ctx context.Context, q media.Query, opts Options) (*media.Preview, error) {
	if err := q.Validate(); err != nil {
		sys.Resolutions.WithLabelValues(sys.OutcomeInvalid).Inc()
		sys.LogDebug(sys.MsgResolverInvalid, q, err)
		return nil, err
	}

	if !opts.SkipCache {
		if p := r.cache.Get(ctx, q); p != nil {
			sys.Resolutions.WithLabelValues(sys.OutcomeCache).Inc()
			sys.LogDebug(sys.MsgResolverCacheHit, q)
			return p, nil
		}
	}

	// identical queries in flight share one pipeline run
	key := q.Key()
	for {
		f := r.join(ctx, key)
		ch := r.inflight.DoChan(key, func() (any, error) {
			p := r.run(f.ctx, q)
			return flightResult{preview: p, abandoned: p == nil && f.ctx.Err() != nil}, nil
		})

		select {
		case <-ctx.Done():
			r.leave(key, f)
			return nil, nil
		case res := <-ch:
			r.leave(key, f)
			out, _ := res.Val.(flightResult)
			if out.abandoned && ctx.Err() == nil {
				// joined a run whose own waiters had all gone; start over
				continue
			}
			if out.preview == nil {
				return nil, nil
			}
			return out.preview.WithSource(out.preview.Source), nil
		}
	}
}

func (r *Resolver) join(ctx context.Context, key string) *flight {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.flights[key]
	if f == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		r.flights[key] = f
	}
	f.waiters++
	return f
}

func (r *Resolver) leave(key string, f *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if r.flights[key] == f {
		delete(r.flights, key)
	}
}

// run is one admitted resolution. It caches and counts its own outcome.
func (r *Resolver) run(ctx context.Context, q media.Query) *media.Preview {
	p, err := gate.Run(ctx, r.gate, func(ctx context.Context) (*media.Preview, error) {
		return r.resolve(ctx, q)
	})

	switch {
	case p != nil:
		if err := r.cache.Set(ctx, q, p); err != nil {
			sys.LogComponentWarn("resolver", sys.MsgResolverFailed, q, err)
		}
		outcome := sys.OutcomeDirect
		if p.Source == media.SourceEmbed {
			outcome = sys.OutcomeEmbed
		}
		sys.Resolutions.WithLabelValues(outcome).Inc()
		sys.LogResolver(sys.MsgResolverResolved, q, p.MediaID, p.Source)
		return p
	case errors.Is(err, media.ErrNotFound):
		sys.Resolutions.WithLabelValues(sys.OutcomeNotFound).Inc()
		sys.LogResolver(sys.MsgResolverNoCandidate, q)
	case ctx.Err() != nil:
		sys.Resolutions.WithLabelValues(sys.OutcomeCanceled).Inc()
		sys.LogDebug(sys.MsgResolverFailed, q, ctx.Err())
	default:
		sys.Resolutions.WithLabelValues(sys.OutcomeFailed).Inc()
		sys.LogComponentWarn("resolver", sys.MsgResolverFailed, q, err)
	}
	return nil
}

// resolve searches and extracts, moving to a fresh proxy after each
// proxy-attributable failure. When a candidate was found but never extracted
// it may come back as an embed-only preview.
func (r *Resolver) resolve(ctx context.Context, q media.Query) (*media.Preview, error) {
	var (
		found *media.Candidate
		last  error
	)
	for attempt := 1; attempt <= r.retries+1; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		handle := r.agent(ctx)
		egress := media.Egress{}
		if handle != nil {
			egress = handle.Egress()
		}

		cand, p, err := r.attempt(ctx, q, egress)
		if cand != nil {
			found = cand
		}
		if err == nil {
			return p, nil
		}
		last = err

		if handle == nil || ctx.Err() != nil || !proxy.Attributable(err) {
			break
		}
		r.proxies.Ban(handle.URL)
		if attempt <= r.retries {
			sys.LogComponentWarn("resolver", sys.MsgResolverProxyRetry, proxy.Redact(handle.URL), q, attempt, r.retries)
		}
	}

	if found != nil && r.embed && ctx.Err() == nil {
		sys.LogResolver(sys.MsgResolverEmbed, q)
		return r.extract.EmbedPreview(*found), nil
	}
	return nil, last
}

// attempt runs search and extraction once through egress and returns the
// candidate it settled on, if any.
func (r *Resolver) attempt(ctx context.Context, q media.Query, egress media.Egress) (*media.Candidate, *media.Preview, error) {
	cands, err := r.search.Search(ctx, q, egress)
	if err != nil {
		return nil, nil, fmt.Errorf("search: %w", err)
	}
	if len(cands) == 0 {
		return nil, nil, media.ErrNotFound
	}

	best := cands[0]
	p, err := r.extract.Extract(ctx, best, egress)
	if err != nil {
		return &best, nil, err
	}
	return &best, p, nil
}

func (r *Resolver) agent(ctx context.Context) *proxy.Handle {
	if r.proxies == nil {
		return nil
	}
	return r.proxies.GetAgent(ctx)
}
