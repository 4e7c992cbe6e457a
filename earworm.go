// Package earworm wires the preview pipeline together from a sys.Config.
package earworm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/leeineian/earworm/cache"
	"github.com/leeineian/earworm/extract"
	"github.com/leeineian/earworm/gate"
	"github.com/leeineian/earworm/media"
	"github.com/leeineian/earworm/preview"
	"github.com/leeineian/earworm/proxy"
	"github.com/leeineian/earworm/search"
	"github.com/leeineian/earworm/sys"
	"golang.org/x/time/rate"
)

const (
	CacheFileName      = "preview-cache.json"
	CacheLogFileName   = "preview-cache.csv"
	ProxyStateFileName = "proxy-cache.json"
)

// ErrPruneUnsupported is returned by PruneCache for backends that expire on their own.
var ErrPruneUnsupported = errors.New("cache backend does not support pruning")

// Service owns every component of the pipeline. Proxies is nil when proxying is off.
type Service struct {
	Config    *sys.Config
	Cache     *cache.Store
	Proxies   *proxy.Pool
	Gate      *gate.Gate
	Search    *search.Resolver
	Extractor *extract.Extractor
	Resolver  *preview.Resolver
	Preloader *preview.Preloader

	sqlite *cache.SQLite
}

// Option swaps out a component, mainly for tests.
type Option func(*options)

type options struct {
	backends   []search.Backend
	strategies []extract.Strategy
}

func WithSearchBackends(b ...search.Backend) Option {
	return func(o *options) { o.backends = b }
}

func WithStrategies(s ...extract.Strategy) Option {
	return func(o *options) { o.strategies = s }
}

// New builds the pipeline described by cfg. A nil cfg means sys.DefaultConfig().
func New(ctx context.Context, cfg *sys.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = sys.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{Config: cfg}

	store, err := s.openCache(ctx)
	if err != nil {
		return nil, err
	}
	s.Cache = store

	if cfg.ProxyEnabled {
		s.Proxies = proxy.NewPool(proxy.Options{
			Sources:     cfg.ProxySources,
			Reliable:    cfg.ProxyReliable,
			HealthURL:   cfg.ProxyHealthURL,
			TestTimeout: cfg.ProxyTestTimeout,
			TestLimit:   cfg.ProxyTestLimit,
			TestBatch:   cfg.ProxyTestBatch,
			StaleAfter:  cfg.ProxyStaleAfter,
			StatePath:   filepath.Join(cfg.CacheDir, ProxyStateFileName),
		})
		if err := s.Proxies.Load(ctx); err != nil {
			sys.LogComponentWarn("proxy", sys.MsgProxyStateLoadFail, err)
		}
	}

	s.Gate = gate.New(cfg.MaxParallel, gate.WithTaskTimeout(cfg.TaskTimeout))

	ranker, err := search.RankerByName(cfg.SearchRanker)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Search = search.NewResolver(search.Options{
		Backends: o.backends,
		Keywords: cfg.SearchKeywords,
		Limit:    cfg.SearchLimit,
		Ranker:   ranker,
	})
	s.Extractor = extract.New(o.strategies)

	rc := preview.Config{
		Cache:         s.Cache,
		Gate:          s.Gate,
		Search:        s.Search,
		Extract:       s.Extractor,
		ProxyRetries:  cfg.ProxyRetries,
		EmbedFallback: cfg.EmbedFallback,
	}
	// a nil *proxy.Pool must not end up inside the interface
	if s.Proxies != nil {
		rc.Proxies = s.Proxies
	}
	if cfg.RequestsPerSecond > 0 {
		rc.Limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(2*cfg.RequestsPerSecond)))
	}
	s.Resolver, err = preview.NewResolver(rc)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Preloader = preview.NewPreloader(s.Resolver, cfg.MaxParallel)
	return s, nil
}

func (s *Service) openCache(ctx context.Context) (*cache.Store, error) {
	cfg := s.Config
	storeOpts := []cache.Option{}

	switch cfg.CacheBackend {
	case sys.BackendSQLite:
		db, err := cache.OpenSQLite(ctx, cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", media.ErrCacheIO, err)
		}
		s.sqlite = db
		storeOpts = append(storeOpts, cache.WithPersister(db))
	case sys.BackendJSON:
		storeOpts = append(storeOpts, cache.WithPersister(cache.NewJSONFile(filepath.Join(cfg.CacheDir, CacheFileName))))
	case sys.BackendRedis:
		r, err := cache.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", media.ErrCacheIO, err)
		}
		storeOpts = append(storeOpts, cache.WithPersister(r))
	case sys.BackendMemory:
	}

	if cfg.CacheBackend != sys.BackendMemory {
		l, err := cache.OpenCSVLog(filepath.Join(cfg.CacheDir, CacheLogFileName))
		if err != nil {
			sys.LogComponentWarn("cache", sys.MsgCacheLogFail, err)
		} else {
			storeOpts = append(storeOpts, cache.WithCSVLog(l))
		}
	}

	sys.LogCache(sys.MsgCacheBackend, cfg.CacheBackend, cfg.CacheTTL)
	return cache.New(cfg.CacheTTL, storeOpts...), nil
}

func (s *Service) Resolve(ctx context.Context, q media.Query, opts preview.Options) (*media.Preview, error) {
	return s.Resolver.Resolve(ctx, q, opts)
}

func (s *Service) Preload(ctx context.Context, items []preview.Item, onProgress func(preview.Progress)) ([]preview.Item, error) {
	return s.Preloader.Preload(ctx, items, onProgress)
}

// PruneCache deletes persisted entries older than the TTL.
func (s *Service) PruneCache(ctx context.Context) (int64, error) {
	if s.sqlite == nil {
		return 0, ErrPruneUnsupported
	}
	cutoff := s.Cache.Now().Add(-s.Cache.TTL()).UnixMilli()
	n, err := s.sqlite.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", media.ErrCacheIO, err)
	}
	sys.LogCache(sys.MsgCachePruned, n)
	return n, nil
}

// Close releases the cache backend and proxy tunnels.
func (s *Service) Close() error {
	var errs []error
	if s.Proxies != nil {
		errs = append(errs, s.Proxies.Close())
	}
	if s.Cache != nil {
		errs = append(errs, s.Cache.Close())
	}
	return errors.Join(errs...)
}
