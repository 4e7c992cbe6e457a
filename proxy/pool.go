// Package proxy keeps a rotating pool of egress proxies: merged from public
// lists and a reliable allow-list, health tested, and banned on failure.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/leeineian/earworm/media"
	"github.com/leeineian/earworm/sys"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultHealthURL   = "http://www.gstatic.com/generate_204"
	DefaultTestTimeout = 5 * time.Second
	DefaultTestLimit   = 50
	DefaultTestBatch   = 10
	DefaultStaleAfter  = 30 * time.Minute

	// an empty pool re-fetches at most this often
	emptyRetryAfter = time.Minute
)

type State string

const (
	StateUntested State = "untested"
	StateWorking  State = "working"
	StateBanned   State = "banned"
)

type Record struct {
	URL   string `json:"url"`
	State State  `json:"state"`
}

type Options struct {
	Sources     []string
	Reliable    []string
	HealthURL   string
	TestTimeout time.Duration
	TestLimit   int
	TestBatch   int
	StaleAfter  time.Duration
	// StatePath is the JSON state file. Empty disables persistence.
	StatePath string
	// Client fetches the source lists. Nil means a 15s-timeout client.
	Client *http.Client
	// FetchInterval spaces out source list requests.
	FetchInterval time.Duration
	// Now replaces time.Now, mainly for tests.
	Now func() time.Time
}

// Handle is one usable proxy. Endpoint is what external tools should be pointed
// at: the proxy itself, or a local tunnel when the proxy needs credentials.
type Handle struct {
	URL      string
	Endpoint string
	client   *http.Client
}

// Egress routes both Go clients and external tools through the handle.
func (h *Handle) Egress() media.Egress {
	return media.Egress{Proxy: h.Endpoint, Client: h.client}
}

type Pool struct {
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time

	mu          sync.Mutex
	all         []string
	working     []string
	banned      map[string]struct{}
	lastRefresh time.Time
	lastAttempt time.Time
	next        int
	handles     map[string]*Handle
	tunnels     map[string]*Tunnel

	refreshGroup singleflight.Group
	saveMu       sync.Mutex
}

func NewPool(opts Options) *Pool {
	if opts.HealthURL == "" {
		opts.HealthURL = DefaultHealthURL
	}
	if opts.TestTimeout <= 0 {
		opts.TestTimeout = DefaultTestTimeout
	}
	if opts.TestLimit <= 0 {
		opts.TestLimit = DefaultTestLimit
	}
	if opts.TestBatch <= 0 {
		opts.TestBatch = DefaultTestBatch
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.FetchInterval <= 0 {
		opts.FetchInterval = 200 * time.Millisecond
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	p := &Pool{
		opts:    opts,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(opts.FetchInterval), 1),
		now:     now,
		banned:  map[string]struct{}{},
		handles: map[string]*Handle{},
		tunnels: map[string]*Tunnel{},
	}
	p.all = merge(nil, normalizeAll(opts.Reliable))
	p.updateGauges()
	return p
}

func normalizeAll(list []string) []string {
	var out []string
	for _, l := range list {
		if n := Normalize(l); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// GetAgent returns the next proxy round-robin, preferring tested ones, or nil
// when the caller should connect directly. It refreshes an empty or stale pool first.
func (p *Pool) GetAgent(ctx context.Context) *Handle {
	if p.needsRefresh() {
		if err := p.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
			sys.LogComponentWarn("proxy", sys.MsgProxyFetchFail, "all sources", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.working
	if len(list) == 0 {
		list = p.all
	}
	if len(list) == 0 {
		sys.LogDebug(sys.MsgProxyExhausted)
		return nil
	}
	u := list[p.next%len(list)]
	p.next++
	return p.handleLocked(u)
}

func (p *Pool) needsRefresh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.opts.Sources) == 0 {
		return false
	}
	now := p.now()
	if len(p.all) == 0 {
		return now.Sub(p.lastAttempt) >= emptyRetryAfter
	}
	return now.Sub(p.lastRefresh) >= p.opts.StaleAfter
}

func (p *Pool) handleLocked(u string) *Handle {
	if h, ok := p.handles[u]; ok {
		return h
	}

	endpoint := u
	if parsed, err := url.Parse(u); err == nil && parsed.User != nil && (parsed.Scheme == "http" || parsed.Scheme == "https") {
		t, err := OpenTunnel(u)
		if err != nil {
			sys.LogComponentWarn("proxy", sys.MsgProxyTunnelFail, Redact(u), err)
		} else {
			p.tunnels[u] = t
			endpoint = t.URL()
		}
	}

	h := &Handle{URL: u, Endpoint: endpoint, client: proxiedClient(endpoint, 0)}
	p.handles[u] = h
	return h
}

func proxiedClient(endpoint string, timeout time.Duration) *http.Client {
	pu, err := url.Parse(endpoint)
	if err != nil {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyURL(pu),
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Ban removes proxyURL from every set for the rest of the process lifetime and
// persists the new state.
func (p *Pool) Ban(proxyURL string) {
	if n := Normalize(proxyURL); n != "" {
		proxyURL = n
	}

	p.mu.Lock()
	if _, already := p.banned[proxyURL]; already {
		p.mu.Unlock()
		return
	}
	p.banned[proxyURL] = struct{}{}
	p.all = without(p.all, proxyURL)
	p.working = without(p.working, proxyURL)
	delete(p.handles, proxyURL)
	t := p.tunnels[proxyURL]
	delete(p.tunnels, proxyURL)
	p.updateGaugesLocked()
	p.mu.Unlock()

	if t != nil {
		t.Close()
	}
	sys.ProxyBans.Inc()
	sys.LogProxy(sys.MsgProxyBanned, Redact(proxyURL))
	p.save()
}

func without(list []string, u string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != u {
			out = append(out, v)
		}
	}
	return out
}

// Refresh re-fetches every source, merges with the reliable list and re-tests.
// Concurrent callers share one refresh.
func (p *Pool) Refresh(ctx context.Context) error {
	_, err, _ := p.refreshGroup.Do("refresh", func() (any, error) {
		return nil, p.refresh(ctx)
	})
	return err
}

func (p *Pool) refresh(ctx context.Context) error {
	p.mu.Lock()
	p.lastAttempt = p.now()
	p.mu.Unlock()

	var fetched [][]string
	var errs []error
	for _, src := range p.opts.Sources {
		list, err := p.fetchSource(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sys.LogComponentWarn("proxy", sys.MsgProxyFetchFail, src, err)
			errs = append(errs, err)
			continue
		}
		fetched = append(fetched, list)
	}

	p.mu.Lock()
	lists := append([][]string{normalizeAll(p.opts.Reliable)}, fetched...)
	p.all = merge(p.banned, lists...)
	p.working = nil
	p.lastRefresh = p.now()
	total := len(p.all)
	p.updateGaugesLocked()
	p.mu.Unlock()

	sys.LogProxy(sys.MsgProxyRefreshed, total, len(p.opts.Sources)-len(errs))

	if _, err := p.TestAll(ctx); err != nil {
		return err
	}
	if len(fetched) == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// TestAll health-checks the first TestLimit proxies, TestBatch at a time, and
// makes the passing ones the working subset. It returns how many passed.
func (p *Pool) TestAll(ctx context.Context) (int, error) {
	p.mu.Lock()
	candidates := append([]string(nil), p.all...)
	p.mu.Unlock()
	if len(candidates) > p.opts.TestLimit {
		candidates = candidates[:p.opts.TestLimit]
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	sys.LogProxy(sys.MsgProxyTesting, len(candidates), p.opts.TestBatch)

	workers, err := ants.NewPool(p.opts.TestBatch)
	if err != nil {
		return 0, err
	}
	defer workers.Release()

	passed := make([]bool, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		if err := workers.Submit(func() {
			defer wg.Done()
			passed[i] = p.test(ctx, c)
		}); err != nil {
			wg.Done()
		}
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	p.mu.Lock()
	var working []string
	for i, c := range candidates {
		if _, banned := p.banned[c]; passed[i] && !banned {
			working = append(working, c)
		}
	}
	p.working = working
	p.updateGaugesLocked()
	p.mu.Unlock()

	sys.LogProxy(sys.MsgProxyTested, len(working), len(candidates))
	p.save()
	return len(working), nil
}

func (p *Pool) test(ctx context.Context, proxyURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.opts.TestTimeout)
	defer cancel()

	client := proxiedClient(proxyURL, p.opts.TestTimeout)
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.HealthURL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 400
}

// Records lists every known proxy with its state.
func (p *Pool) Records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	working := map[string]struct{}{}
	var out []Record
	for _, u := range p.working {
		working[u] = struct{}{}
	}
	for _, u := range p.all {
		state := StateUntested
		if _, ok := working[u]; ok {
			state = StateWorking
		}
		out = append(out, Record{URL: Redact(u), State: state})
	}
	for u := range p.banned {
		out = append(out, Record{URL: Redact(u), State: StateBanned})
	}
	return out
}

// Close tears down every tunnel.
func (p *Pool) Close() error {
	p.mu.Lock()
	tunnels := p.tunnels
	p.tunnels = map[string]*Tunnel{}
	p.handles = map[string]*Handle{}
	p.mu.Unlock()

	var errs []error
	for _, t := range tunnels {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) updateGauges() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateGaugesLocked()
}

func (p *Pool) updateGaugesLocked() {
	sys.ProxyPoolSize.WithLabelValues("all").Set(float64(len(p.all)))
	sys.ProxyPoolSize.WithLabelValues("working").Set(float64(len(p.working)))
	sys.ProxyPoolSize.WithLabelValues("banned").Set(float64(len(p.banned)))
}

// --- State persistence ---

type stateFile struct {
	Proxies        []string `json:"proxies"`
	BannedProxies  []string `json:"bannedProxies"`
	WorkingProxies []string `json:"workingProxies"`
	LastRefresh    int64    `json:"lastRefresh"`
}

// Load restores a previously saved state. A missing file is not an error.
func (p *Pool) Load(ctx context.Context) error {
	if p.opts.StatePath == "" {
		return nil
	}
	data, err := os.ReadFile(p.opts.StatePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}

	p.mu.Lock()
	for _, b := range st.BannedProxies {
		p.banned[b] = struct{}{}
	}
	p.all = merge(p.banned, p.all, st.Proxies)
	p.working = merge(p.banned, st.WorkingProxies)
	if st.LastRefresh > 0 {
		p.lastRefresh = time.UnixMilli(st.LastRefresh)
	}
	p.updateGaugesLocked()
	all, working, banned := len(p.all), len(p.working), len(p.banned)
	p.mu.Unlock()

	sys.LogProxy(sys.MsgProxyStateLoaded, all, working, banned)
	return nil
}

func (p *Pool) save() {
	if p.opts.StatePath == "" {
		return
	}
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	p.mu.Lock()
	st := stateFile{
		Proxies:        append([]string{}, p.all...),
		WorkingProxies: append([]string{}, p.working...),
		BannedProxies:  make([]string, 0, len(p.banned)),
	}
	for b := range p.banned {
		st.BannedProxies = append(st.BannedProxies, b)
	}
	slices.Sort(st.BannedProxies)
	if !p.lastRefresh.IsZero() {
		st.LastRefresh = p.lastRefresh.UnixMilli()
	}
	p.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err == nil {
		err = sys.WriteFileAtomic(p.opts.StatePath, data)
	}
	if err != nil {
		sys.LogComponentWarn("proxy", sys.MsgProxyStateSaveFail, err)
	}
}
