package preview

import (
	"context"
	"sync"
	"time"

	"github.com/leeineian/earworm/media"
	"github.com/leeineian/earworm/sys"
	"golang.org/x/sync/errgroup"
)

const (
	MaxBatchSize      = 10
	DefaultBatchPause = 100 * time.Millisecond
)

// Item is one pending question from the game layer. Song items use Answer as
// the track name.
type Item struct {
	Type       string         `json:"type"`
	ArtistName string         `json:"artistName"`
	Answer     string         `json:"answer,omitempty"`
	PreviewURL string         `json:"previewUrl,omitempty"`
	Preview    *media.Preview `json:"preview,omitempty"`
}

// Query maps the item onto a resolver query.
func (it Item) Query() (media.Query, error) {
	kind, err := media.ParseKind(it.Type)
	if err != nil {
		return media.Query{}, err
	}
	q := media.Query{ArtistName: it.ArtistName, Kind: kind}
	if kind == media.KindSong {
		q.TrackName = it.Answer
	}
	return q, q.Validate()
}

// HasPreview reports whether the item already carries something playable.
func (it Item) HasPreview() bool {
	return it.PreviewURL != "" || it.Preview.Usable()
}

type Progress struct {
	Processed   int `json:"processed"`
	Total       int `json:"total"`
	WithPreview int `json:"withPreview"`
}

// QueryResolver is what the preloader drives; *Resolver satisfies it.
type QueryResolver interface {
	Resolve(ctx context.Context, q media.Query, opts Options) (*media.Preview, error)
}

type PreloadOption func(*Preloader)

// WithBatchPause replaces the pause between batches.
func WithBatchPause(d time.Duration) PreloadOption {
	return func(p *Preloader) { p.pause = d }
}

// Preloader resolves items batch by batch: everything in a batch runs at once,
// and the next batch waits for the whole previous one plus a short pause.
type Preloader struct {
	resolver  QueryResolver
	batchSize int
	pause     time.Duration
}

// NewPreloader sizes batches at min(10, 2×maxParallel).
func NewPreloader(r QueryResolver, maxParallel int, opts ...PreloadOption) *Preloader {
	if maxParallel < 1 {
		maxParallel = 1
	}
	p := &Preloader{
		resolver:  r,
		batchSize: min(MaxBatchSize, 2*maxParallel),
		pause:     DefaultBatchPause,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Preloader) BatchSize() int { return p.batchSize }

// Preload returns a copy of items with previews filled in where one was found.
// onProgress, if set, is called once per item with monotonically increasing
// counts; calls never overlap. The error is non-nil only when ctx ended
// early, in which case the returned items are partially enriched.
func (p *Preloader) Preload(ctx context.Context, items []Item, onProgress func(Progress)) ([]Item, error) {
	out := make([]Item, len(items))
	copy(out, items)

	var mu sync.Mutex
	prog := Progress{Total: len(out)}
	report := func(found bool) {
		mu.Lock()
		defer mu.Unlock()
		prog.Processed++
		if found {
			prog.WithPreview++
		}
		if onProgress != nil {
			onProgress(prog)
		}
	}

	sys.LogResolver(sys.MsgPreloadStart, len(out), p.batchSize)
	for start := 0; start < len(out); start += p.batchSize {
		if start > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(p.pause):
			}
		}

		end := min(start+p.batchSize, len(out))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				report(p.fill(ctx, &out[i]))
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return out, err
		}
	}

	sys.LogResolver(sys.MsgPreloadDone, prog.WithPreview, prog.Total)
	return out, nil
}

// fill resolves one item in place and reports whether it ends up with a preview.
func (p *Preloader) fill(ctx context.Context, it *Item) bool {
	if it.HasPreview() {
		if it.PreviewURL == "" {
			it.PreviewURL = it.Preview.PlayURL()
		}
		return true
	}

	q, err := it.Query()
	if err != nil {
		sys.LogDebug(sys.MsgResolverInvalid, it.ArtistName, err)
		return false
	}
	pv, err := p.resolver.Resolve(ctx, q, Options{})
	if err != nil || pv == nil {
		return false
	}
	it.Preview = pv
	it.PreviewURL = pv.PlayURL()
	return true
}
