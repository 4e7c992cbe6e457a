// Package search turns an artist/track query into candidate videos.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/leeineian/earworm/media"
	"github.com/leeineian/earworm/sys"
)

const (
	DefaultLimit    = 3
	DefaultKeywords = "audio official"
)

// Backend is one platform search surface.
type Backend interface {
	Name() string
	// Biased reports whether the backend gets the keyword-biased text.
	Biased() bool
	Search(ctx context.Context, text string, limit int, egress media.Egress) ([]media.Candidate, error)
}

// directOnly is implemented by backends that cannot route through a proxy.
type directOnly interface {
	DirectOnly() bool
}

type Options struct {
	Backends []Backend
	Keywords string
	Limit    int
	Ranker   Ranker
}

// Resolver tries its backends in order until one returns candidates.
type Resolver struct {
	backends []Backend
	keywords string
	limit    int
	ranker   Ranker
}

func NewResolver(opts Options) *Resolver {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Ranker == nil {
		opts.Ranker = FirstResult
	}
	if opts.Backends == nil {
		opts.Backends = DefaultBackends()
	}
	return &Resolver{
		backends: opts.Backends,
		keywords: strings.TrimSpace(opts.Keywords),
		limit:    opts.Limit,
		ranker:   opts.Ranker,
	}
}

// DefaultBackends is the music catalogue first, then video search, then yt-dlp.
func DefaultBackends() []Backend {
	return []Backend{NewYTMusic(), NewYouTube(), NewYtDlp()}
}

// Text returns the search text for q, with the biasing keywords appended.
func (r *Resolver) Text(q media.Query) string {
	text := q.Text()
	if r.keywords == "" {
		return text
	}
	return text + " " + r.keywords
}

// Search returns up to Limit ranked candidates for q, best first. An empty
// result with a nil error means nothing was found. The error is non-nil only
// when every backend failed.
func (r *Resolver) Search(ctx context.Context, q media.Query, egress media.Egress) ([]media.Candidate, error) {
	var errs []error
	for _, b := range r.order(egress) {
		text := q.Text()
		if b.Biased() {
			text = r.Text(q)
		}

		cands, err := b.Search(ctx, text, r.limit, egress)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			sys.LogComponentWarn("search", sys.MsgSearchBackendFail, b.Name(), text, err)
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}
		cands = clean(cands, r.limit)
		if len(cands) == 0 {
			sys.LogDebug(sys.MsgSearchBackendEmpty, b.Name(), text)
			continue
		}

		sys.LogSearch(sys.MsgSearchFound, len(cands), text, b.Name())
		return r.ranker.Rank(q, cands), nil
	}

	if len(errs) == len(r.backends) && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, nil
}

// order returns the backends to try. Behind a proxy, backends that would
// leak the direct address go last, keeping their relative order.
func (r *Resolver) order(egress media.Egress) []Backend {
	if egress.Direct() {
		return r.backends
	}
	proxied := make([]Backend, 0, len(r.backends))
	var direct []Backend
	for _, b := range r.backends {
		if d, ok := b.(directOnly); ok && d.DirectOnly() {
			direct = append(direct, b)
			continue
		}
		proxied = append(proxied, b)
	}
	return append(proxied, direct...)
}

// clean drops entries without an id, de-duplicates, fills thumbnails and
// truncates to limit.
func clean(cands []media.Candidate, limit int) []media.Candidate {
	seen := map[string]bool{}
	out := make([]media.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.MediaID == "" || seen[c.MediaID] {
			continue
		}
		seen[c.MediaID] = true
		if c.ThumbnailURL == "" {
			c.ThumbnailURL = media.Thumbnail(c.MediaID)
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out
}
