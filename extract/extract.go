// Package extract negotiates a playable audio stream for a search candidate.
package extract

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/leeineian/earworm/media"
	"github.com/leeineian/earworm/sys"
)

// Embed playback window, in seconds.
const (
	EmbedMinStart = 15
	EmbedMaxStart = 50
	EmbedLength   = 30
)

// Stream is what a strategy negotiated with the platform.
type Stream struct {
	URL      string
	Bitrate  int // bits per second, 0 when unknown
	MimeType string
	Itag     int
}

// Strategy is one way of getting a stream out of the platform. Strategies are
// independent: each starts from the candidate alone.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, c media.Candidate, egress media.Egress) (Stream, error)
}

// AttemptError is one strategy's failure.
type AttemptError struct {
	Strategy string
	Err      error
}

func (e AttemptError) Error() string { return e.Strategy + ": " + e.Err.Error() }
func (e AttemptError) Unwrap() error { return e.Err }

// AllStrategiesFailedError is returned when no strategy produced a stream.
type AllStrategiesFailedError struct {
	MediaID  string
	Attempts []AttemptError
}

func (e *AllStrategiesFailedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return fmt.Sprintf("%s for %s: %s", media.ErrExtractionFailed, e.MediaID, strings.Join(parts, "; "))
}

// Unwrap exposes ErrExtractionFailed plus every attempt's cause, so callers
// can spot a proxy failure buried in one of them.
func (e *AllStrategiesFailedError) Unwrap() []error {
	errs := []error{media.ErrExtractionFailed}
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

type Option func(*Extractor)

// WithStartOffset replaces the random embed start offset.
func WithStartOffset(f func() int) Option {
	return func(e *Extractor) { e.startOffset = f }
}

// Extractor runs its strategies in order and stops at the first success.
type Extractor struct {
	strategies  []Strategy
	startOffset func() int
}

// DefaultStrategies is manifest with best bitrate, then forced first format, then yt-dlp.
func DefaultStrategies() []Strategy {
	return []Strategy{NewStandard(), NewForcedFormat(), NewMinimal()}
}

// New builds an extractor. Nil strategies means DefaultStrategies.
func New(strategies []Strategy, opts ...Option) *Extractor {
	if strategies == nil {
		strategies = DefaultStrategies()
	}
	e := &Extractor{
		strategies:  strategies,
		startOffset: randomStart,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func randomStart() int {
	return EmbedMinStart + rand.IntN(EmbedMaxStart-EmbedMinStart+1)
}

// Strategies lists the strategy names in the order they are tried.
func (e *Extractor) Strategies() []string {
	names := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		names[i] = s.Name()
	}
	return names
}

// Extract returns a direct-stream preview for c, or nil with an
// *AllStrategiesFailedError. It never panics.
func (e *Extractor) Extract(ctx context.Context, c media.Candidate, egress media.Egress) (*media.Preview, error) {
	failed := &AllStrategiesFailedError{MediaID: c.MediaID}
	for _, s := range e.strategies {
		if err := ctx.Err(); err != nil {
			failed.Attempts = append(failed.Attempts, AttemptError{Strategy: s.Name(), Err: err})
			break
		}

		stream, err := e.try(ctx, s, c, egress)
		if err == nil && stream.URL == "" {
			err = fmt.Errorf("%w: empty stream url", media.ErrExtractionFailed)
		}
		if err != nil {
			sys.ExtractAttempts.WithLabelValues(s.Name(), "fail").Inc()
			sys.LogDebug(sys.MsgExtractStrategy, s.Name(), c.MediaID, err)
			failed.Attempts = append(failed.Attempts, AttemptError{Strategy: s.Name(), Err: err})
			continue
		}

		sys.ExtractAttempts.WithLabelValues(s.Name(), "ok").Inc()
		sys.LogExtract(sys.MsgExtractSuccess, c.MediaID, s.Name(), stream.Bitrate/1000, stream.MimeType)
		return e.preview(c, stream), nil
	}

	sys.LogComponentWarn("extract", sys.MsgExtractAllFailed, c.MediaID)
	return nil, failed
}

func (e *Extractor) try(ctx context.Context, s Strategy, c media.Candidate, egress media.Egress) (stream Stream, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Extract(ctx, c, egress)
}

func (e *Extractor) preview(c media.Candidate, s Stream) *media.Preview {
	thumb := c.ThumbnailURL
	if thumb == "" {
		thumb = media.Thumbnail(c.MediaID)
	}
	return &media.Preview{
		MediaID:      c.MediaID,
		Title:        c.Title,
		Channel:      c.Channel,
		ThumbnailURL: thumb,
		AudioURL:     s.URL,
		Embed:        e.Embed(c),
		Bitrate:      s.Bitrate,
		MimeType:     s.MimeType,
		Source:       media.SourceDirect,
		ExpiresAt:    media.URLExpiry(s.URL),
	}
}

// Embed describes the platform player for c with a 30 second window
// starting somewhere between 15s and 50s in. Tracks too short for that window
// get the last 30 seconds instead.
func (e *Extractor) Embed(c media.Candidate) *media.Embed {
	start := e.startOffset()
	if secs := int(c.Duration / time.Second); secs > 0 && start+EmbedLength > secs {
		start = max(0, secs-EmbedLength)
	}
	return &media.Embed{
		Platform:    media.PlatformYouTube,
		MediaID:     c.MediaID,
		StartOffset: start,
		EndOffset:   start + EmbedLength,
	}
}

// EmbedPreview is the embed-only preview for c, used when no stream could be extracted.
func (e *Extractor) EmbedPreview(c media.Candidate) *media.Preview {
	thumb := c.ThumbnailURL
	if thumb == "" {
		thumb = media.Thumbnail(c.MediaID)
	}
	return &media.Preview{
		MediaID:      c.MediaID,
		Title:        c.Title,
		Channel:      c.Channel,
		ThumbnailURL: thumb,
		Embed:        e.Embed(c),
		Source:       media.SourceEmbed,
	}
}
