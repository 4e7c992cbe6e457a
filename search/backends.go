package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/leeineian/earworm/media"
	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// YTMusic searches the music catalogue. Its client has no transport hook or
// context, so it always connects directly and a cancelled search only stops
// waiting for it. It gets the raw query since the catalogue only holds studio
// releases anyway.
type YTMusic struct{}

func NewYTMusic() *YTMusic { return &YTMusic{} }

func (*YTMusic) Name() string { return "ytmusic" }
func (*YTMusic) Biased() bool { return false }

// DirectOnly makes the resolver try it after proxy-capable backends.
func (*YTMusic) DirectOnly() bool { return true }

func (*YTMusic) Search(ctx context.Context, text string, limit int, _ media.Egress) ([]media.Candidate, error) {
	type result struct {
		cands []media.Candidate
		err   error
	}
	done := make(chan result, 1)
	go func() {
		r, err := ytmusic.TrackSearch(text).Next()
		if err != nil {
			done <- result{err: err}
			return
		}
		if r == nil {
			done <- result{}
			return
		}
		var out []media.Candidate
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			c := media.Candidate{MediaID: v.VideoID, Title: v.Title}
			if len(v.Artists) > 0 {
				c.Channel = v.Artists[0].Name
			}
			out = append(out, c)
			if len(out) == limit {
				break
			}
		}
		done <- result{cands: out}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.cands, r.err
	}
}

// YouTube searches the public video results page.
type YouTube struct{}

func NewYouTube() *YouTube { return &YouTube{} }

func (*YouTube) Name() string { return "youtube" }
func (*YouTube) Biased() bool { return true }

func (*YouTube) Search(ctx context.Context, text string, limit int, egress media.Egress) ([]media.Candidate, error) {
	res, err := ytsearch.NewClient(egress.HTTPClient()).Search(ctx, text)
	if err != nil {
		return nil, err
	}
	var out []media.Candidate
	for _, v := range res.Results {
		if v.VideoID == "" {
			continue
		}
		out = append(out, media.Candidate{
			MediaID:  v.VideoID,
			Title:    v.Title,
			Channel:  v.Channel,
			Duration: parseClock(v.Duration),
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// YtDlp searches through yt-dlp's ytsearchN: extractor.
type YtDlp struct{}

func NewYtDlp() *YtDlp { return &YtDlp{} }

func (*YtDlp) Name() string { return "yt-dlp" }
func (*YtDlp) Biased() bool { return true }

func (*YtDlp) Search(ctx context.Context, text string, limit int, egress media.Egress) ([]media.Candidate, error) {
	cmd := NewYtdlpCommand(egress)
	res, err := cmd.
		FlatPlaylist().
		Print("%(id)s\t%(title)s\t%(uploader)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		Run(ctx, append(YtdlpArgs(), fmt.Sprintf("ytsearch%d:%s", limit, text))...)
	if err != nil {
		return nil, YtdlpError(res, err)
	}
	return parseYtdlpSearch(res.Stdout), nil
}

// NewYtdlpCommand returns a quiet yt-dlp command routed through egress.
func NewYtdlpCommand(egress media.Egress) *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings().
		IgnoreConfig()
	if egress.Proxy != "" {
		cmd.Proxy(egress.Proxy)
	}
	return cmd
}

// YtdlpArgs are the raw flags every yt-dlp call shares.
func YtdlpArgs() []string {
	return []string{
		"--no-playlist",
		"--no-check-certificates",
		"--extractor-args", "youtube:player_client=android,web",
		"--socket-timeout", "15",
		"--retries", "2",
	}
}

// YtdlpError folds yt-dlp's stderr into err so callers can classify it.
func YtdlpError(res *ytdlp.Result, err error) error {
	if res == nil {
		return err
	}
	stderr := strings.TrimSpace(res.Stderr)
	if stderr == "" {
		return err
	}
	if i := strings.LastIndex(stderr, "\n"); i >= 0 {
		stderr = stderr[i+1:]
	}
	return fmt.Errorf("%w: %s", err, stderr)
}

func parseYtdlpSearch(stdout string) []media.Candidate {
	var out []media.Candidate
	for _, l := range strings.Split(strings.TrimSpace(stdout), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 || ps[0] == "" || ps[0] == "NA" {
			continue
		}
		c := media.Candidate{MediaID: ps[0], Title: ps[1], Channel: ps[2]}
		if secs, err := strconv.ParseFloat(ps[3], 64); err == nil {
			c.Duration = time.Duration(secs * float64(time.Second))
		}
		if c.Channel == "NA" {
			c.Channel = ""
		}
		out = append(out, c)
	}
	return out
}

// parseClock parses "3:20" or "1:05:20".
func parseClock(s string) time.Duration {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0
	}
	var total time.Duration
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + time.Duration(n)
	}
	return total * time.Second
}
