package extract

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/kkdai/youtube/v2"
	"github.com/leeineian/earworm/media"
	"github.com/leeineian/earworm/search"
)

// opusItag is the 160 kbps opus stream, preferred on equal bitrate.
const opusItag = 251

// audioOnly keeps formats that carry audio and no video.
func audioOnly(formats youtube.FormatList) youtube.FormatList {
	return formats.WithAudioChannels().Type("audio/")
}

func bitrate(f youtube.Format) int {
	if f.AverageBitrate > 0 {
		return f.AverageBitrate
	}
	return f.Bitrate
}

func mimeType(f youtube.Format) string {
	mt, _, _ := strings.Cut(f.MimeType, ";")
	return strings.TrimSpace(mt)
}

// fetchVideo loads the stream manifest for c.
func fetchVideo(ctx context.Context, client *youtube.Client, c media.Candidate) (*youtube.Video, error) {
	video, err := client.GetVideoContext(ctx, c.WatchURL())
	if err != nil {
		return nil, err
	}
	if video == nil {
		return nil, fmt.Errorf("%w: empty manifest", media.ErrExtractionFailed)
	}
	return video, nil
}

func streamFor(ctx context.Context, client *youtube.Client, video *youtube.Video, f youtube.Format) (Stream, error) {
	u, err := client.GetStreamURLContext(ctx, video, &f)
	if err != nil {
		return Stream{}, err
	}
	return Stream{URL: u, Bitrate: bitrate(f), MimeType: mimeType(f), Itag: f.ItagNo}, nil
}

// Standard reads the manifest and takes the audio-only format with the
// highest bitrate.
type Standard struct{}

func NewStandard() *Standard { return &Standard{} }

func (*Standard) Name() string { return "standard" }

func (*Standard) Extract(ctx context.Context, c media.Candidate, egress media.Egress) (Stream, error) {
	client := &youtube.Client{HTTPClient: egress.HTTPClient()}
	video, err := fetchVideo(ctx, client, c)
	if err != nil {
		return Stream{}, err
	}

	formats := audioOnly(video.Formats)
	if len(formats) == 0 {
		return Stream{}, fmt.Errorf("%w: no audio-only formats", media.ErrExtractionFailed)
	}
	best := pickBest(formats)
	return streamFor(ctx, client, video, best)
}

func pickBest(formats youtube.FormatList) youtube.Format {
	best := formats[0]
	for _, f := range formats[1:] {
		b, bb := bitrate(f), bitrate(best)
		if b > bb || (b == bb && f.ItagNo == opusItag) {
			best = f
		}
	}
	return best
}

// browserHeaders are sent by ForcedFormat on every request.
var browserHeaders = http.Header{
	"Accept-Language": {"en-US,en;q=0.9"},
	"Referer":         {"https://www.youtube.com/"},
	"Sec-Fetch-Site":  {"same-origin"},
}

// headerTransport sets fixed headers before handing the request on.
type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, vs := range t.headers {
		req.Header[k] = append([]string(nil), vs...)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// ForcedFormat reads the same manifest with explicit client headers and takes
// the first audio-only format as listed, for manifests whose ranking breaks
// the standard pick.
type ForcedFormat struct {
	Headers http.Header
}

func NewForcedFormat() *ForcedFormat { return &ForcedFormat{Headers: browserHeaders} }

func (*ForcedFormat) Name() string { return "forced-format" }

func (s *ForcedFormat) Extract(ctx context.Context, c media.Candidate, egress media.Egress) (Stream, error) {
	base := egress.HTTPClient()
	hc := &http.Client{
		Transport:     &headerTransport{base: base.Transport, headers: s.Headers},
		Jar:           base.Jar,
		Timeout:       base.Timeout,
		CheckRedirect: base.CheckRedirect,
	}
	client := &youtube.Client{HTTPClient: hc}
	video, err := fetchVideo(ctx, client, c)
	if err != nil {
		return Stream{}, err
	}

	formats := audioOnly(video.Formats)
	if len(formats) == 0 {
		return Stream{}, fmt.Errorf("%w: no audio-only formats", media.ErrExtractionFailed)
	}
	return streamFor(ctx, client, video, formats[0])
}

// Minimal asks yt-dlp for the lowest-quality audio stream straight away,
// skipping manifest inspection on our side.
type Minimal struct {
	Format string
}

func NewMinimal() *Minimal { return &Minimal{Format: "worstaudio/bestaudio"} }

func (*Minimal) Name() string { return "minimal" }

func (s *Minimal) Extract(ctx context.Context, c media.Candidate, egress media.Egress) (Stream, error) {
	res, err := search.NewYtdlpCommand(egress).
		Print("%(url)s\t%(abr)s\t%(ext)s\t%(format_id)s").
		Format(s.Format).
		NoCheckFormats().
		Run(ctx, append(search.YtdlpArgs(), "--skip-download", c.WatchURL())...)
	if err != nil {
		return Stream{}, search.YtdlpError(res, err)
	}
	return parseMinimal(res.Stdout)
}

func parseMinimal(stdout string) (Stream, error) {
	for _, l := range strings.Split(strings.TrimSpace(stdout), "\n") {
		ps := strings.Split(strings.TrimSpace(l), "\t")
		if len(ps) < 4 || !strings.HasPrefix(ps[0], "http") {
			continue
		}
		st := Stream{URL: ps[0]}
		if abr, err := strconv.ParseFloat(ps[1], 64); err == nil {
			st.Bitrate = int(abr * 1000)
		}
		if ps[2] != "" && ps[2] != "NA" {
			st.MimeType = "audio/" + ps[2]
		}
		st.Itag, _ = strconv.Atoi(ps[3])
		return st, nil
	}
	return Stream{}, fmt.Errorf("%w: yt-dlp printed no stream url", media.ErrExtractionFailed)
}
