package extract

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kkdai/youtube/v2"
	"github.com/leeineian/earworm/media"
)

type fakeStrategy struct {
	name   string
	stream Stream
	err    error
	panics bool
	calls  int
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Extract(ctx context.Context, c media.Candidate, egress media.Egress) (Stream, error) {
	f.calls++
	if f.panics {
		panic("manifest decoder blew up")
	}
	return f.stream, f.err
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

var rhapsody = media.Candidate{
	MediaID:  "fJ9rUzIMcZQ",
	Title:    "Queen – Bohemian Rhapsody (Official Video Remastered)",
	Channel:  "Queen Official",
	Duration: 6 * time.Minute,
}

func fixedStart(n int) Option {
	return WithStartOffset(func() int { return n })
}

func TestExtractFallsBackInOrder(t *testing.T) {
	first := &fakeStrategy{name: "standard", err: errors.New("no audio-only formats")}
	second := &fakeStrategy{name: "forced-format", panics: true}
	third := &fakeStrategy{name: "minimal", stream: Stream{
		URL:      "https://rr1.example/videoplayback?expire=1700000000&itag=249",
		Bitrate:  50000,
		MimeType: "audio/webm",
		Itag:     249,
	}}
	never := &fakeStrategy{name: "unused"}

	e := New([]Strategy{first, second, third, never}, fixedStart(20))
	got, err := e.Extract(context.Background(), rhapsody, media.Egress{})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	want := &media.Preview{
		MediaID:      rhapsody.MediaID,
		Title:        rhapsody.Title,
		Channel:      rhapsody.Channel,
		ThumbnailURL: media.Thumbnail(rhapsody.MediaID),
		AudioURL:     "https://rr1.example/videoplayback?expire=1700000000&itag=249",
		Embed:        &media.Embed{Platform: media.PlatformYouTube, MediaID: rhapsody.MediaID, StartOffset: 20, EndOffset: 50},
		Bitrate:      50000,
		MimeType:     "audio/webm",
		Source:       media.SourceDirect,
		ExpiresAt:    time.Unix(1700000000, 0),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Extract() mismatch (-want +got):\n%s", diff)
	}
	if first.calls != 1 || second.calls != 1 || third.calls != 1 || never.calls != 0 {
		t.Fatalf("calls = %d,%d,%d,%d", first.calls, second.calls, third.calls, never.calls)
	}
}

func TestExtractAllFailedReturnsNil(t *testing.T) {
	proxyErr := errors.Join(media.ErrProxy, errors.New("Tunnel connection failed"))
	e := New([]Strategy{
		&fakeStrategy{name: "a", err: proxyErr},
		&fakeStrategy{name: "b", panics: true},
		&fakeStrategy{name: "c"}, // empty url counts as a failure
	})

	got, err := e.Extract(context.Background(), rhapsody, media.Egress{})
	if got != nil {
		t.Fatalf("Extract() = %+v, want nil", got)
	}

	var failed *AllStrategiesFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Extract() error = %T %v", err, err)
	}
	if len(failed.Attempts) != 3 || failed.MediaID != rhapsody.MediaID {
		t.Fatalf("attempts = %+v", failed.Attempts)
	}
	if !errors.Is(err, media.ErrExtractionFailed) {
		t.Fatal("error does not match ErrExtractionFailed")
	}
	if !errors.Is(err, media.ErrProxy) {
		t.Fatal("proxy cause lost in AllStrategiesFailedError")
	}
}

func TestExtractStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &fakeStrategy{name: "standard", stream: Stream{URL: "https://x"}}

	got, err := New([]Strategy{s}).Extract(ctx, rhapsody, media.Egress{})
	if got != nil || !errors.Is(err, context.Canceled) || s.calls != 0 {
		t.Fatalf("Extract() = %v, %v after %d calls", got, err, s.calls)
	}
}

func TestEmbedWindow(t *testing.T) {
	e := New(nil)
	for i := 0; i < 200; i++ {
		em := e.Embed(rhapsody)
		if em.StartOffset < EmbedMinStart || em.StartOffset > EmbedMaxStart || em.EndOffset != em.StartOffset+EmbedLength {
			t.Fatalf("Embed() = %+v", em)
		}
	}

	short := rhapsody
	short.Duration = 40 * time.Second
	if em := New(nil, fixedStart(50)).Embed(short); em.StartOffset != 10 || em.EndOffset != 40 {
		t.Fatalf("Embed() on short track = %+v", em)
	}

	p := New(nil, fixedStart(15)).EmbedPreview(media.Candidate{MediaID: "abc", Title: "t"})
	if p.Source != media.SourceEmbed || p.AudioURL != "" || !p.Usable() || p.ThumbnailURL != media.Thumbnail("abc") {
		t.Fatalf("EmbedPreview() = %+v", p)
	}
}

func TestPickBest(t *testing.T) {
	formats := youtube.FormatList{
		{ItagNo: 140, MimeType: `audio/mp4; codecs="mp4a.40.2"`, Bitrate: 130000, AverageBitrate: 129000, AudioChannels: 2},
		{ItagNo: 249, MimeType: `audio/webm; codecs="opus"`, Bitrate: 60000, AudioChannels: 2},
		{ItagNo: 251, MimeType: `audio/webm; codecs="opus"`, Bitrate: 150000, AverageBitrate: 129000, AudioChannels: 2},
		{ItagNo: 18, MimeType: `video/mp4; codecs="avc1.42001E, mp4a.40.2"`, Bitrate: 500000, AudioChannels: 2},
		{ItagNo: 137, MimeType: `video/mp4; codecs="avc1.640028"`, Bitrate: 4000000},
	}

	audio := audioOnly(formats)
	if len(audio) != 3 {
		t.Fatalf("audioOnly() kept %d formats, want 3", len(audio))
	}
	best := pickBest(audio)
	if best.ItagNo != 251 {
		t.Fatalf("pickBest() = itag %d, want 251", best.ItagNo)
	}
	if got := mimeType(best); got != "audio/webm" {
		t.Fatalf("mimeType() = %q", got)
	}
}

func TestParseMinimal(t *testing.T) {
	got, err := parseMinimal("WARNING noise\nhttps://rr2.example/videoplayback?itag=249\t49.8\twebm\t249\n")
	if err != nil {
		t.Fatalf("parseMinimal() error = %v", err)
	}
	want := Stream{URL: "https://rr2.example/videoplayback?itag=249", Bitrate: 49800, MimeType: "audio/webm", Itag: 249}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("parseMinimal() mismatch (-want +got):\n%s", diff)
	}

	if _, err := parseMinimal(""); !errors.Is(err, media.ErrExtractionFailed) {
		t.Fatalf("parseMinimal(\"\") error = %v", err)
	}
}

func TestHeaderTransport(t *testing.T) {
	var seen http.Header
	tr := &headerTransport{
		base: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			seen = r.Header
			return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: r}, nil
		}),
		headers: browserHeaders,
	}

	req, _ := http.NewRequest(http.MethodGet, "https://www.youtube.com/watch?v=x", nil)
	req.Header.Set("User-Agent", "kept")
	resp, err := (&http.Client{Transport: tr}).Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if seen.Get("Accept-Language") != "en-US,en;q=0.9" || seen.Get("Referer") != "https://www.youtube.com/" || seen.Get("User-Agent") != "kept" {
		t.Fatalf("headers = %v", seen)
	}
	if req.Header.Get("Referer") != "" {
		t.Fatal("headerTransport mutated the caller's request")
	}
}
