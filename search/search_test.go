package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/leeineian/earworm/media"
)

type fakeBackend struct {
	name   string
	biased bool
	cands  []media.Candidate
	err    error

	calls []string
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Biased() bool { return f.biased }

func (f *fakeBackend) Search(ctx context.Context, text string, limit int, egress media.Egress) ([]media.Candidate, error) {
	f.calls = append(f.calls, text)
	return f.cands, f.err
}

type directBackend struct{ fakeBackend }

func (*directBackend) DirectOnly() bool { return true }

var queen = media.Query{ArtistName: "Queen", TrackName: "Bohemian Rhapsody", Kind: media.KindSong}

func TestResolverFallsThroughBackends(t *testing.T) {
	failing := &fakeBackend{name: "music", err: errors.New("503")}
	empty := &fakeBackend{name: "video", biased: true}
	last := &fakeBackend{name: "dlp", biased: true, cands: []media.Candidate{
		{MediaID: "fJ9rUzIMcZQ", Title: "Bohemian Rhapsody"},
		{MediaID: "fJ9rUzIMcZQ", Title: "duplicate"},
		{MediaID: ""},
		{MediaID: "b", Title: "B"},
		{MediaID: "c", Title: "C"},
		{MediaID: "d", Title: "D"},
	}}

	r := NewResolver(Options{Backends: []Backend{failing, empty, last}, Keywords: DefaultKeywords})
	got, err := r.Search(context.Background(), queen, media.Egress{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	want := []media.Candidate{
		{MediaID: "fJ9rUzIMcZQ", Title: "Bohemian Rhapsody", ThumbnailURL: media.Thumbnail("fJ9rUzIMcZQ")},
		{MediaID: "b", Title: "B", ThumbnailURL: media.Thumbnail("b")},
		{MediaID: "c", Title: "C", ThumbnailURL: media.Thumbnail("c")},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Search() mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"Queen Bohemian Rhapsody"}, failing.calls); diff != "" {
		t.Fatalf("unbiased backend text (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Queen Bohemian Rhapsody audio official"}, last.calls); diff != "" {
		t.Fatalf("biased backend text (-want +got):\n%s", diff)
	}
}

func TestResolverNothingFoundIsNotAnError(t *testing.T) {
	r := NewResolver(Options{Backends: []Backend{&fakeBackend{name: "a"}, &fakeBackend{name: "b", err: errors.New("x")}}})
	got, err := r.Search(context.Background(), queen, media.Egress{})
	if err != nil || len(got) != 0 {
		t.Fatalf("Search() = %v, %v; want empty, nil", got, err)
	}
}

func TestResolverAllBackendsFailing(t *testing.T) {
	boom := errors.New("connection reset by peer")
	r := NewResolver(Options{Backends: []Backend{&fakeBackend{name: "a", err: boom}, &fakeBackend{name: "b", err: boom}}})
	got, err := r.Search(context.Background(), queen, media.Egress{})
	if !errors.Is(err, boom) || len(got) != 0 {
		t.Fatalf("Search() = %v, %v; want joined backend errors", got, err)
	}
}

func TestResolverProxiedEgressTriesDirectOnlyLast(t *testing.T) {
	hit := []media.Candidate{{MediaID: "fJ9rUzIMcZQ", Title: "Bohemian Rhapsody"}}
	music := &directBackend{fakeBackend{name: "music", cands: hit}}
	video := &fakeBackend{name: "video", biased: true, cands: hit}
	r := NewResolver(Options{Backends: []Backend{music, video}})

	if _, err := r.Search(context.Background(), queen, media.Egress{Proxy: "http://203.0.113.7:8080"}); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(music.calls) != 0 || len(video.calls) != 1 {
		t.Fatalf("proxied search: music calls = %d, video calls = %d; want 0 and 1", len(music.calls), len(video.calls))
	}

	if _, err := r.Search(context.Background(), queen, media.Egress{}); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(music.calls) != 1 || len(video.calls) != 1 {
		t.Fatalf("direct search: music calls = %d, video calls = %d; want 1 and 1", len(music.calls), len(video.calls))
	}

	// still a fallback when everything proxy-capable comes back empty
	video.cands = nil
	if got, _ := r.Search(context.Background(), queen, media.Egress{Proxy: "http://203.0.113.7:8080"}); len(got) != 1 || len(music.calls) != 2 {
		t.Fatalf("proxied fallback = %v, music calls = %d", got, len(music.calls))
	}
}

func TestResolverArtistQueryText(t *testing.T) {
	b := &fakeBackend{name: "a", biased: true}
	r := NewResolver(Options{Backends: []Backend{b}, Keywords: "official audio"})
	_, _ = r.Search(context.Background(), media.Query{ArtistName: "Björk", TrackName: "ignored", Kind: media.KindArtist}, media.Egress{})
	if diff := cmp.Diff([]string{"Björk official audio"}, b.calls); diff != "" {
		t.Fatalf("search text (-want +got):\n%s", diff)
	}
}

func TestPreferStudio(t *testing.T) {
	cands := []media.Candidate{
		{MediaID: "1", Title: "Queen - Bohemian Rhapsody (Live Aid 1985)"},
		{MediaID: "2", Title: "Bohemian Rhapsody [Karaoke Version]"},
		{MediaID: "3", Title: "Queen – Bohemian Rhapsody (Official Video Remastered)"},
		{MediaID: "4", Title: "Bohemian Rhapsody (Remastered 2011)"},
	}
	got := PreferStudio.Rank(queen, cands)
	var ids []string
	for _, c := range got {
		ids = append(ids, c.MediaID)
	}
	if diff := cmp.Diff([]string{"3", "4", "1", "2"}, ids); diff != "" {
		t.Fatalf("PreferStudio order (-want +got):\n%s", diff)
	}
	if cands[0].MediaID != "1" {
		t.Fatal("PreferStudio reordered its input")
	}

	live := media.Query{ArtistName: "Queen", TrackName: "Bohemian Rhapsody Live", Kind: media.KindSong}
	if got := PreferStudio.Rank(live, cands); got[0].MediaID != "1" {
		t.Fatalf("PreferStudio demoted a live take the query asked for: %v", got)
	}

	if _, err := RankerByName("studio"); err != nil {
		t.Fatalf("RankerByName(studio) error = %v", err)
	}
	if _, err := RankerByName("magic"); err == nil {
		t.Fatal("RankerByName(magic) accepted")
	}
}

func TestParseYtdlpSearch(t *testing.T) {
	out := "fJ9rUzIMcZQ\tQueen – Bohemian Rhapsody\tQueen Official\t355.0\n" +
		"NA\tbroken\tx\t1\n" +
		"abc\tUntitled\tNA\tNA\n"
	got := parseYtdlpSearch(out)
	want := []media.Candidate{
		{MediaID: "fJ9rUzIMcZQ", Title: "Queen – Bohemian Rhapsody", Channel: "Queen Official", Duration: 355 * time.Second},
		{MediaID: "abc", Title: "Untitled"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("parseYtdlpSearch() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseClock(t *testing.T) {
	tests := map[string]time.Duration{
		"3:20":    200 * time.Second,
		"1:05:20": time.Hour + 5*time.Minute + 20*time.Second,
		"":        0,
		"live":    0,
		"1:xx":    0,
	}
	for in, want := range tests {
		if got := parseClock(in); got != want {
			t.Errorf("parseClock(%q) = %v, want %v", in, got, want)
		}
	}
}
