package preview

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leeineian/earworm/media"
)

// resolverFunc adapts a function to QueryResolver.
type resolverFunc func(ctx context.Context, q media.Query, opts Options) (*media.Preview, error)

func (f resolverFunc) Resolve(ctx context.Context, q media.Query, opts Options) (*media.Preview, error) {
	return f(ctx, q, opts)
}

func checkProgress(t *testing.T, seen []Progress, total int) {
	t.Helper()
	if len(seen) != total {
		t.Fatalf("onProgress called %d times, want %d", len(seen), total)
	}
	for i, p := range seen {
		if p.Total != total || p.WithPreview > p.Processed {
			t.Fatalf("progress[%d] = %+v", i, p)
		}
		if i > 0 && p.Processed < seen[i-1].Processed {
			t.Fatalf("processed went backwards: %+v then %+v", seen[i-1], p)
		}
	}
	if seen[len(seen)-1].Processed != total {
		t.Fatalf("final processed = %d, want %d", seen[len(seen)-1].Processed, total)
	}
}

func TestPreloadQueen(t *testing.T) {
	s := &fakeSearch{cands: map[string][]media.Candidate{"queen": {rhapsody}}}
	r := newResolver(t, Config{Search: s, Extract: &fakeExtract{}})
	pl := NewPreloader(r, 5)

	items := []Item{
		{Type: "artist", ArtistName: "Queen"},
		{Type: "song", ArtistName: "Queen", Answer: "Bohemian Rhapsody"},
	}
	var seen []Progress
	out, err := pl.Preload(context.Background(), items, func(p Progress) { seen = append(seen, p) })
	if err != nil {
		t.Fatalf("Preload() error = %v", err)
	}
	checkProgress(t, seen, 2)
	for i, it := range out {
		if it.Preview == nil || it.PreviewURL != it.Preview.PlayURL() {
			t.Fatalf("item %d = %+v", i, it)
		}
	}
	if items[0].Preview != nil {
		t.Fatal("Preload() mutated its input")
	}
}

func TestPreloadBatches(t *testing.T) {
	var active, peak atomic.Int32
	var mu sync.Mutex
	var resolved []string
	r := resolverFunc(func(ctx context.Context, q media.Query, _ Options) (*media.Preview, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		resolved = append(resolved, q.TrackName)
		mu.Unlock()
		if q.TrackName == "t3" {
			return nil, nil
		}
		return &media.Preview{MediaID: q.TrackName, Embed: &media.Embed{MediaID: q.TrackName}}, nil
	})

	pl := NewPreloader(r, 2, WithBatchPause(time.Millisecond))
	if pl.BatchSize() != 4 {
		t.Fatalf("BatchSize() = %d, want 4", pl.BatchSize())
	}
	if NewPreloader(r, 8).BatchSize() != MaxBatchSize {
		t.Fatal("batch size not capped at MaxBatchSize")
	}

	items := make([]Item, 11)
	for i := range items {
		items[i] = Item{Type: "song", ArtistName: "a", Answer: fmt.Sprintf("t%d", i)}
	}
	items[5].PreviewURL = "https://already.example/preview.mp3"
	items[7] = Item{Type: "album", ArtistName: "a"}

	var seen []Progress
	out, err := pl.Preload(context.Background(), items, func(p Progress) { seen = append(seen, p) })
	if err != nil {
		t.Fatalf("Preload() error = %v", err)
	}
	checkProgress(t, seen, len(items))

	if peak.Load() > 4 {
		t.Fatalf("peak concurrency %d exceeds batch size 4", peak.Load())
	}
	if len(resolved) != 9 {
		t.Fatalf("resolver called %d times, want 9 (one skipped, one invalid)", len(resolved))
	}
	// batch barrier: items of a later batch never resolve before an earlier batch finished
	batchOf := func(track string) int {
		var i int
		fmt.Sscanf(track, "t%d", &i)
		return i / 4
	}
	for i := 1; i < len(resolved); i++ {
		if batchOf(resolved[i]) < batchOf(resolved[i-1]) {
			t.Fatalf("resolution order crosses batches: %v", resolved)
		}
	}

	if got := seen[len(seen)-1].WithPreview; got != 9 {
		t.Fatalf("withPreview = %d, want 9", got)
	}
	if out[5].PreviewURL != "https://already.example/preview.mp3" || out[5].Preview != nil {
		t.Fatalf("skipped item changed: %+v", out[5])
	}
	if out[3].Preview != nil || out[7].Preview != nil {
		t.Fatal("unresolved items gained a preview")
	}
}

func TestPreloadStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	r := resolverFunc(func(ctx context.Context, q media.Query, _ Options) (*media.Preview, error) {
		calls.Add(1)
		cancel()
		return nil, nil
	})

	items := make([]Item, 6)
	for i := range items {
		items[i] = Item{Type: "artist", ArtistName: fmt.Sprint(i)}
	}
	out, err := NewPreloader(r, 1).Preload(ctx, items, nil)
	if err == nil || len(out) != len(items) {
		t.Fatalf("Preload() = %d items, %v; want context error", len(out), err)
	}
	if calls.Load() != 2 {
		t.Fatalf("resolver called %d times, want only the first batch of 2", calls.Load())
	}
}
