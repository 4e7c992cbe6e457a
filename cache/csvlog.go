package cache

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"

	"github.com/leeineian/earworm/media"
)

// CSVLog is an append-only artist,track,url record of stored previews, kept
// for people inspecting the cache by hand. Nothing reads it back.
type CSVLog struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

func OpenCSVLog(path string) (*CSVLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l := &CSVLog{f: f, w: csv.NewWriter(f)}

	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		if err := l.write([]string{"artist", "track", "url"}); err != nil {
			f.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *CSVLog) Append(q media.Query, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	track := q.TrackName
	if q.Kind == media.KindArtist {
		track = ""
	}
	return l.write([]string{q.ArtistName, track, url})
}

func (l *CSVLog) write(record []string) error {
	if err := l.w.Write(record); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

func (l *CSVLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	return l.f.Close()
}
