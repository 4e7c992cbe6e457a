package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sync"

	"github.com/leeineian/earworm/sys"
)

// JSONFile persists every entry in one JSON object, {key: {timestamp, data}}.
// Writes go to a temp file that is renamed over the target, under a mutex, so a
// reader never sees a half-written file and writers never interleave.
type JSONFile struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry
	loaded  bool
}

func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

func (j *JSONFile) Path() string { return j.path }

func (j *JSONFile) Load(ctx context.Context, key string) (Entry, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.ensureLoaded(); err != nil {
		return Entry{}, false, err
	}
	e, ok := j.entries[key]
	return e, ok, nil
}

func (j *JSONFile) Save(ctx context.Context, key string, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.ensureLoaded(); err != nil {
		// start over rather than refuse to persist anything
		j.entries = map[string]Entry{}
		j.loaded = true
	}
	j.entries[key] = e
	return j.flush()
}

func (j *JSONFile) Delete(ctx context.Context, key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.ensureLoaded(); err != nil {
		return err
	}
	if _, ok := j.entries[key]; !ok {
		return nil
	}
	delete(j.entries, key)
	return j.flush()
}

func (j *JSONFile) Clear(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = map[string]Entry{}
	j.loaded = true
	return j.flush()
}

func (j *JSONFile) Close() error { return nil }

func (j *JSONFile) ensureLoaded() error {
	if j.loaded {
		return nil
	}
	data, err := os.ReadFile(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		j.entries = map[string]Entry{}
		j.loaded = true
		return nil
	}
	if err != nil {
		return err
	}
	entries := map[string]Entry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	j.entries = entries
	j.loaded = true
	return nil
}

func (j *JSONFile) flush() error {
	data, err := json.MarshalIndent(j.entries, "", "  ")
	if err != nil {
		return err
	}
	return sys.WriteFileAtomic(j.path, data)
}
