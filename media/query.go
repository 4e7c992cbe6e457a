package media

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Kind tells the resolver whether a query names a single song or a whole artist.
type Kind string

const (
	KindSong   Kind = "song"
	KindArtist Kind = "artist"
)

// ParseKind maps loose user input onto a Kind. Empty input means song.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "song", "track":
		return KindSong, nil
	case "artist":
		return KindArtist, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidQuery, s)
	}
}

// Query identifies the preview a caller wants.
type Query struct {
	ArtistName string `json:"artistName"`
	TrackName  string `json:"trackName,omitempty"`
	Kind       Kind   `json:"kind"`
}

// Validate reports malformed queries. These are caller bugs, not missing previews.
func (q Query) Validate() error {
	if strings.TrimSpace(q.ArtistName) == "" {
		return fmt.Errorf("%w: artist name is required", ErrInvalidQuery)
	}
	// the zero Kind is a song, as in Key and Text
	switch q.Kind {
	case "", KindSong, KindArtist:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidQuery, q.Kind)
	}
	return nil
}

// Text is the raw search text for the query, without any biasing keywords.
func (q Query) Text() string {
	if q.Kind == KindArtist || strings.TrimSpace(q.TrackName) == "" {
		return strings.TrimSpace(q.ArtistName)
	}
	return strings.TrimSpace(q.ArtistName) + " " + strings.TrimSpace(q.TrackName)
}

func (q Query) String() string {
	if q.TrackName == "" {
		return fmt.Sprintf("%s (%s)", q.ArtistName, q.Kind)
	}
	return fmt.Sprintf("%s - %s (%s)", q.ArtistName, q.TrackName, q.Kind)
}

// Key returns the cache key for the query: kind, artist and track joined by "|",
// each lower-cased with diacritics stripped and whitespace collapsed.
// Key is defined for every Query, including invalid ones.
func (q Query) Key() string {
	kind := q.Kind
	if kind == "" {
		kind = KindSong
	}
	track := q.TrackName
	if kind == KindArtist {
		track = ""
	}
	return string(kind) + "|" + Normalize(q.ArtistName) + "|" + Normalize(track)
}

// Normalize folds s for comparison: "  Björk " and "bjork" normalize to the same value.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}
