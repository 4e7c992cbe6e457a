package media

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Source records where a Preview came from.
type Source string

const (
	SourceCache  Source = "cache"
	SourceDirect Source = "platform-direct"
	SourceEmbed  Source = "platform-embed"
)

// PlatformYouTube is the only platform embeds are synthesized for.
const PlatformYouTube = "youtube"

// Embed points at the platform's embeddable player with a playback window in seconds.
type Embed struct {
	Platform    string `json:"platform"`
	MediaID     string `json:"mediaId"`
	StartOffset int    `json:"startOffset"`
	EndOffset   int    `json:"endOffset"`
}

// URL renders the embed as a player URL.
func (e Embed) URL() string {
	v := url.Values{}
	v.Set("start", strconv.Itoa(e.StartOffset))
	v.Set("end", strconv.Itoa(e.EndOffset))
	v.Set("autoplay", "1")
	return fmt.Sprintf("https://www.youtube.com/embed/%s?%s", url.PathEscape(e.MediaID), v.Encode())
}

// Preview is a playable reference for a query. Treat it as a value: copy, don't mutate.
type Preview struct {
	MediaID      string    `json:"mediaId"`
	Title        string    `json:"title"`
	Channel      string    `json:"channel"`
	ThumbnailURL string    `json:"thumbnailUrl"`
	AudioURL     string    `json:"directAudioUrl,omitempty"`
	Embed        *Embed    `json:"embed,omitempty"`
	Bitrate      int       `json:"bitrate,omitempty"`
	MimeType     string    `json:"mimeType,omitempty"`
	Source       Source    `json:"source"`
	ExpiresAt    time.Time `json:"expiresAt,omitzero"`
}

// Usable reports whether a player can do anything with p.
func (p *Preview) Usable() bool {
	return p != nil && (p.AudioURL != "" || p.Embed != nil)
}

// Expired reports whether the signed direct URL is past its expiry.
func (p *Preview) Expired(now time.Time) bool {
	return p.AudioURL != "" && !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// PlayURL is the best URL to hand to a player: the direct stream if any, else the embed.
func (p *Preview) PlayURL() string {
	if p == nil {
		return ""
	}
	if p.AudioURL != "" {
		return p.AudioURL
	}
	if p.Embed != nil {
		return p.Embed.URL()
	}
	return ""
}

// WithSource returns a copy of p tagged with s.
func (p Preview) WithSource(s Source) *Preview {
	p.Source = s
	if p.Embed != nil {
		e := *p.Embed
		p.Embed = &e
	}
	return &p
}

// EmbedOnly returns a copy of p with the direct stream dropped.
func (p Preview) EmbedOnly() *Preview {
	p.AudioURL = ""
	p.Bitrate = 0
	p.MimeType = ""
	p.ExpiresAt = time.Time{}
	return p.WithSource(SourceEmbed)
}

// URLExpiry reads the "expire" unix timestamp signed into platform stream URLs.
func URLExpiry(raw string) time.Time {
	u, err := url.Parse(raw)
	if err != nil {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(u.Query().Get("expire"), 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// Candidate is one search hit on the platform.
type Candidate struct {
	MediaID      string        `json:"mediaId"`
	Title        string        `json:"title"`
	Channel      string        `json:"channel"`
	ThumbnailURL string        `json:"thumbnailUrl"`
	Duration     time.Duration `json:"duration"`
}

// WatchURL is the canonical page URL for the candidate.
func (c Candidate) WatchURL() string {
	return "https://www.youtube.com/watch?v=" + c.MediaID
}

// Thumbnail returns the default thumbnail URL for a video id.
func Thumbnail(id string) string {
	return "https://i.ytimg.com/vi/" + id + "/hqdefault.jpg"
}

// Egress describes how outbound platform traffic leaves the process.
// The zero value is a direct connection.
type Egress struct {
	// Proxy is the proxy URL handed to external tools such as yt-dlp.
	Proxy string
	// Client carries Go-side requests; nil means http.DefaultClient.
	Client *http.Client
}

func (e Egress) HTTPClient() *http.Client {
	if e.Client == nil {
		return http.DefaultClient
	}
	return e.Client
}

func (e Egress) Direct() bool { return e.Proxy == "" }
