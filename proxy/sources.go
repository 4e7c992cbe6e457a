package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Normalize turns a proxy list line ("1.2.3.4:8080", "socks5://h:1080",
// "user:pw@h:3128") into a URL string, or "" when the line isn't a proxy.
func Normalize(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	// some lists append country or anonymity columns
	if i := strings.IndexAny(line, " \t"); i > 0 {
		line = line[:i]
	}
	if !strings.Contains(line, "://") {
		line = "http://" + line
	}

	u, err := url.Parse(line)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return ""
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil || host == "" || port == "" {
		return ""
	}
	out := url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host}
	return out.String()
}

// ParseList reads one proxy per line, skipping anything unparseable.
func ParseList(r io.Reader) []string {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if p := Normalize(sc.Text()); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (p *Pool) fetchSource(ctx context.Context, source string) ([]string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return ParseList(io.LimitReader(resp.Body, 4<<20)), nil
}

// merge dedups lists in order, dropping anything in skip.
func merge(skip map[string]struct{}, lists ...[]string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, list := range lists {
		for _, p := range list {
			if _, banned := skip[p]; banned {
				continue
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
