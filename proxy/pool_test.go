package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/leeineian/earworm/media"
)

// fakeProxy answers every proxied request itself with 204.
func fakeProxy(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

// deadAddr returns an address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return "http://" + addr
}

func readState(t *testing.T, path string) stateFile {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var st stateFile
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatalf("state file: %v", err)
	}
	return st
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"1.2.3.4:8080":                "http://1.2.3.4:8080",
		"  socks5://5.6.7.8:1080 ":    "socks5://5.6.7.8:1080",
		"user:pw@9.9.9.9:3128":        "http://user:pw@9.9.9.9:3128",
		"10.0.0.1:80 US elite":        "http://10.0.0.1:80",
		"http://1.2.3.4:8080/ignored": "http://1.2.3.4:8080",
		"# comment":                   "",
		"":                            "",
		"no-port.example.com":         "",
		"ftp://1.2.3.4:21":            "",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}

	got := ParseList(strings.NewReader("1.1.1.1:80\n\nbad line\n2.2.2.2:8080\r\n"))
	if diff := cmp.Diff([]string{"http://1.1.1.1:80", "http://2.2.2.2:8080"}, got); diff != "" {
		t.Fatalf("ParseList() mismatch (-want +got):\n%s", diff)
	}
}

func TestGetAgentRoundRobinAndDirectFallback(t *testing.T) {
	ctx := context.Background()
	if h := NewPool(Options{}).GetAgent(ctx); h != nil {
		t.Fatalf("GetAgent() on empty pool = %+v, want nil", h)
	}

	p := NewPool(Options{Reliable: []string{"1.1.1.1:80", "2.2.2.2:80", "1.1.1.1:80"}})
	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, p.GetAgent(ctx).URL)
	}
	want := []string{"http://1.1.1.1:80", "http://2.2.2.2:80", "http://1.1.1.1:80", "http://2.2.2.2:80"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("rotation mismatch (-want +got):\n%s", diff)
	}
}

func TestBanIsPermanentAndPersisted(t *testing.T) {
	ctx := context.Background()
	statePath := filepath.Join(t.TempDir(), "proxy-cache.json")
	p := NewPool(Options{
		Reliable:  []string{"1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80"},
		StatePath: statePath,
	})

	p.Ban("2.2.2.2:80")
	for i := 0; i < 20; i++ {
		if h := p.GetAgent(ctx); h == nil || h.URL == "http://2.2.2.2:80" {
			t.Fatalf("GetAgent() = %+v after ban", h)
		}
	}

	st := readState(t, statePath)
	for _, u := range append(st.Proxies, st.WorkingProxies...) {
		if u == "http://2.2.2.2:80" {
			t.Fatalf("banned proxy persisted as usable: %+v", st)
		}
	}
	if diff := cmp.Diff([]string{"http://2.2.2.2:80"}, st.BannedProxies); diff != "" {
		t.Fatalf("bannedProxies mismatch (-want +got):\n%s", diff)
	}

	// a restarted pool keeps the ban even though the proxy is on the reliable list
	restarted := NewPool(Options{
		Reliable:  []string{"1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80"},
		StatePath: statePath,
	})
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		if h := restarted.GetAgent(ctx); h.URL == "http://2.2.2.2:80" {
			t.Fatal("Load() forgot the ban")
		}
	}

	p.Ban("1.1.1.1:80")
	p.Ban("3.3.3.3:80")
	if h := p.GetAgent(ctx); h != nil {
		t.Fatalf("GetAgent() = %+v with every proxy banned, want nil", h)
	}
}

func TestRefreshTestsAndPrefersWorking(t *testing.T) {
	ctx := context.Background()
	good1, good2, dead := fakeProxy(t), fakeProxy(t), deadAddr(t)

	var hits atomic.Int32
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprintf(w, "%s\n%s\n%s\n", strings.TrimPrefix(dead, "http://"), strings.TrimPrefix(good1, "http://"), good2)
	}))
	defer source.Close()

	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	statePath := filepath.Join(t.TempDir(), "proxy-cache.json")
	p := NewPool(Options{
		Sources:       []string{source.URL},
		HealthURL:     "http://health.invalid/generate_204",
		TestTimeout:   2 * time.Second,
		StatePath:     statePath,
		FetchInterval: time.Millisecond,
		Now:           clock,
	})

	seen := map[string]bool{}
	for i := 0; i < 6; i++ {
		h := p.GetAgent(ctx)
		if h == nil {
			t.Fatal("GetAgent() = nil after refresh")
		}
		seen[h.URL] = true
	}
	if hits.Load() != 1 {
		t.Fatalf("source fetched %d times, want 1", hits.Load())
	}
	if seen[dead] || !seen[good1] || !seen[good2] {
		t.Fatalf("GetAgent() served %v, want only the two working proxies", seen)
	}

	st := readState(t, statePath)
	if len(st.Proxies) != 3 || len(st.WorkingProxies) != 2 || st.LastRefresh != now.UnixMilli() {
		t.Fatalf("state = %+v", st)
	}

	records := map[string]State{}
	for _, r := range p.Records() {
		records[r.URL] = r.State
	}
	if records[dead] != StateUntested || records[good1] != StateWorking {
		t.Fatalf("Records() = %v", records)
	}

	mu.Lock()
	now = now.Add(31 * time.Minute)
	mu.Unlock()
	p.GetAgent(ctx)
	if hits.Load() != 2 {
		t.Fatalf("stale pool fetched %d times, want 2", hits.Load())
	}
}

func TestTestAllRespectsLimit(t *testing.T) {
	var tested atomic.Int32
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tested.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer proxySrv.Close()

	// distinct credentials keep the entries apart while they share one server
	var reliable []string
	host := strings.TrimPrefix(proxySrv.URL, "http://")
	for i := 0; i < 8; i++ {
		reliable = append(reliable, fmt.Sprintf("http://u%d:p@%s", i, host))
	}
	p := NewPool(Options{Reliable: reliable, TestLimit: 5, TestBatch: 2, HealthURL: "http://health.invalid/"})
	n, err := p.TestAll(context.Background())
	if err != nil {
		t.Fatalf("TestAll() error = %v", err)
	}
	if n != 5 || tested.Load() != 5 {
		t.Fatalf("TestAll() = %d with %d requests, want 5", n, tested.Load())
	}
}

func TestTunnelInjectsCredentials(t *testing.T) {
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:s3cret"))
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Proxy-Authorization") != want {
			w.WriteHeader(http.StatusProxyAuthRequired)
			return
		}
		fmt.Fprintf(w, "via upstream %s", r.URL.Host)
	}))
	defer upstream.Close()

	u, _ := url.Parse(upstream.URL)
	u.User = url.UserPassword("alice", "s3cret")

	p := NewPool(Options{Reliable: []string{u.String()}})
	defer p.Close()

	h := p.GetAgent(context.Background())
	if h == nil {
		t.Fatal("GetAgent() = nil")
	}
	if !strings.HasPrefix(h.Endpoint, "http://127.0.0.1:") || strings.Contains(h.Endpoint, "alice") {
		t.Fatalf("Endpoint = %q, want a credential-free local tunnel", h.Endpoint)
	}

	resp, err := h.Egress().HTTPClient().Get("http://music.invalid/watch")
	if err != nil {
		t.Fatalf("Get() through tunnel error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "via upstream music.invalid" {
		t.Fatalf("tunnel response = %d %q", resp.StatusCode, body)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := net.DialTimeout("tcp", strings.TrimPrefix(h.Endpoint, "http://"), time.Second); err == nil {
		t.Fatal("tunnel still listening after Close()")
	}
}

func TestTunnelSpeaksTLSToHTTPSUpstream(t *testing.T) {
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("bob:hunter2"))
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || r.Header.Get("Proxy-Authorization") != want {
			w.WriteHeader(http.StatusProxyAuthRequired)
			return
		}
		fmt.Fprintf(w, "tls upstream %s", r.URL.Host)
	}))
	defer upstream.Close()

	u, _ := url.Parse(upstream.URL)
	u.User = url.UserPassword("bob", "hunter2")

	roots := upstream.Client().Transport.(*http.Transport).TLSClientConfig
	tun, err := OpenTunnel(u.String(), WithUpstreamTLS(roots))
	if err != nil {
		t.Fatalf("OpenTunnel() error = %v", err)
	}
	defer tun.Close()

	pu, _ := url.Parse(tun.URL())
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(pu)}, Timeout: 5 * time.Second}
	resp, err := client.Get("http://music.invalid/watch")
	if err != nil {
		t.Fatalf("Get() through tunnel error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "tls upstream music.invalid" {
		t.Fatalf("tunnel response = %d %q", resp.StatusCode, body)
	}
}

func TestAttributable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"wrapped proxy error", Wrap("http://1.1.1.1:80", errors.New("boom")), true},
		{"sentinel", fmt.Errorf("extract: %w", media.ErrProxy), true},
		{"cancelled", Wrap("http://1.1.1.1:80", context.Canceled), false},
		{"yt-dlp proxy stderr", errors.New("ERROR: Unable to connect to proxy"), true},
		{"bot wall", errors.New("ERROR: [youtube] x: Sign in to confirm you're not a bot"), true},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, true},
		{"video gone", errors.New("video unavailable"), false},
		{"no formats", media.ErrExtractionFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Attributable(tt.err); got != tt.want {
				t.Fatalf("Attributable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
