package proxy

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/leeineian/earworm/sys"
)

// Tunnel is a local unauthenticated HTTP proxy that forwards to an upstream
// proxy, adding its credentials. Tools that cannot carry proxy credentials
// (or leak them in process listings) talk to the tunnel instead.
type Tunnel struct {
	upstream *url.URL
	auth     string
	ln       net.Listener
	dialer   net.Dialer

	// set only for https upstreams, where the proxy hop itself is TLS
	tlsConfig *tls.Config

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

type TunnelOption func(*Tunnel)

// WithUpstreamTLS sets the TLS configuration used to reach an https upstream.
func WithUpstreamTLS(cfg *tls.Config) TunnelOption {
	return func(t *Tunnel) { t.tlsConfig = cfg.Clone() }
}

// OpenTunnel starts a tunnel on 127.0.0.1 for upstream, which must carry userinfo.
// An https upstream is reached over TLS.
func OpenTunnel(upstream string, opts ...TunnelOption) (*Tunnel, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, err
	}
	if u.User == nil {
		return nil, fmt.Errorf("tunnel upstream %s has no credentials", upstream)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("tunnel upstream scheme %q not supported", u.Scheme)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	password, _ := u.User.Password()
	t := &Tunnel{
		upstream: u,
		auth:     "Basic " + base64.StdEncoding.EncodeToString([]byte(u.User.Username()+":"+password)),
		ln:       ln,
		dialer:   net.Dialer{Timeout: 10 * time.Second},
		conns:    map[net.Conn]struct{}{},
	}
	for _, opt := range opts {
		opt(t)
	}
	if u.Scheme == "https" {
		if t.tlsConfig == nil {
			t.tlsConfig = &tls.Config{}
		}
		if t.tlsConfig.ServerName == "" {
			t.tlsConfig.ServerName = u.Hostname()
		}
	} else {
		t.tlsConfig = nil
	}

	t.wg.Add(1)
	go t.serve()
	sys.LogProxy(sys.MsgProxyTunnelOpened, t.URL(), Redact(upstream))
	return t, nil
}

// URL is the local proxy address, e.g. http://127.0.0.1:41234.
func (t *Tunnel) URL() string {
	return "http://" + t.ln.Addr().String()
}

func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for c := range t.conns {
		c.Close()
	}
	t.mu.Unlock()

	err := t.ln.Close()
	t.wg.Wait()
	return err
}

func (t *Tunnel) serve() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			return
		}
		if !t.track(conn) {
			conn.Close()
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer t.untrack(conn)
			t.handle(conn)
		}()
	}
}

func (t *Tunnel) track(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *Tunnel) untrack(c net.Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
	c.Close()
}

func (t *Tunnel) handle(client net.Conn) {
	br := bufio.NewReader(client)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}

	upstream, err := t.dialUpstream()
	if err != nil {
		sys.LogComponentWarn("proxy", sys.MsgProxyTunnelUpstream, Redact(t.upstream.String()), err)
		writeStatus(client, http.StatusBadGateway)
		return
	}
	if !t.track(upstream) {
		upstream.Close()
		return
	}
	defer t.untrack(upstream)

	if req.Method == http.MethodConnect {
		t.connect(client, br, upstream, req)
		return
	}

	// one request per connection keeps forwarding trivial
	req.Header.Set("Proxy-Authorization", t.auth)
	req.Header.Set("Connection", "close")
	req.Close = true
	if err := req.WriteProxy(upstream); err != nil {
		writeStatus(client, http.StatusBadGateway)
		return
	}
	_, _ = io.Copy(client, upstream)
}

func (t *Tunnel) connect(client net.Conn, clientBuf *bufio.Reader, upstream net.Conn, req *http.Request) {
	fmt.Fprintf(upstream, "CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Authorization: %s\r\n\r\n", req.Host, req.Host, t.auth)

	ur := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(ur, req)
	if err != nil {
		writeStatus(client, http.StatusBadGateway)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		writeStatus(client, resp.StatusCode)
		return
	}

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, clientBuf)
		closeWrite(upstream)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, ur)
		closeWrite(client)
		done <- struct{}{}
	}()
	<-done
	<-done
}

func (t *Tunnel) dialUpstream() (net.Conn, error) {
	host := t.upstream.Host
	if t.upstream.Port() == "" {
		port := "80"
		if t.tlsConfig != nil {
			port = "443"
		}
		host = net.JoinHostPort(t.upstream.Hostname(), port)
	}
	if t.tlsConfig == nil {
		return t.dialer.Dial("tcp", host)
	}
	return tls.DialWithDialer(&t.dialer, "tcp", host, t.tlsConfig)
}

func writeStatus(w io.Writer, code int) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", code, http.StatusText(code))
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
