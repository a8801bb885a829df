package netguard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"time"
)

// dialTimeout bounds the upstream dial of one proxied connection.
const dialTimeout = 10 * time.Second

// hopByHopHeaders must not be forwarded by a proxy (RFC 2616 13.5.1).
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "TE", "Trailers",
	"Transfer-Encoding", "Upgrade",
}

// Proxy is the egress path advertised to sandboxed processes through
// HTTP_PROXY-style environment variables. Every CONNECT tunnel and
// absolute-form request is decided by the session before any upstream
// dial, and after the dial the resolved address is re-checked against
// the denied ranges.
type Proxy struct {
	sess *Session
	ln   net.Listener
	srv  *http.Server
	log  *slog.Logger
	wg   sync.WaitGroup
}

// StartProxy binds a loopback listener and serves until Close.
func StartProxy(sess *Session, log *slog.Logger) (*Proxy, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("egress listen: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Proxy{sess: sess, ln: ln, log: log.With("component", "egress")}
	p.srv = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() { _ = p.srv.Serve(ln) }()
	return p, nil
}

// Addr is the listener address, "127.0.0.1:port".
func (p *Proxy) Addr() string { return p.ln.Addr().String() }

// URL is the proxy URL in the form HTTP_PROXY expects.
func (p *Proxy) URL() string { return "http://" + p.Addr() }

// Close stops accepting and waits for in-flight tunnels to drain.
func (p *Proxy) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = p.srv.Shutdown(ctx)
	cancel()
	p.wg.Wait()
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleForward(w, r)
}

// handleConnect serves CONNECT tunnels, the path TLS clients take.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	dest := r.Host
	if _, _, err := net.SplitHostPort(dest); err != nil {
		dest = net.JoinHostPort(dest, "443")
	}
	if !p.sess.IsAllowed(dest) {
		http.Error(w, "egress denied by network policy", http.StatusForbidden)
		return
	}

	upstream, err := p.dial(dest)
	if err != nil {
		p.log.Warn("egress dial failed", "destination", dest, "error", err)
		http.Error(w, "upstream connection failed", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}
	client, _, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		p.log.Warn("egress hijack failed", "error", err)
		return
	}
	_, _ = client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer client.Close()
		defer upstream.Close()

		// Wait for both copy directions before releasing the tunnel.
		done := make(chan struct{}, 2)
		go func() { _, _ = io.Copy(upstream, client); done <- struct{}{} }()
		go func() { _, _ = io.Copy(client, upstream); done <- struct{}{} }()
		<-done
		client.Close()
		upstream.Close()
		<-done
	}()
}

// handleForward serves absolute-form plain-HTTP requests.
func (p *Proxy) handleForward(w http.ResponseWriter, r *http.Request) {
	if r.URL.Host == "" {
		http.Error(w, "not a proxy request", http.StatusBadRequest)
		return
	}
	port := 80
	if ps := r.URL.Port(); ps != "" {
		n, err := strconv.Atoi(ps)
		if err != nil || n < 1 || n > 65535 {
			http.Error(w, "invalid port", http.StatusBadRequest)
			return
		}
		port = n
	}
	dest := net.JoinHostPort(r.URL.Hostname(), strconv.Itoa(port))
	if !p.sess.IsAllowed(dest) {
		http.Error(w, "egress denied by network policy", http.StatusForbidden)
		return
	}

	for _, h := range hopByHopHeaders {
		r.Header.Del(h)
	}
	transport := &http.Transport{
		DialContext: func(context.Context, string, string) (net.Conn, error) {
			return p.dial(dest)
		},
		ResponseHeaderTimeout: 30 * time.Second,
		DisableKeepAlives:     true,
	}
	defer transport.CloseIdleConnections()

	r.RequestURI = ""
	resp, err := transport.RoundTrip(r)
	if err != nil {
		p.log.Warn("egress forward failed", "destination", dest, "error", err)
		http.Error(w, "upstream error", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// dial connects upstream and re-checks the resolved address against
// the denied ranges, closing the connection on a match.
func (p *Proxy) dial(dest string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", dest, dialTimeout)
	if err != nil {
		return nil, err
	}
	if ta, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		if addr, ok := netip.AddrFromSlice(ta.IP); ok && p.sess.guard.DeniedAddr(addr.Unmap()) {
			conn.Close()
			return nil, fmt.Errorf("resolved address %s in denied range", ta.IP)
		}
	}
	return conn, nil
}
