package netguard

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/quantgate/quantgate/internal/policy"
)

// proxiedClient builds an HTTP client routing through the proxy.
func proxiedClient(t *testing.T, p *Proxy) *http.Client {
	t.Helper()
	proxyURL, err := url.Parse(p.URL())
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{Transport: &http.Transport{
		Proxy:           http.ProxyURL(proxyURL),
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
}

func TestProxyForwardsAllowedHTTP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("upstream ok"))
	}))
	defer upstream.Close()

	// No deny ranges: the upstream lives on loopback in this test.
	sess := newGuard(t, policy.NetworkConfig{
		AllowHosts: []string{upstream.Listener.Addr().String()},
	}).Session()
	p, err := StartProxy(sess, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	resp, err := proxiedClient(t, p).Get(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "upstream ok" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}

	traffic := sess.Traffic()
	if len(traffic) != 1 || !traffic[0].Allowed {
		t.Errorf("expected one allowed attempt, got %+v", traffic)
	}
}

func TestProxyDeniesUnlistedDestination(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("denied destination must never be dialed")
	}))
	defer upstream.Close()

	sess := newGuard(t, policy.NetworkConfig{
		AllowHosts: []string{"pypi.org:443"},
	}).Session()
	p, err := StartProxy(sess, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	resp, err := proxiedClient(t, p).Get(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 from proxy, got %d", resp.StatusCode)
	}
	if sess.Denials() != 1 {
		t.Errorf("expected 1 recorded denial, got %d", sess.Denials())
	}
}

func TestProxyTunnelsAllowedTLS(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tls ok"))
	}))
	defer upstream.Close()

	sess := newGuard(t, policy.NetworkConfig{
		AllowHosts: []string{upstream.Listener.Addr().String()},
	}).Session()
	p, err := StartProxy(sess, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	resp, err := proxiedClient(t, p).Get(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "tls ok" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
}

func TestProxyDialRefusesDeniedRange(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("connection into a denied range must be cut")
	}))
	defer upstream.Close()

	// "localhost" passes the hostname allow-list but resolves into the
	// denied loopback range; the post-dial check must cut it.
	_, portStr, err := net.SplitHostPort(upstream.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	sess := newGuard(t, policy.NetworkConfig{
		AllowHosts: []string{"localhost:" + portStr},
		DenyCIDRs:  []string{"127.0.0.0/8", "::1/128"},
	}).Session()
	p, err := StartProxy(sess, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	resp, err := proxiedClient(t, p).Get("http://localhost:" + portStr)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 from proxy, got %d", resp.StatusCode)
	}
}

func TestSessionsDoNotShareState(t *testing.T) {
	g := newGuard(t, policy.NetworkConfig{DenialFlagging: 2})
	a, b := g.Session(), g.Session()
	a.IsAllowed("example.com:443")
	a.IsAllowed("example.com:443")
	if _, flagged := a.Violation(); !flagged {
		t.Error("first session must be flagged")
	}
	if _, flagged := b.Violation(); flagged {
		t.Error("second session must start clean")
	}
}
