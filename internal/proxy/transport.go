// Package proxy provides an HTTP transport that tunnels TLS connections
// through a forward proxy with a manual CONNECT handshake. RPC traffic has to
// traverse corporate or residential proxies in some deployments, and those
// proxies only speak CONNECT.
package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrTunnel marks any failure establishing the CONNECT tunnel: proxy socket
// errors, a non-200 CONNECT response, or a failed TLS handshake afterwards.
var ErrTunnel = errors.New("proxy tunnel")

// proxyEnvVars is the precedence order checked when no proxy is configured
// explicitly.
var proxyEnvVars = []string{"HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy"}

// Factory builds HTTP transports, caching the tunneling transport keyed by
// proxy URL so repeated lookups reuse the same connection pool. The cache is
// rebuilt only when the resolved proxy URL changes.
type Factory struct {
	mu      sync.Mutex
	lastURL string
	lastRT  http.RoundTripper
}

func NewFactory() *Factory {
	return &Factory{}
}

// Transport resolves the proxy configuration and returns a transport for it.
// An explicit non-empty URL wins; otherwise the standard proxy environment
// variables are consulted in precedence order. With no proxy configured the
// platform default transport is returned unchanged.
func (f *Factory) Transport(explicit string) (http.RoundTripper, error) {
	proxyURL := resolveProxyURL(explicit)
	if proxyURL == "" {
		return http.DefaultTransport, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if proxyURL == f.lastURL && f.lastRT != nil {
		return f.lastRT, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse proxy url %q: missing host", proxyURL)
	}
	d := &tunnelDialer{proxy: u}
	rt := &http.Transport{
		DialTLSContext:      d.DialTLSContext,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	f.lastURL = proxyURL
	f.lastRT = rt
	return rt, nil
}

// Client wraps Transport in an http.Client carrying the request timeout.
func (f *Factory) Client(explicit string, timeout time.Duration) (*http.Client, error) {
	rt, err := f.Transport(explicit)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: rt, Timeout: timeout}, nil
}

func resolveProxyURL(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, key := range proxyEnvVars {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// tunnelDialer opens TLS connections through one proxy. tlsConfig is a test
// seam; nil means certificate validation against the target hostname.
type tunnelDialer struct {
	proxy     *url.URL
	tlsConfig *tls.Config
}

func (d *tunnelDialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var nd net.Dialer
	raw, err := nd.DialContext(ctx, "tcp", proxyHostPort(d.proxy))
	if err != nil {
		return nil, fmt.Errorf("%w: dial proxy: %v", ErrTunnel, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		raw.SetDeadline(deadline)
	}

	br, err := d.connect(raw, addr)
	if err != nil {
		raw.Close()
		return nil, err
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	cfg := d.tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}

	// The reader may have buffered bytes that arrived after the CONNECT
	// response headers; hand them to TLS ahead of the socket.
	tc := tls.Client(&bufferedConn{Conn: raw, r: br}, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: tls handshake: %v", ErrTunnel, err)
	}
	raw.SetDeadline(time.Time{})
	return tc, nil
}

// connect performs the CONNECT exchange on an open proxy socket and returns
// the reader positioned after the response header block.
func (d *tunnelDialer) connect(conn net.Conn, target string) (*bufio.Reader, error) {
	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&req, "Host: %s\r\n", target)
	if d.proxy.User != nil {
		pass, _ := d.proxy.User.Password()
		creds := d.proxy.User.Username() + ":" + pass
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", base64.StdEncoding.EncodeToString([]byte(creds)))
	}
	req.WriteString("\r\n")
	if _, err := conn.Write([]byte(req.String())); err != nil {
		return nil, fmt.Errorf("%w: write CONNECT: %v", ErrTunnel, err)
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: read CONNECT response: %v", ErrTunnel, err)
	}
	code, err := statusCode(status)
	if err != nil {
		return nil, err
	}
	// Drain the remaining headers up to the blank line.
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("%w: read CONNECT headers: %v", ErrTunnel, err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("%w: proxy refused CONNECT: %s", ErrTunnel, strings.TrimSpace(status))
	}
	return br, nil
}

func statusCode(statusLine string) (int, error) {
	fields := strings.Fields(statusLine)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, fmt.Errorf("%w: malformed CONNECT status line %q", ErrTunnel, strings.TrimSpace(statusLine))
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("%w: malformed CONNECT status code %q", ErrTunnel, fields[1])
	}
	return code, nil
}

func proxyHostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// bufferedConn reads through the CONNECT reader so bytes buffered during the
// handshake are not lost, while writes go straight to the socket.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
