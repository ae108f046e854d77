// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxypool

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bufbuild/proxypool/descriptor"
	xproxy "golang.org/x/net/proxy"
)

//nolint:gochecknoglobals
var defaultDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

// transportCache builds and caches one transport per proxy descriptor. A
// descriptor's transport injects the proxy address, the credentials (on the
// proxy-authentication channel only), and the TLS trust settings into every
// attempt routed through it.
type transportCache struct {
	mu sync.Mutex
	// +checklocks:mu
	transports map[string]*http.Transport

	dialFunc            func(ctx context.Context, network, addr string) (net.Conn, error)
	tlsClientConfig     *tls.Config
	tlsHandshakeTimeout time.Duration
}

func newTransportCache(opts *dispatcherOptions) *transportCache {
	return &transportCache{
		transports:          map[string]*http.Transport{},
		dialFunc:            opts.dialFunc,
		tlsClientConfig:     opts.tlsClientConfig,
		tlsHandshakeTimeout: opts.tlsHandshakeTimeout,
	}
}

func (c *transportCache) get(desc descriptor.Descriptor) (http.RoundTripper, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if transport, ok := c.transports[desc.Key()]; ok {
		return transport, nil
	}
	transport, err := c.build(desc)
	if err != nil {
		return nil, err
	}
	c.transports[desc.Key()] = transport
	return transport, nil
}

func (c *transportCache) build(desc descriptor.Descriptor) (*http.Transport, error) {
	tlsConfig, err := c.tlsConfigFor(desc)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		DialContext:            c.dialFunc,
		TLSClientConfig:        tlsConfig,
		TLSHandshakeTimeout:    c.tlsHandshakeTimeout,
		MaxResponseHeaderBytes: 1 << 20,
		IdleConnTimeout:        90 * time.Second,
		MaxIdleConnsPerHost:    4,
	}
	switch desc.Scheme() {
	case descriptor.SchemeHTTP, descriptor.SchemeHTTPS:
		// The userinfo of the proxy URL is how net/http carries proxy
		// credentials: it derives the Proxy-Authorization header from it,
		// both for plain requests and for CONNECT tunnels. The target URL
		// is never touched.
		transport.Proxy = http.ProxyURL(desc.URL())
	case descriptor.SchemeSOCKS5:
		socksDialer, err := socks5Dialer(desc, c.dialFunc)
		if err != nil {
			return nil, err
		}
		transport.DialContext = socksDialer
	default:
		return nil, fmt.Errorf("%w; got %q", descriptor.ErrInvalidScheme, desc.Scheme())
	}
	return transport, nil
}

func (c *transportCache) tlsConfigFor(desc descriptor.Descriptor) (*tls.Config, error) {
	var tlsConfig *tls.Config
	if c.tlsClientConfig != nil {
		tlsConfig = c.tlsClientConfig.Clone()
	} else {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	anchor := desc.TrustAnchor()
	if path := desc.TrustAnchorFile(); anchor == nil && path != "" {
		anchor, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading trust anchor %s: %w", path, err)
		}
		return withTrustAnchor(tlsConfig, anchor, path)
	}
	if anchor != nil {
		return withTrustAnchor(tlsConfig, anchor, "descriptor")
	}
	if desc.InsecureSkipVerify() {
		tlsConfig.InsecureSkipVerify = true
	}
	return tlsConfig, nil
}

func withTrustAnchor(tlsConfig *tls.Config, anchor []byte, source string) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(anchor) {
		return nil, fmt.Errorf("trust anchor from %s contains no usable certificates", source)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// closeIdle releases pooled connections held by every cached transport.
func (c *transportCache) closeIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, transport := range c.transports {
		transport.CloseIdleConnections()
	}
}

// socks5Dialer returns a DialContext that tunnels through the descriptor's
// SOCKS5 endpoint, authenticating when the descriptor carries credentials.
func socks5Dialer(
	desc descriptor.Descriptor,
	forward func(ctx context.Context, network, addr string) (net.Conn, error),
) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	var auth *xproxy.Auth
	if username, password, ok := desc.Credentials(); ok {
		auth = &xproxy.Auth{User: username, Password: password}
	}
	dialer, err := xproxy.SOCKS5("tcp", desc.Address(), auth, contextDialerFunc(forward))
	if err != nil {
		return nil, fmt.Errorf("building socks5 dialer for %s: %w", desc, err)
	}
	contextDialer, ok := dialer.(xproxy.ContextDialer)
	if !ok {
		// The x/net socks5 dialer implements ContextDialer; this is belt
		// and braces against a future change.
		return func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}, nil
	}
	return contextDialer.DialContext, nil
}

type contextDialerFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func (f contextDialerFunc) Dial(network, addr string) (net.Conn, error) {
	return f(context.Background(), network, addr)
}

func (f contextDialerFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

// classifyError maps a transport-level error to an [ErrorKind]. The
// mapping is necessarily heuristic for proxy authentication: net/http and
// the SOCKS5 dialer report credential rejections as opaque error strings.
func classifyError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}

	var certVerifyErr *tls.CertificateVerificationError
	var unknownAuthorityErr x509.UnknownAuthorityError
	var certInvalidErr x509.CertificateInvalidError
	var hostnameErr x509.HostnameError
	var recordHeaderErr tls.RecordHeaderError
	if errors.As(err, &certVerifyErr) ||
		errors.As(err, &unknownAuthorityErr) ||
		errors.As(err, &certInvalidErr) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &recordHeaderErr) {
		return ErrorKindTLS
	}

	msg := err.Error()
	// A CONNECT tunnel rejected with 407 surfaces as an error whose text
	// is the proxy's status line; the SOCKS5 dialer reports credential
	// rejections in prose. The status code match is anchored so that a
	// dial error mentioning a port like 40712 does not look like a 407.
	if strings.Contains(msg, "Proxy Authentication Required") ||
		strings.HasPrefix(msg, "407 ") ||
		strings.Contains(msg, " 407 ") ||
		strings.Contains(strings.ToLower(msg), "authentication failed") {
		return ErrorKindAuth
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorKindTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// "proxyconnect" is net/http's marker for failing to reach the
		// proxy itself; plain dial errors from the SOCKS5 path land here
		// too.
		return ErrorKindConnect
	}
	if strings.Contains(msg, "socks connect") || strings.Contains(msg, "proxyconnect") {
		return ErrorKindConnect
	}

	return ErrorKindUnknown
}

// classifyResponse inspects a received response for proxy- or
// target-attributable failures. It returns ErrorKindUnknown when the
// response is a plain success to hand back to the caller.
func classifyResponse(resp *http.Response) (ErrorKind, bool) {
	switch {
	case resp.StatusCode == http.StatusProxyAuthRequired:
		return ErrorKindAuth, true
	case resp.StatusCode >= 500:
		return ErrorKindUpstream, true
	default:
		return ErrorKindUnknown, false
	}
}
