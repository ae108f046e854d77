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

package descriptor

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Scheme identifies the protocol spoken to the proxy itself.
type Scheme string

const (
	SchemeHTTP   Scheme = "http"
	SchemeHTTPS  Scheme = "https"
	SchemeSOCKS5 Scheme = "socks5"
)

var (
	// ErrInvalidScheme is returned when a descriptor is created with a
	// scheme other than http, https, or socks5.
	ErrInvalidScheme = errors.New("scheme must be one of http, https, socks5")
	// ErrInvalidCredentials is returned when only one of username and
	// password is supplied. Credentials are both-or-neither.
	ErrInvalidCredentials = errors.New("credentials require both username and password")
	// ErrConflictingTrust is returned when a descriptor carries a trust
	// anchor and also disables verification. Disabling verification must be
	// an explicit, exclusive choice; it is never a fallback for a trust
	// anchor that fails.
	ErrConflictingTrust = errors.New("trust anchor and disabled verification are mutually exclusive")
)

// Descriptor is an immutable description of a single egress proxy endpoint:
// the protocol used to reach it, its address, optional proxy credentials,
// and optional TLS trust settings for HTTPS targets reached through it.
//
// The zero value is not a valid descriptor; use [New] or [Parse].
type Descriptor struct {
	scheme   Scheme
	host     string
	port     int
	username string
	password string
	hasCreds bool
	trustPEM []byte
	trustFile string
	insecure bool
}

// Option customizes a descriptor created by [New].
type Option func(*Descriptor) error

// WithCredentials attaches proxy credentials to the descriptor. The
// credentials are presented to the proxy on the proxy-authentication
// channel only; they are never embedded into target URLs and are redacted
// from [Descriptor.String].
func WithCredentials(username, password string) Option {
	return func(d *Descriptor) error {
		if username == "" || password == "" {
			return ErrInvalidCredentials
		}
		d.username, d.password = username, password
		d.hasCreds = true
		return nil
	}
}

// WithTrustAnchor supplies PEM-encoded CA certificate material used to
// verify TLS targets reached through this proxy, replacing the system
// trust store.
func WithTrustAnchor(pem []byte) Option {
	return func(d *Descriptor) error {
		anchor := make([]byte, len(pem))
		copy(anchor, pem)
		d.trustPEM = anchor
		return nil
	}
}

// WithTrustAnchorFile is like [WithTrustAnchor] but names a file on disk
// holding the PEM material. The file is read when a transport for the
// descriptor is first built, not here.
func WithTrustAnchorFile(path string) Option {
	return func(d *Descriptor) error {
		d.trustFile = path
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification for targets
// reached through this proxy. This is an explicit opt-in and cannot be
// combined with a trust anchor.
func WithInsecureSkipVerify() Option {
	return func(d *Descriptor) error {
		d.insecure = true
		return nil
	}
}

// New creates a descriptor and validates its invariants: a known scheme, a
// non-empty host, a port in [1, 65535], both-or-neither credentials, and at
// most one of trust anchor or disabled verification.
func New(scheme Scheme, host string, port int, opts ...Option) (Descriptor, error) {
	switch scheme {
	case SchemeHTTP, SchemeHTTPS, SchemeSOCKS5:
	default:
		return Descriptor{}, fmt.Errorf("%w; got %q", ErrInvalidScheme, scheme)
	}
	if host == "" {
		return Descriptor{}, errors.New("host must not be empty")
	}
	if port < 1 || port > 65535 {
		return Descriptor{}, fmt.Errorf("port must be in [1, 65535]; got %d", port)
	}
	desc := Descriptor{scheme: scheme, host: host, port: port}
	for _, opt := range opts {
		if err := opt(&desc); err != nil {
			return Descriptor{}, err
		}
	}
	if (desc.trustPEM != nil || desc.trustFile != "") && desc.insecure {
		return Descriptor{}, ErrConflictingTrust
	}
	return desc, nil
}

// Parse creates a descriptor from a string in the form
// "scheme://[username:password@]host:port", the format used in pool
// configuration.
func Parse(raw string) (Descriptor, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return Descriptor{}, fmt.Errorf("invalid proxy address %q: %w", raw, err)
	}
	portStr := parsed.Port()
	if portStr == "" {
		return Descriptor{}, fmt.Errorf("proxy address %q must include a port", raw)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Descriptor{}, fmt.Errorf("invalid port in proxy address %q: %w", raw, err)
	}
	var opts []Option
	if user := parsed.User; user != nil {
		password, _ := user.Password()
		opts = append(opts, WithCredentials(user.Username(), password))
	}
	return New(Scheme(parsed.Scheme), parsed.Hostname(), port, opts...)
}

// Scheme returns the protocol spoken to the proxy.
func (d Descriptor) Scheme() Scheme {
	return d.scheme
}

// Host returns the proxy hostname or IP.
func (d Descriptor) Host() string {
	return d.host
}

// Port returns the proxy port.
func (d Descriptor) Port() int {
	return d.port
}

// Address returns the "host:port" of the proxy.
func (d Descriptor) Address() string {
	return net.JoinHostPort(d.host, strconv.Itoa(d.port))
}

// Credentials returns the proxy credentials and whether any are set.
func (d Descriptor) Credentials() (username, password string, ok bool) {
	return d.username, d.password, d.hasCreds
}

// TrustAnchor returns the PEM trust material attached to the descriptor, or
// nil if none was attached inline.
func (d Descriptor) TrustAnchor() []byte {
	if d.trustPEM == nil {
		return nil
	}
	anchor := make([]byte, len(d.trustPEM))
	copy(anchor, d.trustPEM)
	return anchor
}

// TrustAnchorFile returns the path of the trust anchor file, if any.
func (d Descriptor) TrustAnchorFile() string {
	return d.trustFile
}

// InsecureSkipVerify reports whether TLS verification is explicitly
// disabled for this descriptor.
func (d Descriptor) InsecureSkipVerify() bool {
	return d.insecure
}

// URL returns the proxy endpoint as a URL, including userinfo when
// credentials are present. This is the value handed to an HTTP transport's
// proxy function, which derives the Proxy-Authorization header from the
// userinfo. It is never used as a target URL. Do not log the result; use
// [Descriptor.String] for diagnostics.
func (d Descriptor) URL() *url.URL {
	proxyURL := &url.URL{
		Scheme: string(d.scheme),
		Host:   d.Address(),
	}
	if d.hasCreds {
		proxyURL.User = url.UserPassword(d.username, d.password)
	}
	return proxyURL
}

// Key returns the descriptor's identity. Two descriptors with the same
// scheme, host, port, and credentials are the same pool entry.
func (d Descriptor) Key() string {
	key := string(d.scheme) + "://" + d.Address()
	if d.hasCreds {
		key += "|" + d.username + ":" + d.password
	}
	return key
}

// Equal reports whether two descriptors have the same identity. Trust
// settings do not participate in identity.
func (d Descriptor) Equal(other Descriptor) bool {
	return d.Key() == other.Key()
}

// String renders the descriptor for diagnostics, redacting the password.
func (d Descriptor) String() string {
	if !d.hasCreds {
		return string(d.scheme) + "://" + d.Address()
	}
	return string(d.scheme) + "://" + d.username + ":xxxxx@" + d.Address()
}
