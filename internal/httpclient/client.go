package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/torosent/httpauth/internal/config"
	"github.com/torosent/httpauth/internal/el"
	"github.com/torosent/httpauth/internal/proxy"
)

// Fixed outbound headers.
const (
	HeaderUserAgent        = "User-Agent"
	HeaderRequestID        = "X-Gravitee-Request-Id"
	headerTransferEncoding = "Transfer-Encoding"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
)

// ErrClientClosed is returned by Do after Close.
var ErrClientClosed = errors.New("http client closed")

// Options are the connection settings derived once at start. They are
// immutable and shared by every client.
type Options struct {
	Target         config.Target
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	Proxy          *proxy.Options
}

// NewOptions binds target and proxy with the default timeouts.
func NewOptions(target config.Target, p *proxy.Options) Options {
	return Options{
		Target:         target,
		ConnectTimeout: DefaultConnectTimeout,
		IdleTimeout:    DefaultIdleTimeout,
		Proxy:          p,
	}
}

// Client is a reusable HTTP client bound to one set of Options.
type Client struct {
	opts      Options
	http      *http.Client
	transport *http.Transport

	mu     sync.RWMutex
	closed bool
}

// NewClient builds a client for opts. TLS targets are trusted without
// certificate or host verification.
func NewClient(opts Options) (*Client, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}

	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       opts.IdleTimeout,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if opts.Target.TLS {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
			ServerName:         opts.Target.Host,
		}
	}
	if err := opts.Proxy.Configure(transport, dialer); err != nil {
		return nil, fmt.Errorf("configure proxy: %w", err)
	}

	return &Client{
		opts:      opts,
		transport: transport,
		http:      &http.Client{Transport: transport},
	}, nil
}

// Options returns the settings the client was built with.
func (c *Client) Options() Options {
	return c.opts
}

// Do sends req. Cancellation and deadlines come from req's context.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClientClosed
	}
	return c.http.Do(req)
}

// Close releases idle connections. Closing an already closed client is a
// no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.transport.CloseIdleConnections()
	return nil
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// SkipFunc is told about a header or body whose expression could not be
// resolved. The field is left out of the request.
type SkipFunc func(field string, err error)

// RequestBuilder turns a resource definition into outbound requests.
type RequestBuilder struct {
	method    string
	target    string
	userAgent string
	headers   []config.Header
	body      string
}

// NewRequestBuilder validates cfg and fixes the static part of the request.
func NewRequestBuilder(cfg *config.Resource, userAgent string) (*RequestBuilder, error) {
	if cfg == nil {
		return nil, errors.New("resource cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	target, err := config.ParseTarget(cfg.URL)
	if err != nil {
		return nil, err
	}
	method, err := config.ParseMethod(string(cfg.Method))
	if err != nil {
		return nil, err
	}
	verb, err := method.Verb(cfg.CustomMethod)
	if err != nil {
		return nil, err
	}

	headers := make([]config.Header, 0, len(cfg.Headers))
	for _, h := range cfg.Headers {
		headers = append(headers, config.Header{
			Name:  http.CanonicalHeaderKey(strings.TrimSpace(h.Name)),
			Value: h.Value,
		})
	}

	return &RequestBuilder{
		method:    verb,
		target:    target.URL.String(),
		userAgent: userAgent,
		headers:   headers,
		body:      cfg.Body,
	}, nil
}

// Method returns the verb sent on the wire.
func (b *RequestBuilder) Method() string {
	return b.method
}

// Build assembles one request. Header values and the body are resolved with
// engine; failures are reported to skip and never abort the build.
func (b *RequestBuilder) Build(ctx context.Context, engine *el.Engine, skip SkipFunc) (*http.Request, error) {
	if b == nil {
		return nil, errors.New("builder cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if skip == nil {
		skip = func(string, error) {}
	}

	source := NewBodySource(b.resolveBody(engine, skip))
	reader, err := source.NewReader()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, b.method, b.target, reader)
	if err != nil {
		_ = reader.Close()
		return nil, err
	}

	req.Header.Set(HeaderUserAgent, b.userAgent)
	req.Header.Set(HeaderRequestID, ulid.Make().String())

	// A configured User-Agent or request id replaces the default once; every
	// configured entry is added, so repeated names keep all their values.
	overridden := make(map[string]bool, 2)
	for _, h := range b.headers {
		value, err := engine.GetString(h.Value)
		if err != nil {
			skip("header "+h.Name, err)
			continue
		}
		if strings.ContainsAny(value, "\r\n") {
			skip("header "+h.Name, fmt.Errorf("invalid header value for %s", h.Name))
			continue
		}
		name := http.CanonicalHeaderKey(h.Name)
		if (name == HeaderUserAgent || name == HeaderRequestID) && !overridden[name] {
			req.Header.Del(name)
			overridden[name] = true
		}
		req.Header.Add(name, value)
	}

	if length, ok := source.ContentLength(); ok && length > 0 {
		req.Header.Del(headerTransferEncoding)
		req.TransferEncoding = nil
		req.ContentLength = length
		req.GetBody = source.NewReader
	}
	return req, nil
}

func (b *RequestBuilder) resolveBody(engine *el.Engine, skip SkipFunc) []byte {
	if b.body == "" {
		return nil
	}
	body, err := engine.GetString(b.body)
	if err != nil {
		skip("body", err)
		return nil
	}
	return []byte(body)
}

// ReadBody reads at most limit bytes of resp's body and closes it.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return data, nil
}
