// Package resource implements the HTTP authentication provider: one templated
// outbound request per authentication, judged by a boolean condition over the
// response.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/torosent/httpauth/internal/auth"
	"github.com/torosent/httpauth/internal/config"
	"github.com/torosent/httpauth/internal/httpclient"
	"github.com/torosent/httpauth/internal/lanes"
	"github.com/torosent/httpauth/internal/metrics"
	"github.com/torosent/httpauth/internal/node"
	"github.com/torosent/httpauth/internal/pool"
	"github.com/torosent/httpauth/internal/proxy"
	"github.com/torosent/httpauth/internal/tracing"
)

const (
	// DefaultTimeout bounds a single authentication from request build to
	// condition evaluation.
	DefaultTimeout = 30 * time.Second

	// MaxResponseBytes caps the buffered upstream body.
	MaxResponseBytes = 1 << 20

	// Template variables bound before every call.
	VarUsername = "username"
	VarPassword = "password"
)

// laneless keys the client used by calls made outside any lane. Lanes key by
// pointer, so lanes of different runtimes never share a client.
type laneless struct{}

// ErrNotStarted is logged when Authenticate runs before Start or after Stop.
var ErrNotStarted = errors.New("http authentication provider not started")

var _ auth.Provider = (*HTTPProvider)(nil)

// Option configures an HTTPProvider.
type Option func(*HTTPProvider)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *HTTPProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *HTTPProvider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithProperties sets the node property source consulted for the system
// proxy.
func WithProperties(props proxy.PropertySource) Option {
	return func(p *HTTPProvider) {
		p.props = props
	}
}

// WithNode sets the hosting node used for the User-Agent header.
func WithNode(n node.Node) Option {
	return func(p *HTTPProvider) {
		p.node = n
	}
}

// WithTracing exports a span per probe and, when enabled, propagates trace
// context upstream.
func WithTracing(t *tracing.Provider) Option {
	return func(p *HTTPProvider) {
		p.tracing = t
	}
}

// Observer is told the outcome and latency of every finished authentication,
// just before the handler runs.
type Observer func(outcome metrics.Outcome, latency time.Duration)

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(p *HTTPProvider) {
		p.observer = o
	}
}

// HTTPProvider authenticates credentials against a remote HTTP endpoint.
type HTTPProvider struct {
	cfg      *config.Resource
	logger   *slog.Logger
	timeout  time.Duration
	props    proxy.PropertySource
	node     node.Node
	tracing  *tracing.Provider
	observer Observer

	mu      sync.RWMutex
	started bool
	builder *httpclient.RequestBuilder
	options httpclient.Options
	limiter *rate.Limiter
	clients *pool.ClientPool
}

// NewHTTPProvider creates a provider for cfg. It does nothing until Start.
func NewHTTPProvider(cfg *config.Resource, opts ...Option) *HTTPProvider {
	p := &HTTPProvider{
		cfg:     cfg,
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		node:    node.New(config.Node{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start derives the connection target from the configured URL and validates
// the definition. Configuration errors are fatal; an unusable system proxy is
// logged and ignored.
func (p *HTTPProvider) Start(ctx context.Context) error {
	if p.cfg == nil {
		return errors.New("resource configuration is required")
	}

	target, err := config.ParseTarget(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("start http authentication provider: %w", err)
	}
	builder, err := httpclient.NewRequestBuilder(p.cfg, p.node.UserAgent())
	if err != nil {
		return fmt.Errorf("start http authentication provider: %w", err)
	}

	var proxyOpts *proxy.Options
	if p.cfg.UseSystemProxy {
		proxyOpts = proxy.Resolve(p.props, p.cfg.URL, p.logger)
	}

	var limiter *rate.Limiter
	if n := p.cfg.MaxRequestsPerSecond; n > 0 {
		limiter = rate.NewLimiter(rate.Limit(n), n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	p.builder = builder
	p.options = httpclient.NewOptions(target, proxyOpts)
	p.limiter = limiter
	p.clients = pool.NewClientPool()
	p.started = true

	p.logger.Info("http authentication provider started",
		"url", target.URL.Redacted(),
		"method", builder.Method(),
		"tls", target.TLS,
		"proxy", proxyOpts.String())
	return nil
}

// Stop closes every pooled client. It never fails and may be called
// repeatedly.
func (p *HTTPProvider) Stop(ctx context.Context) error {
	p.mu.Lock()
	clients := p.clients
	p.started = false
	p.mu.Unlock()

	if clients == nil {
		return nil
	}
	n, err := clients.Close()
	if err != nil {
		p.logger.Warn("closing http clients", "error", err)
	}
	metrics.PooledClients.Sub(float64(n))
	return nil
}

// Authenticate issues the configured request for username and password and
// reports the result to handler exactly once. When ec's context carries a
// lane the handler runs on that lane.
func (p *HTTPProvider) Authenticate(username, password string, ec auth.ExecutionContext, handler auth.Handler) {
	started := time.Now()
	var lane *lanes.Lane
	if ec != nil {
		lane = lanes.FromContext(ec.Context())
	}
	d := &delivery{handler: handler, lane: lane, logger: p.logger, observer: p.observer}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("authentication panicked", "panic", r)
			d.fail(metrics.OutcomeTransportError, started)
		}
	}()

	p.mu.RLock()
	ready := p.started
	builder, limiter, clients, opts := p.builder, p.limiter, p.clients, p.options
	p.mu.RUnlock()

	if !ready {
		p.logger.Warn("authentication rejected", "error", ErrNotStarted)
		d.fail(metrics.OutcomeTransportError, started)
		return
	}
	if ec == nil || ec.TemplateEngine() == nil {
		p.logger.Warn("authentication rejected", "error", "execution context has no template engine")
		d.fail(metrics.OutcomeTransportError, started)
		return
	}

	client, err := p.clientFor(clients, opts, lane)
	if err != nil {
		p.logger.Warn("http client unavailable", "error", err)
		d.fail(metrics.OutcomeTransportError, started)
		return
	}

	engine := ec.TemplateEngine()
	engine.TemplateContext().SetVariable(VarUsername, username)
	engine.TemplateContext().SetVariable(VarPassword, password)

	p.logger.Debug("authenticate user", "url", p.cfg.URL)

	ctx, cancel := context.WithTimeout(ec.Context(), p.timeout)
	ctx, span := tracing.StartProbeSpan(ctx, p.tracing.Tracer(), builder.Method(), p.cfg.URL)

	req, err := builder.Build(ctx, engine, p.skip)
	if err != nil {
		cancel()
		tracing.EndSpan(span, err)
		p.logger.Warn("building authentication request", "error", err)
		d.fail(metrics.OutcomeTransportError, started)
		return
	}
	if p.tracing.ShouldPropagate() {
		tracing.InjectHTTPHeaders(ctx, req.Header)
	}
	requestID := req.Header.Get(httpclient.HeaderRequestID)
	span.SetAttributes(tracing.AttrRequestID.String(requestID))

	ex := &exchange{
		provider:  p,
		delivery:  d,
		username:  username,
		requestID: requestID,
		started:   started,
	}
	go ex.run(ctx, cancel, span, client, limiter, req, engine)
}

func (p *HTTPProvider) clientFor(clients *pool.ClientPool, opts httpclient.Options, lane *lanes.Lane) (*httpclient.Client, error) {
	var key any = laneless{}
	name := "none"
	if lane != nil {
		key, name = lane, lane.String()
	}
	c, created, err := clients.Get(key, func() (pool.Poolable, error) {
		return httpclient.NewClient(opts)
	})
	if err != nil {
		return nil, err
	}
	if created {
		metrics.PooledClients.Inc()
		p.logger.Debug("created http client", "lane", name)
	}
	return c.(*httpclient.Client), nil
}

func (p *HTTPProvider) skip(field string, err error) {
	kind, _, _ := strings.Cut(field, " ")
	metrics.SkippedFieldsTotal.WithLabelValues(kind).Inc()
	p.logger.Debug("skipping request field", "field", field, "error", err)
}

// PooledClients returns the number of live clients.
func (p *HTTPProvider) PooledClients() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.clients == nil {
		return 0
	}
	return p.clients.Len()
}
