package resource

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"

	"github.com/torosent/httpauth/internal/auth"
	"github.com/torosent/httpauth/internal/config"
	"github.com/torosent/httpauth/internal/el"
	"github.com/torosent/httpauth/internal/httpclient"
	"github.com/torosent/httpauth/internal/lanes"
	"github.com/torosent/httpauth/internal/metrics"
	"github.com/torosent/httpauth/internal/node"
	"github.com/torosent/httpauth/internal/pool"
	"github.com/torosent/httpauth/internal/proxy"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu      sync.Mutex
	calls   int
	results chan auth.Result
}

func newRecorder() *recorder {
	return &recorder{results: make(chan auth.Result, 8)}
}

func (r *recorder) handle(res auth.Result) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	r.results <- res
}

func (r *recorder) wait(t *testing.T) auth.Result {
	t.Helper()
	select {
	case res := <-r.results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
		return auth.Result{}
	}
}

func (r *recorder) assertCalledOnce(t *testing.T) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls != 1 {
		t.Errorf("handler called %d times, want 1", r.calls)
	}
}

func newExecutionContext(t *testing.T, ctx context.Context) auth.ExecutionContext {
	t.Helper()
	ev, err := el.NewTemplateEvaluator(0)
	if err != nil {
		t.Fatalf("NewTemplateEvaluator() error = %v", err)
	}
	return auth.NewExecutionContext(ctx, el.NewEngine(ev))
}

func startProvider(t *testing.T, cfg *config.Resource, opts ...Option) *HTTPProvider {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	p := NewHTTPProvider(cfg, opts...)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func authenticate(t *testing.T, p *HTTPProvider, username, password string) auth.Result {
	t.Helper()
	rec := newRecorder()
	p.Authenticate(username, password, newExecutionContext(t, context.Background()), rec.handle)
	res := rec.wait(t)
	rec.assertCalledOnce(t)
	return res
}

type captured struct {
	method        string
	body          string
	contentLength int64
	header        http.Header
}

func captureServer(t *testing.T, status int, respBody string) (*httptest.Server, <-chan captured) {
	t.Helper()
	ch := make(chan captured, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- captured{method: r.Method, body: string(body), contentLength: r.ContentLength, header: r.Header.Clone()}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respBody)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func loginResource(url string) *config.Resource {
	return &config.Resource{
		URL:       url,
		Method:    config.MethodPost,
		Body:      "user=#{username}&pass=#{password}",
		Condition: "#{authResponse.status == 200}",
	}
}

func TestAuthenticateByStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"ok grants", http.StatusOK, true},
		{"unauthorized denies", http.StatusUnauthorized, false},
		{"server error denies", http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, seen := captureServer(t, tt.status, "")
			p := startProvider(t, loginResource(srv.URL+"/login"), WithNode(node.Node{ID: "n1", Name: "gw", Version: "1.0", Hostname: "edge"}))

			res := authenticate(t, p, "alice", "s3cret")
			if res.IsAuthenticated() != tt.want {
				t.Fatalf("result = %v, want authenticated=%v", res, tt.want)
			}
			if tt.want && res.Identity.Username != "alice" {
				t.Errorf("identity = %q, want alice", res.Identity.Username)
			}

			req := <-seen
			if req.method != http.MethodPost {
				t.Errorf("method = %s, want POST", req.method)
			}
			wantBody := "user=alice&pass=s3cret"
			if req.body != wantBody {
				t.Errorf("body = %q, want %q", req.body, wantBody)
			}
			if req.contentLength != int64(len(wantBody)) {
				t.Errorf("Content-Length = %d, want %d", req.contentLength, len(wantBody))
			}
			if got := req.header.Get("Transfer-Encoding"); got != "" {
				t.Errorf("Transfer-Encoding = %q, want none", got)
			}
			if got := req.header.Get("User-Agent"); got != "gw/1.0 (edge; n1)" {
				t.Errorf("User-Agent = %q", got)
			}
			if _, err := ulid.Parse(req.header.Get(httpclient.HeaderRequestID)); err != nil {
				t.Errorf("%s = %q: %v", httpclient.HeaderRequestID, req.header.Get(httpclient.HeaderRequestID), err)
			}
		})
	}
}

func TestHeaderExpressionFailureSkipsOnlyThatHeader(t *testing.T) {
	srv, seen := captureServer(t, http.StatusOK, "")
	cfg := &config.Resource{
		URL: srv.URL,
		Headers: []config.Header{
			{Name: "X-A", Value: "#{username}"},
			{Name: "X-B", Value: "#{undefinedVar}"},
		},
		Condition: "#{authResponse.status == 200}",
	}
	p := startProvider(t, cfg)

	if res := authenticate(t, p, "alice", "pw"); !res.IsAuthenticated() {
		t.Fatalf("result = %v, want authenticated", res)
	}
	req := <-seen
	if req.method != http.MethodGet {
		t.Errorf("method = %s, want GET", req.method)
	}
	if got := req.header.Get("X-A"); got != "alice" {
		t.Errorf("X-A = %q, want alice", got)
	}
	if _, ok := req.header["X-B"]; ok {
		t.Error("X-B should not be sent")
	}
}

func TestConditionOutcomes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"active":true,"user":"alice"}`)
	}))
	defer srv.Close()

	tests := []struct {
		name      string
		condition string
		want      bool
	}{
		{"json field", "#{authResponse.json.active == true}", true},
		{"content compare", `#{authResponse.status == 200 and authResponse.json.user == "alice"}`, true},
		{"false condition", "#{authResponse.status == 204}", false},
		{"status at least", "#{authResponse.status >= 200}", true},
		{"success range", "#{authResponse.status >= 200 and authResponse.status < 300}", true},
		{"bracketed header", `#{authResponse.headers["Content-Type"] == "application/json"}`, true},
		{"unknown selector", "#{authResponse.missing}", false},
		{"non boolean", "#{authResponse.content}", false},
		{"syntax error", "#{authResponse.status ==}", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := startProvider(t, &config.Resource{URL: srv.URL, Condition: tt.condition})
			if res := authenticate(t, p, "alice", "pw"); res.IsAuthenticated() != tt.want {
				t.Errorf("result = %v, want authenticated=%v", res, tt.want)
			}
		})
	}
}

func TestObserverSeesOutcome(t *testing.T) {
	srv, _ := captureServer(t, http.StatusUnauthorized, "")

	var (
		mu       sync.Mutex
		outcomes []metrics.Outcome
	)
	observe := func(o metrics.Outcome, d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, o)
		if d <= 0 {
			t.Errorf("latency = %v, want > 0", d)
		}
	}
	p := startProvider(t, loginResource(srv.URL), WithObserver(observe))

	if res := authenticate(t, p, "alice", "wrong"); res.IsAuthenticated() {
		t.Fatalf("result = %v, want unauthenticated", res)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 1 || outcomes[0] != metrics.OutcomeDenied {
		t.Errorf("outcomes = %v, want [%s]", outcomes, metrics.OutcomeDenied)
	}
}

func TestTimeoutYieldsUnauthenticatedAndReleasesConnection(t *testing.T) {
	released := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		close(released)
	}))
	defer srv.Close()

	p := startProvider(t, &config.Resource{URL: srv.URL, Condition: "#{true}"}, WithTimeout(100*time.Millisecond))

	start := time.Now()
	if res := authenticate(t, p, "alice", "pw"); res.IsAuthenticated() {
		t.Fatal("timed out probe authenticated")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Error("server request was not cancelled")
	}
}

func TestTransportFailureYieldsUnauthenticated(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	p := startProvider(t, &config.Resource{URL: "http://" + addr + "/login", Condition: "#{true}"})
	if res := authenticate(t, p, "alice", "pw"); res.IsAuthenticated() {
		t.Fatal("connection refused authenticated")
	}
}

func TestCustomMethod(t *testing.T) {
	srv, seen := captureServer(t, http.StatusMultiStatus, "")
	p := startProvider(t, &config.Resource{
		URL:          srv.URL,
		Method:       config.MethodOther,
		CustomMethod: "propfind",
		Condition:    "#{authResponse.status == 207}",
	})
	if res := authenticate(t, p, "alice", "pw"); !res.IsAuthenticated() {
		t.Fatalf("result = %v", res)
	}
	if req := <-seen; req.method != "PROPFIND" {
		t.Errorf("method = %s, want PROPFIND", req.method)
	}
}

func TestHandlerRunsOnCallerLane(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, "")
	p := startProvider(t, loginResource(srv.URL))

	rt := lanes.New(1, discardLogger())
	defer rt.Close(context.Background())
	lane := rt.Next()

	gate := make(chan struct{})
	rec := newRecorder()
	_ = lane.Submit(func(ctx context.Context) {
		// Queued ahead of the response, so the lane stays busy until gate opens.
		_ = lane.Submit(func(context.Context) { <-gate })
		p.Authenticate("alice", "pw", newExecutionContext(t, ctx), rec.handle)
	})

	select {
	case res := <-rec.results:
		t.Fatalf("handler ran off-lane while lane was busy: %v", res)
	case <-time.After(200 * time.Millisecond):
	}

	close(gate)
	if res := rec.wait(t); !res.IsAuthenticated() {
		t.Fatalf("result = %v", res)
	}
	rec.assertCalledOnce(t)
}

func TestClientsArePooledPerLane(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, "")
	p := startProvider(t, loginResource(srv.URL))

	rt := lanes.New(2, discardLogger())
	defer rt.Close(context.Background())

	run := func(lane *lanes.Lane) {
		rec := newRecorder()
		_ = lane.Submit(func(ctx context.Context) {
			p.Authenticate("alice", "pw", newExecutionContext(t, ctx), rec.handle)
		})
		rec.wait(t)
	}

	run(rt.Lane(0))
	run(rt.Lane(0))
	if got := p.PooledClients(); got != 1 {
		t.Fatalf("PooledClients() after two calls on one lane = %d, want 1", got)
	}

	p.mu.RLock()
	first, _, _ := p.clients.Get(rt.Lane(0), nil)
	p.mu.RUnlock()
	run(rt.Lane(0))
	p.mu.RLock()
	again, _, _ := p.clients.Get(rt.Lane(0), nil)
	p.mu.RUnlock()
	if first != again {
		t.Error("lane 0 client was replaced")
	}

	run(rt.Lane(1))
	if got := p.PooledClients(); got != 2 {
		t.Fatalf("PooledClients() after second lane = %d, want 2", got)
	}

	authenticate(t, p, "alice", "pw")
	if got := p.PooledClients(); got != 3 {
		t.Errorf("PooledClients() with laneless call = %d, want 3", got)
	}
}

func TestLanesOfDifferentRuntimesDoNotShareClients(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, "")
	p := startProvider(t, loginResource(srv.URL))

	a := lanes.New(1, discardLogger())
	defer a.Close(context.Background())
	b := lanes.New(1, discardLogger())
	defer b.Close(context.Background())

	for _, lane := range []*lanes.Lane{a.Lane(0), b.Lane(0)} {
		rec := newRecorder()
		_ = lane.Submit(func(ctx context.Context) {
			p.Authenticate("alice", "pw", newExecutionContext(t, ctx), rec.handle)
		})
		rec.wait(t)
	}
	if got := p.PooledClients(); got != 2 {
		t.Errorf("PooledClients() = %d, want 2", got)
	}
}

func TestNoClientIsCreatedAfterStop(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, "")
	p := startProvider(t, loginResource(srv.URL))

	p.mu.RLock()
	clients, opts := p.clients, p.options
	p.mu.RUnlock()
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if _, err := p.clientFor(clients, opts, nil); !errors.Is(err, pool.ErrClosed) {
		t.Fatalf("clientFor() after Stop error = %v, want pool.ErrClosed", err)
	}
	if clients.Len() != 0 {
		t.Errorf("stale pool holds %d clients", clients.Len())
	}
}

func TestStopIsRepeatable(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, "")
	p := NewHTTPProvider(loginResource(srv.URL), WithLogger(discardLogger()))
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() before Start error = %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	authenticate(t, p, "alice", "pw")

	for i := 0; i < 3; i++ {
		if err := p.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() #%d error = %v", i, err)
		}
	}
	if got := p.PooledClients(); got != 0 {
		t.Errorf("PooledClients() after Stop = %d", got)
	}
	if res := authenticate(t, p, "alice", "pw"); res.IsAuthenticated() {
		t.Error("stopped provider authenticated")
	}
}

func TestStartRejectsBadConfiguration(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.Resource
		want error
	}{
		{"nil", nil, nil},
		{"relative url", &config.Resource{URL: "/login", Condition: "#{true}"}, config.ErrRelativeTargetURL},
		{"unsupported scheme", &config.Resource{URL: "ftp://idp.test", Condition: "#{true}"}, config.ErrUnsupportedScheme},
		{"unknown method", &config.Resource{URL: "http://idp.test", Method: "FETCH", Condition: "#{true}"}, config.ErrUnsupportedMethod},
		{"other without verb", &config.Resource{URL: "http://idp.test", Method: config.MethodOther, Condition: "#{true}"}, config.ErrMissingCustomVerb},
		{"missing condition", &config.Resource{URL: "http://idp.test"}, config.ErrMissingCondition},
		{"bad header name", &config.Resource{URL: "http://idp.test", Condition: "#{true}", Headers: []config.Header{{Name: "bad header"}}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewHTTPProvider(tt.cfg, WithLogger(discardLogger()))
			err := p.Start(context.Background())
			if err == nil {
				t.Fatal("Start() error = nil, want configuration error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Start() error = %v, want %v", err, tt.want)
			}
			if res := authenticate(t, p, "alice", "pw"); res.IsAuthenticated() {
				t.Error("unstarted provider authenticated")
			}
		})
	}
}

func TestBrokenSystemProxyIsIgnored(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, "")
	cfg := loginResource(srv.URL)
	cfg.UseSystemProxy = true

	props := viper.New()
	props.Set(proxy.KeyHost, "proxy.local")
	props.Set(proxy.KeyPort, "not-a-port")

	var logs syncBuffer
	p := NewHTTPProvider(cfg,
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		WithProperties(props))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop(context.Background())

	out := logs.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, proxy.KeyPort) || !strings.Contains(out, proxy.KeyType) {
		t.Errorf("expected one proxy warning naming port and type, got: %s", out)
	}
	if res := authenticate(t, p, "alice", "pw"); !res.IsAuthenticated() {
		t.Error("direct connection should be used when the proxy is ignored")
	}
}

func TestSystemProxyIsUsed(t *testing.T) {
	proxied := make(chan string, 1)
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied <- r.RequestURI
		w.WriteHeader(http.StatusOK)
	}))
	defer proxySrv.Close()

	host, port, _ := net.SplitHostPort(strings.TrimPrefix(proxySrv.URL, "http://"))
	props := viper.New()
	props.Set(proxy.KeyHost, host)
	props.Set(proxy.KeyPort, port)
	props.Set(proxy.KeyType, "HTTP")

	cfg := loginResource("http://idp.internal.test/login")
	cfg.UseSystemProxy = true
	p := startProvider(t, cfg, WithProperties(props))

	if res := authenticate(t, p, "alice", "pw"); !res.IsAuthenticated() {
		t.Fatalf("result = %v, want authenticated through proxy", res)
	}
	if uri := <-proxied; uri != "http://idp.internal.test/login" {
		t.Errorf("proxy saw %q", uri)
	}
}

func TestRateLimitExceedingTimeoutIsUnauthenticated(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, "")
	cfg := loginResource(srv.URL)
	cfg.MaxRequestsPerSecond = 1
	p := startProvider(t, cfg, WithTimeout(200*time.Millisecond))

	if res := authenticate(t, p, "alice", "pw"); !res.IsAuthenticated() {
		t.Fatalf("first probe = %v, want authenticated", res)
	}
	if res := authenticate(t, p, "alice", "pw"); res.IsAuthenticated() {
		t.Fatal("second probe inside the same second should be throttled past its timeout")
	}
}

func TestAuthenticateWithoutExecutionContext(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, "")
	p := startProvider(t, loginResource(srv.URL))

	rec := newRecorder()
	p.Authenticate("alice", "pw", nil, rec.handle)
	if res := rec.wait(t); res.IsAuthenticated() {
		t.Error("nil execution context authenticated")
	}

	// A nil handler must not panic.
	p.Authenticate("alice", "pw", newExecutionContext(t, context.Background()), nil)
}

func TestHandlerPanicIsContained(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, "")
	p := startProvider(t, loginResource(srv.URL))

	done := make(chan struct{})
	p.Authenticate("alice", "pw", newExecutionContext(t, context.Background()), func(auth.Result) {
		defer close(done)
		panic("handler bug")
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestResultNeverCarriesPassword(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK, "")
	p := startProvider(t, loginResource(srv.URL))
	res := authenticate(t, p, "alice", "hunter2")
	if !res.IsAuthenticated() {
		t.Fatalf("result = %v", res)
	}
	if strings.Contains(res.String(), "hunter2") || *res.Identity != (auth.Identity{Username: "alice"}) {
		t.Errorf("identity leaks more than the username: %+v", *res.Identity)
	}
}
