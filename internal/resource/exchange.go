package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/torosent/httpauth/internal/auth"
	"github.com/torosent/httpauth/internal/el"
	"github.com/torosent/httpauth/internal/httpclient"
	"github.com/torosent/httpauth/internal/lanes"
	"github.com/torosent/httpauth/internal/metrics"
	"github.com/torosent/httpauth/internal/tracing"
)

// delivery hands a result to the caller's handler exactly once.
type delivery struct {
	once     sync.Once
	handler  auth.Handler
	lane     *lanes.Lane
	logger   *slog.Logger
	observer Observer
}

// resume runs task on the caller's lane, or inline when there is no lane or
// the lane no longer accepts work.
func (d *delivery) resume(task func()) {
	if d.lane != nil {
		if err := d.lane.Submit(func(context.Context) { task() }); err == nil {
			return
		}
	}
	task()
}

func (d *delivery) finish(result auth.Result, outcome metrics.Outcome, started time.Time) {
	d.once.Do(func() {
		elapsed := time.Since(started)
		metrics.ObserveProbe(outcome, elapsed)
		if d.observer != nil {
			d.observer(outcome, elapsed)
		}
		if d.handler == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("authentication handler panicked", "panic", r)
			}
		}()
		d.handler(result)
	})
}

func (d *delivery) fail(outcome metrics.Outcome, started time.Time) {
	d.resume(func() { d.finish(auth.Unauthenticated(), outcome, started) })
}

// exchange is one in-flight probe.
type exchange struct {
	provider  *HTTPProvider
	delivery  *delivery
	username  string
	requestID string
	started   time.Time
}

func (ex *exchange) run(ctx context.Context, cancel context.CancelFunc, span trace.Span, client *httpclient.Client,
	limiter *rate.Limiter, req *http.Request, engine *el.Engine) {
	defer cancel()

	resp, body, err := roundTrip(ctx, client, limiter, req)
	if err != nil {
		outcome := metrics.OutcomeTransportError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = metrics.OutcomeTimeout
		}
		tracing.EndSpan(span, err)
		ex.provider.logger.Warn("authentication request failed",
			"request_id", ex.requestID,
			"outcome", outcome,
			"error", err)
		ex.delivery.fail(outcome, ex.started)
		return
	}

	ex.delivery.resume(func() {
		ex.judge(span, auth.NewResponse(resp, body), engine)
	})
}

// judge evaluates the condition against the response. It runs on the
// caller's lane.
func (ex *exchange) judge(span trace.Span, response *auth.Response, engine *el.Engine) {
	logger := ex.provider.logger
	defer func() {
		if r := recover(); r != nil {
			logger.Error("condition evaluation panicked", "request_id", ex.requestID, "panic", r)
			tracing.EndSpan(span, fmt.Errorf("panic: %v", r))
			ex.delivery.finish(auth.Unauthenticated(), metrics.OutcomeConditionError, ex.started)
		}
	}()

	tc := engine.TemplateContext()
	tc.SetVariable(auth.ResponseVariable, response.Variables())
	ok, err := engine.GetBool(ex.provider.cfg.Condition)
	tc.RemoveVariable(auth.ResponseVariable)

	status := tracing.AttrStatus.Int(response.Status)
	switch {
	case err != nil:
		logger.Warn("authentication condition failed",
			"request_id", ex.requestID,
			"status", response.Status,
			"error", err)
		tracing.EndSpan(span, err, status, tracing.AttrAuthenticated.Bool(false))
		ex.delivery.finish(auth.Unauthenticated(), metrics.OutcomeConditionError, ex.started)
	case ok:
		logger.Debug("user authenticated", "request_id", ex.requestID, "status", response.Status)
		tracing.EndSpan(span, nil, status, tracing.AttrAuthenticated.Bool(true))
		ex.delivery.finish(auth.Authenticated(ex.username), metrics.OutcomeAuthenticated, ex.started)
	default:
		logger.Debug("user not authenticated", "request_id", ex.requestID, "status", response.Status)
		tracing.EndSpan(span, nil, status, tracing.AttrAuthenticated.Bool(false))
		ex.delivery.finish(auth.Unauthenticated(), metrics.OutcomeDenied, ex.started)
	}
}

func roundTrip(ctx context.Context, client *httpclient.Client, limiter *rate.Limiter, req *http.Request) (*http.Response, []byte, error) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	body, err := httpclient.ReadBody(resp, MaxResponseBytes)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}
