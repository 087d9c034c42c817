package engine

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/chicogong/media-dubbing/pkg/providers"
	"github.com/chicogong/media-dubbing/pkg/schemas"
	"github.com/chicogong/media-dubbing/pkg/tracing"
)

// call invokes provider p, waiting on the limiter before every attempt.
// Throttled attempts are retried up to RateLimitRetries times, transient
// ones up to TransientRetries times. Permanent failures are returned at once.
func (jr *jobRun) call(ctx context.Context, p schemas.Provider, req providers.Request, timeout time.Duration) (*providers.Response, error) {
	e := jr.e
	ctx, span := e.tracer.StartSpan(ctx, "provider."+string(p),
		attribute.String("provider", string(p)),
		attribute.Int("segment", req.SegmentIndex),
	)
	defer span.End()

	rateLimited, transient := 0, 0
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		waited, err := e.limiter.AwaitReady(ctx, p)
		if err != nil {
			return nil, err
		}
		e.metrics.RecordLimiterWait(string(p), waited)

		start := time.Now()
		resp, err := jr.invoke(ctx, p, req, timeout)
		elapsed := time.Since(start)
		if err == nil {
			e.limiter.ReportSuccess(p)
			e.metrics.RecordProviderCall(string(p), "success", elapsed)
			span.SetAttributes(attribute.Int("attempts", attempt))
			return resp, nil
		}
		// the job ended while the call was in flight
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		kind, retryAfter := providers.Classify(err)
		e.metrics.RecordProviderCall(string(p), kind.String(), elapsed)
		tracing.AddEvent(ctx, "provider_error",
			attribute.Int("attempt", attempt),
			attribute.String("kind", kind.String()),
			attribute.String("error", err.Error()),
		)

		switch kind {
		case providers.KindRateLimited:
			e.limiter.ReportRateLimited(p, retryAfter)
			if rateLimited >= e.cfg.RateLimitRetries {
				return nil, err
			}
			rateLimited++
		case providers.KindTransient:
			e.limiter.ReportFailure(p)
			if transient >= e.cfg.TransientRetries {
				return nil, asProviderError(p, err)
			}
			transient++
		default:
			e.limiter.ReportFailure(p)
			return nil, err
		}

		jr.logger.Warn("provider call failed, retrying",
			"provider", p,
			"segment", req.SegmentIndex,
			"attempt", attempt,
			"kind", kind,
			"error", err,
		)
	}
}

func (jr *jobRun) invoke(ctx context.Context, p schemas.Provider, req providers.Request, timeout time.Duration) (*providers.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := jr.e.client.Invoke(callCtx, p, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, providers.Permanent(p, errors.New("empty response"))
	}
	return resp, nil
}

// asProviderError keeps the provider attached to failures that did not come
// back as a *providers.Error, such as a call deadline.
func asProviderError(p schemas.Provider, err error) error {
	var perr *providers.Error
	if errors.As(err, &perr) {
		return err
	}
	return providers.Transient(p, err)
}
