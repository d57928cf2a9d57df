// Package supplier resolves part data across the configured catalog
// suppliers. Each supplier sits behind its own rate limiter and circuit
// breaker; lookups cascade through the suppliers in priority order until
// one returns data.
package supplier

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/traceline/bomflow/internal/resilience"
	"github.com/traceline/bomflow/pkg/catalog"
)

// Source pairs a catalog client with its rate limiter.
type Source struct {
	Client  catalog.Client
	Limiter *rate.Limiter
}

// NewSource wraps a catalog client with a token-bucket limiter.
func NewSource(client catalog.Client, perSec float64, burst int) Source {
	if perSec <= 0 {
		perSec = 10
	}
	if burst <= 0 {
		burst = int(perSec)
		if burst < 1 {
			burst = 1
		}
	}
	return Source{Client: client, Limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Resolver cascades part lookups through suppliers in priority order.
type Resolver struct {
	sources  []Source
	breakers *resilience.ServiceBreakers
	retry    resilience.RetryConfig
	coolDown time.Duration
}

// NewResolver creates a resolver over the given sources. Source order is
// priority order. A not-found response is an answer, never a breaker
// failure.
func NewResolver(sources []Source, breakerCfg resilience.CircuitBreakerConfig, retryCfg resilience.RetryConfig) *Resolver {
	breakerCfg.ShouldTrip = func(err error) bool {
		if errors.Is(err, catalog.ErrNotFound) {
			return false
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		return true
	}
	if breakerCfg.CoolDown <= 0 {
		breakerCfg.CoolDown = 30 * time.Second
	}

	r := &Resolver{
		sources:  sources,
		breakers: resilience.NewServiceBreakers(breakerCfg),
		retry:    retryCfg,
		coolDown: breakerCfg.CoolDown,
	}
	// Prime the registry so States reports every supplier from the start.
	for _, src := range sources {
		r.breakers.Get(src.Client.Name())
	}
	return r
}

// Resolve looks the part up at each supplier in turn. Suppliers whose
// breaker is open are skipped. Returns the first successful result,
// catalog.ErrNotFound when every reachable supplier lacks the part, or an
// error wrapping resilience.ErrCircuitOpen when every supplier is cooling
// down.
func (r *Resolver) Resolve(ctx context.Context, mpn, manufacturer string) (*catalog.PartData, error) {
	if len(r.sources) == 0 {
		return nil, eris.New("supplier: no sources configured")
	}

	var (
		lastErr   error
		openSkips int
		notFound  int
		failures  int
	)

	for _, src := range r.sources {
		name := src.Client.Name()
		cb := r.breakers.Get(name)

		if cb.State() == resilience.CircuitOpen {
			openSkips++
			lastErr = eris.Wrapf(resilience.ErrCircuitOpen, "supplier: %s cooling down", name)
			zap.L().Debug("skipping supplier with open circuit",
				zap.String("supplier", name),
				zap.String("mpn", mpn),
			)
			continue
		}

		retryCfg := r.retry
		if retryCfg.OnRetry == nil {
			retryCfg.OnRetry = resilience.RetryLogger(name, "lookup")
		}

		part, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*catalog.PartData, error) {
			if src.Limiter != nil {
				if err := src.Limiter.Wait(ctx); err != nil {
					return nil, eris.Wrap(err, "supplier: rate limiter wait")
				}
			}
			return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*catalog.PartData, error) {
				return lookupClassified(ctx, src.Client, mpn, manufacturer)
			})
		})
		if err == nil {
			return part, nil
		}
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "supplier: resolve")
		}

		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			openSkips++
		case errors.Is(err, catalog.ErrNotFound):
			notFound++
		default:
			failures++
		}
		lastErr = err
	}

	if openSkips == len(r.sources) {
		return nil, eris.Wrap(resilience.ErrCircuitOpen, "supplier: all suppliers cooling down")
	}
	if failures == 0 && notFound > 0 {
		return nil, eris.Wrapf(catalog.ErrNotFound, "supplier: lookup %s", mpn)
	}
	return nil, lastErr
}

// lookupClassified performs one lookup and tags retryable HTTP statuses as
// transient so the retry and breaker layers treat them correctly.
func lookupClassified(ctx context.Context, client catalog.Client, mpn, manufacturer string) (*catalog.PartData, error) {
	part, err := client.Lookup(ctx, mpn, manufacturer)
	if err != nil {
		var apiErr *catalog.APIError
		if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return nil, resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return nil, err
	}
	return part, nil
}

// States reports the circuit state of every supplier.
func (r *Resolver) States() map[string]resilience.CircuitState {
	return r.breakers.States()
}

// CoolDown returns the breaker cool-down, used as the requeue delay for
// work deferred by an open circuit.
func (r *Resolver) CoolDown() time.Duration {
	return r.coolDown
}
