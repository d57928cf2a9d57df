package supplier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceline/bomflow/internal/resilience"
	"github.com/traceline/bomflow/pkg/catalog"
)

// stubClient is a scriptable catalog client that counts lookups.
type stubClient struct {
	name  string
	calls int
	fn    func(call int) (*catalog.PartData, error)
}

func (s *stubClient) Name() string { return s.name }

func (s *stubClient) Lookup(ctx context.Context, mpn, manufacturer string) (*catalog.PartData, error) {
	s.calls++
	return s.fn(s.calls)
}

func okPart(supplier string) func(int) (*catalog.PartData, error) {
	return func(int) (*catalog.PartData, error) {
		return &catalog.PartData{
			MPN:             "STM32F407VGT6",
			Manufacturer:    "STMicroelectronics",
			LifecycleStatus: catalog.LifecycleActive,
			Supplier:        supplier,
		}, nil
	}
}

func failWith(err error) func(int) (*catalog.PartData, error) {
	return func(int) (*catalog.PartData, error) { return nil, err }
}

// singleAttempt disables retries so breaker failure counts stay predictable.
var singleAttempt = resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond}

func TestResolve_FirstSupplierWins(t *testing.T) {
	first := &stubClient{name: "octopart", fn: okPart("octopart")}
	second := &stubClient{name: "digikey", fn: okPart("digikey")}

	r := NewResolver(
		[]Source{{Client: first}, {Client: second}},
		resilience.CircuitBreakerConfig{},
		singleAttempt,
	)

	part, err := r.Resolve(context.Background(), "STM32F407VGT6", "STMicroelectronics")
	require.NoError(t, err)
	assert.Equal(t, "octopart", part.Supplier)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls)
}

func TestResolve_FallsBackOnFailure(t *testing.T) {
	apiErr := &catalog.APIError{Supplier: "octopart", StatusCode: 400, Body: "bad request"}
	first := &stubClient{name: "octopart", fn: failWith(apiErr)}
	second := &stubClient{name: "digikey", fn: okPart("digikey")}

	r := NewResolver(
		[]Source{{Client: first}, {Client: second}},
		resilience.CircuitBreakerConfig{},
		singleAttempt,
	)

	part, err := r.Resolve(context.Background(), "STM32F407VGT6", "STMicroelectronics")
	require.NoError(t, err)
	assert.Equal(t, "digikey", part.Supplier)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestResolve_NotFoundTriesNextSupplier(t *testing.T) {
	first := &stubClient{name: "octopart", fn: failWith(catalog.ErrNotFound)}
	second := &stubClient{name: "digikey", fn: okPart("digikey")}

	r := NewResolver(
		[]Source{{Client: first}, {Client: second}},
		resilience.CircuitBreakerConfig{},
		singleAttempt,
	)

	part, err := r.Resolve(context.Background(), "STM32F407VGT6", "STMicroelectronics")
	require.NoError(t, err)
	assert.Equal(t, "digikey", part.Supplier)
}

func TestResolve_AllNotFound(t *testing.T) {
	first := &stubClient{name: "octopart", fn: failWith(catalog.ErrNotFound)}
	second := &stubClient{name: "digikey", fn: failWith(catalog.ErrNotFound)}

	r := NewResolver(
		[]Source{{Client: first}, {Client: second}},
		resilience.CircuitBreakerConfig{},
		singleAttempt,
	)

	_, err := r.Resolve(context.Background(), "GHOST-1", "Nobody")
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	assert.NotErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestResolve_RetriesTransientFailures(t *testing.T) {
	flaky := &stubClient{name: "octopart", fn: func(call int) (*catalog.PartData, error) {
		if call == 1 {
			return nil, resilience.NewTransientError(errors.New("upstream hiccup"), 503)
		}
		return okPart("octopart")(call)
	}}

	r := NewResolver(
		[]Source{{Client: flaky}},
		resilience.CircuitBreakerConfig{},
		resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	)

	part, err := r.Resolve(context.Background(), "STM32F407VGT6", "STMicroelectronics")
	require.NoError(t, err)
	assert.Equal(t, "octopart", part.Supplier)
	assert.Equal(t, 2, flaky.calls)
}

func TestResolve_TransientAPIStatusIsRetried(t *testing.T) {
	// A raw 503 APIError must be classified transient by the resolver.
	flaky := &stubClient{name: "octopart", fn: func(call int) (*catalog.PartData, error) {
		if call == 1 {
			return nil, &catalog.APIError{Supplier: "octopart", StatusCode: 503, Body: "unavailable"}
		}
		return okPart("octopart")(call)
	}}

	r := NewResolver(
		[]Source{{Client: flaky}},
		resilience.CircuitBreakerConfig{},
		resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	)

	_, err := r.Resolve(context.Background(), "STM32F407VGT6", "STMicroelectronics")
	require.NoError(t, err)
	assert.Equal(t, 2, flaky.calls)
}

func TestResolve_BreakerOpensAfterThreshold(t *testing.T) {
	apiErr := &catalog.APIError{Supplier: "octopart", StatusCode: 500, Body: "boom"}
	broken := &stubClient{name: "octopart", fn: failWith(apiErr)}

	r := NewResolver(
		[]Source{{Client: broken}},
		resilience.CircuitBreakerConfig{FailureThreshold: 2, FailureWindow: time.Minute, CoolDown: time.Minute},
		singleAttempt,
	)

	for range 2 {
		_, err := r.Resolve(context.Background(), "STM32F407VGT6", "STMicroelectronics")
		require.Error(t, err)
	}
	assert.Equal(t, resilience.CircuitOpen, r.States()["octopart"])

	// Circuit open and no other supplier: the deferral error surfaces.
	_, err := r.Resolve(context.Background(), "STM32F407VGT6", "STMicroelectronics")
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 2, broken.calls)
}

func TestResolve_OpenCircuitSkipsToHealthySupplier(t *testing.T) {
	apiErr := &catalog.APIError{Supplier: "octopart", StatusCode: 500, Body: "boom"}
	broken := &stubClient{name: "octopart", fn: failWith(apiErr)}
	healthy := &stubClient{name: "digikey", fn: okPart("digikey")}

	r := NewResolver(
		[]Source{{Client: broken}, {Client: healthy}},
		resilience.CircuitBreakerConfig{FailureThreshold: 1, FailureWindow: time.Minute, CoolDown: time.Minute},
		singleAttempt,
	)

	part, err := r.Resolve(context.Background(), "STM32F407VGT6", "STMicroelectronics")
	require.NoError(t, err)
	assert.Equal(t, "digikey", part.Supplier)
	require.Equal(t, resilience.CircuitOpen, r.States()["octopart"])

	// Next resolve must not touch the broken supplier at all.
	brokenCalls := broken.calls
	part, err = r.Resolve(context.Background(), "STM32F407VGT6", "STMicroelectronics")
	require.NoError(t, err)
	assert.Equal(t, "digikey", part.Supplier)
	assert.Equal(t, brokenCalls, broken.calls)
}

func TestResolve_NotFoundNeverTripsBreaker(t *testing.T) {
	missing := &stubClient{name: "octopart", fn: failWith(catalog.ErrNotFound)}

	r := NewResolver(
		[]Source{{Client: missing}},
		resilience.CircuitBreakerConfig{FailureThreshold: 1, FailureWindow: time.Minute, CoolDown: time.Minute},
		singleAttempt,
	)

	for range 3 {
		_, err := r.Resolve(context.Background(), "GHOST-1", "Nobody")
		require.Error(t, err)
		assert.ErrorIs(t, err, catalog.ErrNotFound)
	}
	assert.Equal(t, resilience.CircuitClosed, r.States()["octopart"])
}

func TestResolve_HalfOpenProbeRecovers(t *testing.T) {
	apiErr := &catalog.APIError{Supplier: "octopart", StatusCode: 500, Body: "boom"}
	recovering := &stubClient{name: "octopart", fn: func(call int) (*catalog.PartData, error) {
		if call <= 2 {
			return nil, apiErr
		}
		return okPart("octopart")(call)
	}}

	r := NewResolver(
		[]Source{{Client: recovering}},
		resilience.CircuitBreakerConfig{FailureThreshold: 2, FailureWindow: time.Minute, CoolDown: 20 * time.Millisecond},
		singleAttempt,
	)

	for range 2 {
		_, err := r.Resolve(context.Background(), "STM32F407VGT6", "STMicroelectronics")
		require.Error(t, err)
	}
	require.Equal(t, resilience.CircuitOpen, r.States()["octopart"])

	time.Sleep(40 * time.Millisecond)

	part, err := r.Resolve(context.Background(), "STM32F407VGT6", "STMicroelectronics")
	require.NoError(t, err)
	assert.Equal(t, "octopart", part.Supplier)
	assert.Equal(t, resilience.CircuitClosed, r.States()["octopart"])
}

func TestResolve_NoSources(t *testing.T) {
	r := NewResolver(nil, resilience.CircuitBreakerConfig{}, singleAttempt)

	_, err := r.Resolve(context.Background(), "STM32F407VGT6", "STMicroelectronics")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sources configured")
}

func TestResolve_FixtureClientEndToEnd(t *testing.T) {
	fixture := catalog.NewFixtureClient("fixture")

	r := NewResolver(
		[]Source{NewSource(fixture, 100, 100)},
		resilience.CircuitBreakerConfig{},
		singleAttempt,
	)

	part, err := r.Resolve(context.Background(), "GRM188R71H104KA93D", "Murata")
	require.NoError(t, err)
	assert.Equal(t, "GRM188R71H104KA93D", part.MPN)
	assert.Equal(t, "fixture", part.Supplier)
}

func TestNewSource_Defaults(t *testing.T) {
	src := NewSource(catalog.NewFixtureClient("fixture"), 0, 0)
	require.NotNil(t, src.Limiter)
	assert.InDelta(t, 10.0, float64(src.Limiter.Limit()), 0.001)
	assert.Equal(t, 10, src.Limiter.Burst())

	src = NewSource(catalog.NewFixtureClient("fixture"), 2.5, 0)
	assert.InDelta(t, 2.5, float64(src.Limiter.Limit()), 0.001)
	assert.Equal(t, 2, src.Limiter.Burst())
}

func TestCoolDownExposed(t *testing.T) {
	r := NewResolver(nil, resilience.CircuitBreakerConfig{CoolDown: 45 * time.Second}, singleAttempt)
	assert.Equal(t, 45*time.Second, r.CoolDown())

	r = NewResolver(nil, resilience.CircuitBreakerConfig{}, singleAttempt)
	assert.Equal(t, 30*time.Second, r.CoolDown())
}
