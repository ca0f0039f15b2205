package syncengine

import (
	"context"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/authority"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/errs"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/gatewayclient"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/ipld"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/logging"
	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

var log = logging.For("syncengine")

// GatewayClient is the narrow surface the sync engine drives a
// counterpart gateway through — exactly the methods
// *gatewayclient.Client exposes, pulled out as an interface so tests
// can substitute a fake gateway without standing up an HTTP server.
type GatewayClient interface {
	Identify(ctx context.Context, sphereDID authority.DID) (*gatewayclient.IdentifyResponse, error)
	Fetch(ctx context.Context, store storage.BlockStore, since *ipld.CID) (*gatewayclient.FetchResponse, error)
	Push(ctx context.Context, store storage.BlockStore, body gatewayclient.PushBody, blocks iter.Seq2[ipld.CID, []byte]) (*gatewayclient.PushResponse, error)
}

// resilientGateway wraps a GatewayClient with a per-host circuit
// breaker and exponential backoff with jitter, the same protection
// kernel/core/mesh/gossip.go's anti-entropy sync gives its own
// peer-to-peer RPCs, repurposed here for gateway calls. Only
// errs.Network failures are retried — a domain rejection (Conflict,
// BadRequest, AuthorizationInvalid) means asking again with the same
// inputs will fail again, so it passes straight through.
type resilientGateway struct {
	inner   GatewayClient
	breaker *gobreaker.CircuitBreaker[any]
}

// newResilientGateway builds the retry/breaker wrapper. name scopes the
// breaker's state (and its OnStateChange log lines) to one gateway host.
func newResilientGateway(name string, inner GatewayClient) *resilientGateway {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return !isNetworkError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "gateway", name, "from", from.String(), "to", to.String())
		},
	}
	return &resilientGateway{inner: inner, breaker: gobreaker.NewCircuitBreaker[any](settings)}
}

func isNetworkError(err error) bool {
	return errs.Is(err, errs.Network)
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

// call runs fn through the circuit breaker, retrying with backoff
// between attempts as long as fn keeps failing with a Network error.
func call[T any](ctx context.Context, g *resilientGateway, fn func() (T, error)) (T, error) {
	var zero T
	result, err := g.breaker.Execute(func() (any, error) {
		var out T
		retryErr := backoff.Retry(func() error {
			var callErr error
			out, callErr = fn()
			if callErr != nil && isNetworkError(callErr) {
				return callErr
			}
			if callErr != nil {
				return backoff.Permanent(callErr)
			}
			return nil
		}, backoff.WithContext(newBackoff(), ctx))
		return out, retryErr
	})
	if err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return zero, perm.Err
		}
		return zero, err
	}
	return result.(T), nil
}

func (g *resilientGateway) Identify(ctx context.Context, sphereDID authority.DID) (*gatewayclient.IdentifyResponse, error) {
	return call(ctx, g, func() (*gatewayclient.IdentifyResponse, error) { return g.inner.Identify(ctx, sphereDID) })
}

func (g *resilientGateway) Fetch(ctx context.Context, store storage.BlockStore, since *ipld.CID) (*gatewayclient.FetchResponse, error) {
	return call(ctx, g, func() (*gatewayclient.FetchResponse, error) { return g.inner.Fetch(ctx, store, since) })
}

func (g *resilientGateway) Push(ctx context.Context, store storage.BlockStore, body gatewayclient.PushBody, blocks iter.Seq2[ipld.CID, []byte]) (*gatewayclient.PushResponse, error) {
	return call(ctx, g, func() (*gatewayclient.PushResponse, error) { return g.inner.Push(ctx, store, body, blocks) })
}
