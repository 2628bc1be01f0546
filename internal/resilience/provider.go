package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
)

var _ s2s.Provider = (*GuardedProvider)(nil)

// GuardedProvider is an [s2s.Provider] whose Connect calls go through a
// [Breaker]. Only dial and setup failures count against the breaker; an
// established connection that later drops does not.
type GuardedProvider struct {
	inner   s2s.Provider
	breaker *Breaker
}

// GuardProvider wraps p with b.
func GuardProvider(p s2s.Provider, b *Breaker) *GuardedProvider {
	return &GuardedProvider{inner: p, breaker: b}
}

// Breaker returns the breaker guarding the provider.
func (g *GuardedProvider) Breaker() *Breaker { return g.breaker }

// Connect implements [s2s.Provider]. While the breaker is open it returns a
// [*s2s.ConnectionError] for op "dial" wrapping [ErrCircuitOpen] without
// contacting the remote. A dial abandoned because ctx
// was cancelled is not counted as a failure.
func (g *GuardedProvider) Connect(ctx context.Context, cfg s2s.SessionConfig, handler s2s.Handler) (s2s.Conn, error) {
	var (
		conn    s2s.Conn
		dialErr error
	)
	err := g.breaker.Do(func() error {
		conn, dialErr = g.inner.Connect(ctx, cfg, handler)
		if dialErr != nil && ctx.Err() != nil {
			return nil
		}
		return dialErr
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, &s2s.ConnectionError{Op: "dial", Err: err}
	}
	if dialErr != nil {
		return nil, dialErr
	}
	return conn, nil
}
