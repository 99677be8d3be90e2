package limiter

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Pacer throttles filesystem operations to a maximum rate
type Pacer struct {
	lim *rate.Limiter
}

// NewPacer creates a pacer allowing opsPerSecond operations per second.
// Zero or negative means unlimited; Wait then only checks the context.
func NewPacer(opsPerSecond float64) *Pacer {
	if opsPerSecond <= 0 {
		return &Pacer{}
	}
	burst := int(opsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Pacer{lim: rate.NewLimiter(rate.Limit(opsPerSecond), burst)}
}

// Wait blocks until the next operation may proceed or ctx ends.
// Errors always wrap context.Canceled or context.DeadlineExceeded.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil || p.lim == nil {
		return nil
	}
	if err := p.lim.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// rate reports a wait that would outlive the deadline before it expires
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return nil
}

// SetRate updates the allowed operations per second.
func (p *Pacer) SetRate(opsPerSecond float64) {
	if opsPerSecond <= 0 {
		p.lim = nil
		return
	}
	if p.lim == nil {
		p.lim = rate.NewLimiter(rate.Limit(opsPerSecond), 1)
		return
	}
	p.lim.SetLimit(rate.Limit(opsPerSecond))
}

// Unlimited reports whether the pacer never delays.
func (p *Pacer) Unlimited() bool {
	return p == nil || p.lim == nil
}
