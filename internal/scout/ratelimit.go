package scout

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/antigravity-dev/meridian/internal/corerr"
)

// RateLimitedProvider wraps a Provider with an admission-control token
// bucket so a runaway planning loop cannot flood the configured LLM
// provider. Reservation happens before the call, not around retries.
type RateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimitedProvider wraps inner with a token bucket refilling at
// perSecond tokens/sec, with burst capacity burst.
func NewRateLimitedProvider(inner Provider, perSecond float64, burst int) *RateLimitedProvider {
	return &RateLimitedProvider{inner: inner, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (p *RateLimitedProvider) Name() string { return p.inner.Name() }

func (p *RateLimitedProvider) Complete(ctx context.Context, systemPrompt string, messages []rawMessage) (string, error) {
	if !p.limiter.Allow() {
		return "", corerr.New(corerr.RateLimit, "scout: %s call rate exceeded", p.inner.Name())
	}
	return p.inner.Complete(ctx, systemPrompt, messages)
}
