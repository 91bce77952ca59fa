package transport

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited spaces out sends to at most perMinute per minute across every
// contact. Media downloads are not limited.
type RateLimited struct {
	next    Transport
	limiter *rate.Limiter
}

// NewRateLimited wraps next. A perMinute below 1 is treated as 1.
func NewRateLimited(next Transport, perMinute int) *RateLimited {
	if perMinute < 1 {
		perMinute = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

// Send waits for a send token, then delegates.
func (t *RateLimited) Send(ctx context.Context, contactRef, text string) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("transport: rate limit wait: %w", err)
	}
	return t.next.Send(ctx, contactRef, text)
}

// DownloadMedia delegates without waiting.
func (t *RateLimited) DownloadMedia(ctx context.Context, ref string) ([]byte, error) {
	return t.next.DownloadMedia(ctx, ref)
}
