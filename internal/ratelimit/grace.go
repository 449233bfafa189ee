package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsfield/opsfield/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const keyGraceActivate = "billing:grace:org:%s"

// GraceLimiter throttles grace activation attempts per org. The monthly
// uniqueness constraint is enforced in the database; this only absorbs
// hammering from retry loops.
type GraceLimiter struct {
	enabled bool

	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewGraceLimiter(cfg config.Config, client *redis.Client) *GraceLimiter {
	if !cfg.RateLimitEnabled || client == nil {
		return nil
	}
	if cfg.GraceRate <= 0 || cfg.GraceBurst <= 0 {
		return nil
	}
	return &GraceLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    cfg.GraceRate,
		burst:   cfg.GraceBurst,
	}
}

func (l *GraceLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *GraceLimiter) Allow(ctx context.Context, orgID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyGraceActivate, strings.TrimSpace(orgID)), l.rate, l.burst)
}
