package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/batchlm/engine/internal/batch/lm"
	"github.com/batchlm/engine/internal/platform/dbctx"
)

// CachedLedger wraps a Ledger with a Redis read-through cache in
// front of MonthlySpend, avoiding a full ledger scan on every
// admission check (SPEC_FULL.md §12/§13, grounded on the teacher's
// internal/clients/redis client construction idiom).
type CachedLedger struct {
	inner Ledger
	rdb   *goredis.Client
	ttl   time.Duration
}

var _ Ledger = (*CachedLedger)(nil)

func NewCachedLedger(inner Ledger, rdb *goredis.Client, ttl time.Duration) *CachedLedger {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedLedger{inner: inner, rdb: rdb, ttl: ttl}
}

func (c *CachedLedger) Record(dbc dbctx.Context, owner, job, model string, u lm.Usage) error {
	if err := c.inner.Record(dbc, owner, job, model, u); err != nil {
		return err
	}
	// Invalidate rather than incrementally update: the ledger is the
	// source of truth and a bounded staleness window is acceptable
	// (spec.md §4.9 "eventually consistent... bounded lag acceptable").
	_ = c.rdb.Del(dbc.Ctx, cacheKey(owner))
	return nil
}

func (c *CachedLedger) MonthlySpend(dbc dbctx.Context, owner string) (float64, error) {
	key := cacheKey(owner)
	if v, err := c.rdb.Get(dbc.Ctx, key).Result(); err == nil {
		if f, perr := strconv.ParseFloat(v, 64); perr == nil {
			return f, nil
		}
	}

	spend, err := c.inner.MonthlySpend(dbc, owner)
	if err != nil {
		return 0, err
	}
	_ = c.rdb.Set(dbc.Ctx, key, strconv.FormatFloat(spend, 'f', -1, 64), c.ttl).Err()
	return spend, nil
}

func (c *CachedLedger) WithinBudget(dbc dbctx.Context, owner, model string, estUnits int, prices lm.PriceTable, capUSD float64) (bool, error) {
	if capUSD <= 0 {
		return true, nil
	}
	spent, err := c.MonthlySpend(dbc, owner)
	if err != nil {
		return false, err
	}
	estimate := estimateCost(model, estUnits, prices)
	return spent+estimate <= capUSD, nil
}

func cacheKey(owner string) string { return fmt.Sprintf("batchlm:usage:monthly:%s", owner) }

// NewRedisClient constructs the shared go-redis client, mirroring the
// teacher's internal/clients/redis dial/ping-on-construct idiom.
func NewRedisClient(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("usage: redis ping: %w", err)
	}
	return rdb, nil
}
