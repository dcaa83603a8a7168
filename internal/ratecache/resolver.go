package ratecache

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hamzaKhattat/billcore/internal/models"
	"github.com/hamzaKhattat/billcore/pkg/errors"
)

// RateCardStore is the narrow store dependency the resolver needs.
type RateCardStore interface {
	GetCurrentRateCardsByPrefixSet(ctx context.Context, prefixes []string, at time.Time) ([]*models.RateCard, error)
}

// Resolver implements longest-prefix-match rate resolution with priority tie-break.
type Resolver struct {
	store RateCardStore
	cache Cache
	ttl   time.Duration
}

func NewResolver(store RateCardStore, cache Cache, ttl time.Duration) *Resolver {
	if cache == nil {
		cache = NoopCache{}
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Resolver{store: store, cache: cache, ttl: ttl}
}

// Normalize strips all non-digit characters from a dialed number.
func Normalize(dialed string) string {
	var b strings.Builder
	for _, r := range dialed {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Prefixes returns every non-empty prefix of d, shortest first.
func Prefixes(d string) []string {
	if d == "" {
		return nil
	}
	out := make([]string, 0, len(d))
	for i := 1; i <= len(d); i++ {
		out = append(out, d[:i])
	}
	return out
}

// Resolve returns the unique applicable rate card for dialed at time at, or
// errors.ErrNoRateFound if none matches.
func (r *Resolver) Resolve(ctx context.Context, dialed string, at time.Time) (*models.RateCard, error) {
	normalized := Normalize(dialed)
	if normalized == "" {
		return nil, errors.New(errors.ErrNoRateFound, "empty dialed number")
	}

	prefixes := Prefixes(normalized)

	candidates, err := r.lookup(ctx, prefixes, at)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errors.New(errors.ErrNoRateFound, "no rate card matches "+normalized)
	}

	return pick(candidates, at), nil
}

// RatePerSecond computes rate_per_minute/60 at full precision;
// callers round once, at the final cost computation, never here.
func RatePerSecond(rc *models.RateCard) decimal.Decimal {
	return rc.RatePerSecond()
}

func (r *Resolver) lookup(ctx context.Context, prefixes []string, at time.Time) ([]*models.RateCard, error) {
	cacheKey := "prefixset:" + strings.Join(prefixes, ",")

	var cached []*models.RateCard
	if r.cache.Get(ctx, cacheKey, &cached) {
		return filterCurrent(cached, at), nil
	}

	cards, err := r.store.GetCurrentRateCardsByPrefixSet(ctx, prefixes, at)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "rate card lookup failed")
	}

	r.cache.Set(ctx, cacheKey, cards, r.ttl)
	return cards, nil
}

func filterCurrent(cards []*models.RateCard, at time.Time) []*models.RateCard {
	out := cards[:0:0]
	for _, c := range cards {
		if c.IsCurrent(at) {
			out = append(out, c)
		}
	}
	return out
}

// pick implements steps 4-6: longest prefix wins; priority
// breaks ties among equal-length prefixes; highest id breaks further ties.
func pick(candidates []*models.RateCard, at time.Time) *models.RateCard {
	maxLen := 0
	for _, c := range candidates {
		if l := len(c.DestinationPrefix); l > maxLen {
			maxLen = l
		}
	}

	var finalists []*models.RateCard
	for _, c := range candidates {
		if len(c.DestinationPrefix) == maxLen {
			finalists = append(finalists, c)
		}
	}

	sort.Slice(finalists, func(i, j int) bool {
		if finalists[i].Priority != finalists[j].Priority {
			return finalists[i].Priority > finalists[j].Priority
		}
		return finalists[i].ID > finalists[j].ID
	})

	return finalists[0]
}

// Invalidator is the cache-invalidation seam an eventual admin API calls
// into when a rate card is created, updated, or deleted. Invalidation clears the whole prefix-set cache
// atomically; readers never observe a partially updated cache because a
// cleared cache simply falls through to the store until repopulated.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

func (r *Resolver) Invalidate(ctx context.Context) {
	r.cache.Flush(ctx)
}
