package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/TrackLedger/internal/cache"
	"github.com/BearBump/TrackLedger/internal/logger"
	"github.com/BearBump/TrackLedger/internal/metrics"
	"github.com/BearBump/TrackLedger/internal/models"
	"github.com/BearBump/TrackLedger/internal/services/projections"
	"github.com/BearBump/TrackLedger/internal/trackno"
)

type Store interface {
	FindActiveStates(ctx context.Context, queries []string) ([]models.ActiveState, error)
	ListInterests(ctx context.Context, buyerID string) ([]*models.BuyerInterest, error)
}

// Cache is what the resolver needs from Redis.
type Cache interface {
	cache.BytesCache
	Generation(ctx context.Context, name string) (int64, error)
}

// Match is the current state of one canonical shipment, or a placeholder
// with state none when nothing matched yet.
type Match struct {
	Queries []string `json:"queries"`
	Found   bool     `json:"found"`
	models.ActiveState
}

type BuyerShipment struct {
	Interest *models.BuyerInterest `json:"interest"`
	Match    Match                 `json:"match"`
}

type Resolver struct {
	store   Store
	cache   Cache
	ttl     time.Duration
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(store Store, c Cache, ttl time.Duration, m *metrics.Metrics) *Resolver {
	return &Resolver{store: store, cache: c, ttl: ttl, metrics: m, log: logger.WithComponent("resolver")}
}

// Resolve answers each query with the best matching shipment: highest power,
// then most recently updated. A shipment matched by several queries is
// returned once, carrying all of them. Queries without a match get a
// placeholder.
func (r *Resolver) Resolve(ctx context.Context, queries []string) ([]Match, error) {
	keys, raw := normalizeQueries(queries)
	picked, err := r.pick(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make([]Match, 0, len(keys))
	byCanonical := map[string]int{}
	for i, k := range keys {
		st := picked[k]
		if st == nil {
			out = append(out, placeholder(raw[i]))
			continue
		}
		ck := trackno.Key(st.TrackingNumber)
		if idx, ok := byCanonical[ck]; ok {
			out[idx].Queries = append(out[idx].Queries, raw[i])
			continue
		}
		byCanonical[ck] = len(out)
		out = append(out, Match{Queries: []string{raw[i]}, Found: true, ActiveState: *st})
	}
	return out, nil
}

// ResolveBuyer resolves every interest the buyer registered, one entry per
// interest, in registration order.
func (r *Resolver) ResolveBuyer(ctx context.Context, buyerID string) ([]BuyerShipment, error) {
	interests, err := r.store.ListInterests(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	numbers := make([]string, 0, len(interests))
	for _, in := range interests {
		numbers = append(numbers, in.TrackingNumber)
	}
	keys, _ := normalizeQueries(numbers)
	picked, err := r.pick(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make([]BuyerShipment, 0, len(interests))
	for _, in := range interests {
		m := placeholder(in.TrackingNumber)
		if st := picked[trackno.Key(in.TrackingNumber)]; st != nil {
			m = Match{Queries: []string{in.TrackingNumber}, Found: true, ActiveState: *st}
		}
		out = append(out, BuyerShipment{Interest: in, Match: m})
	}
	return out, nil
}

// pick returns the winning row per query key; nil means no match.
func (r *Resolver) pick(ctx context.Context, keys []string) (map[string]*models.ActiveState, error) {
	out := make(map[string]*models.ActiveState, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	gen := r.generation(ctx)
	miss := make([]string, 0, len(keys))
	for _, k := range keys {
		if st, ok := r.cached(ctx, gen, k); ok {
			out[k] = st
			continue
		}
		miss = append(miss, k)
	}
	if len(miss) == 0 {
		return out, nil
	}

	rows, err := r.store.FindActiveStates(ctx, miss)
	if err != nil {
		return nil, err
	}
	for _, k := range miss {
		var best *models.ActiveState
		for i := range rows {
			row := &rows[i]
			if !trackno.Matches(row.TrackingNumber, k) {
				continue
			}
			if best == nil || better(row, best) {
				best = row
			}
		}
		out[k] = best
		r.remember(ctx, gen, k, best)
	}
	return out, nil
}

func better(a, b *models.ActiveState) bool {
	if a.Power != b.Power {
		return a.Power > b.Power
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

type cachedPick struct {
	State *models.ActiveState `json:"state"`
}

func (r *Resolver) generation(ctx context.Context) int64 {
	if r.cache == nil || r.ttl <= 0 {
		return 0
	}
	g, err := r.cache.Generation(ctx, projections.GenerationName)
	if err != nil {
		r.log.Warn("read projection generation", "error", err.Error())
		return -1
	}
	return g
}

func (r *Resolver) cached(ctx context.Context, gen int64, key string) (*models.ActiveState, bool) {
	if r.cache == nil || r.ttl <= 0 || gen < 0 {
		return nil, false
	}
	b, ok, err := r.cache.Get(ctx, cacheKey(gen, key))
	if err != nil || !ok {
		r.countCache(false)
		return nil, false
	}
	var cp cachedPick
	if json.Unmarshal(b, &cp) != nil {
		r.countCache(false)
		return nil, false
	}
	r.countCache(true)
	return cp.State, true
}

func (r *Resolver) remember(ctx context.Context, gen int64, key string, st *models.ActiveState) {
	if r.cache == nil || r.ttl <= 0 || gen < 0 {
		return
	}
	b, _ := json.Marshal(cachedPick{State: st})
	if err := r.cache.Set(ctx, cacheKey(gen, key), b, r.ttl); err != nil {
		r.log.Debug("cache resolve result", "error", err.Error())
	}
}

func (r *Resolver) countCache(hit bool) {
	if r.metrics == nil {
		return
	}
	if hit {
		r.metrics.ResolveCacheHits.Inc()
	} else {
		r.metrics.ResolveCacheMisses.Inc()
	}
}

func cacheKey(gen int64, key string) string {
	return fmt.Sprintf("resolve:%d:%s", gen, key)
}

func placeholder(query string) Match {
	return Match{
		Queries: []string{query},
		ActiveState: models.ActiveState{
			TrackingNumber: trackno.Normalize(query),
			State:          models.StateNone,
		},
	}
}

// normalizeQueries returns the distinct non-empty query keys in first-seen
// order together with the normalized query each key came from.
func normalizeQueries(queries []string) ([]string, []string) {
	keys := make([]string, 0, len(queries))
	raw := make([]string, 0, len(queries))
	seen := map[string]struct{}{}
	for _, q := range queries {
		n := trackno.Normalize(q)
		if n == "" {
			continue
		}
		k := trackno.Key(n)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
		raw = append(raw, n)
	}
	return keys, raw
}
