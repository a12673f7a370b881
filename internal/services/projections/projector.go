package projections

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/TrackLedger/internal/cache"
	"github.com/BearBump/TrackLedger/internal/logger"
	"github.com/BearBump/TrackLedger/internal/metrics"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// GenerationName is the counter bumped after every successful refresh.
const GenerationName = "projections"

type Store interface {
	RefreshProjections(ctx context.Context) error
}

// Projector rebuilds the active-state and interest-link views.
type Projector struct {
	store   Store
	gens    cache.Generations
	metrics *metrics.Metrics
	log     *slog.Logger

	interval time.Duration
	timeout  time.Duration

	group    singleflight.Group
	requests atomic.Int64

	refreshes       atomic.Int64
	failures        atomic.Int64
	lastRefreshNano atomic.Int64
	lastErrorMu     sync.Mutex
	lastError       string
}

func New(store Store, gens cache.Generations, m *metrics.Metrics) *Projector {
	return &Projector{
		store:    store,
		gens:     gens,
		metrics:  m,
		log:      logger.WithComponent("projector"),
		interval: 3 * time.Minute,
		timeout:  5 * time.Minute,
	}
}

func (p *Projector) WithSettings(interval, timeout time.Duration) *Projector {
	if interval > 0 {
		p.interval = interval
	}
	if timeout > 0 {
		p.timeout = timeout
	}
	return p
}

// Refresh returns once a refresh that started after this call has finished.
// Callers that arrive while one is in flight wait for it and share its result,
// then start one more only if the shared run began before they asked.
func (p *Projector) Refresh(ctx context.Context) error {
	asked := p.requests.Add(1)
	for {
		v, err, shared := p.group.Do("refresh", func() (any, error) {
			started := p.requests.Load()
			return started, p.refresh(ctx)
		})
		if started, _ := v.(int64); started >= asked || err != nil {
			if shared {
				p.log.Debug("joined in-flight refresh")
			}
			return err
		}
	}
}

func (p *Projector) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	start := time.Now()
	err := p.store.RefreshProjections(ctx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	if p.metrics != nil {
		p.metrics.ProjectionRefresh.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		p.failures.Add(1)
		p.lastErrorMu.Lock()
		p.lastError = err.Error()
		p.lastErrorMu.Unlock()
		return errors.Wrap(err, "refresh projections")
	}

	p.refreshes.Add(1)
	p.lastRefreshNano.Store(time.Now().UTC().UnixNano())
	if p.gens != nil {
		if _, err := p.gens.BumpGeneration(ctx, GenerationName); err != nil {
			p.log.Warn("bump projection generation", "error", err.Error())
		}
	}
	p.log.Debug("projections refreshed", "took", time.Since(start))
	return nil
}

// Run refreshes on a fixed schedule until ctx ends.
func (p *Projector) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := p.Refresh(ctx); err != nil {
				p.log.Error("scheduled refresh", "error", err.Error())
			}
		}
	}
}

type Stats struct {
	Refreshes     int64      `json:"refreshes"`
	Failures      int64      `json:"failures"`
	LastRefreshAt *time.Time `json:"lastRefreshAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

func (p *Projector) Stats() Stats {
	st := Stats{
		Refreshes: p.refreshes.Load(),
		Failures:  p.failures.Load(),
	}
	if n := p.lastRefreshNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastRefreshAt = &t
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}
