package trust

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coveragecheck/trust-api/internal/cache"
	"github.com/coveragecheck/trust-api/internal/model"
	"github.com/coveragecheck/trust-api/internal/resilience"
	"github.com/coveragecheck/trust-api/internal/store"
)

// Sweeper defaults, overridable per run through Options or at
// construction through SweeperConfig.
const (
	defaultSweepBatch = 200
	defaultSweepRate  = 50 // aggregates per second
)

// SweeperConfig tunes the decay sweep.
type SweeperConfig struct {
	// BatchSize is the keyset page size. Default 200.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
	// RatePerSecond paces per-aggregate work so a full sweep never
	// monopolizes the store. Default 50.
	RatePerSecond int `yaml:"rate_per_second" mapstructure:"rate_per_second"`
}

// Sweeper walks every aggregate with evidence and re-runs the engine so
// confidence decays and verdicts are re-evaluated without waiting for
// traffic. It is idempotent: a second run over unchanged data updates
// nothing.
type Sweeper struct {
	store store.Store
	cache *cache.Cache
	cfg   SweeperConfig
	pace  *rate.Limiter
	now   func() time.Time
}

// NewSweeper builds a sweeper over the given store and read cache.
func NewSweeper(st store.Store, c *cache.Cache, cfg SweeperConfig) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSweepBatch
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultSweepRate
	}
	return &Sweeper{
		store: st,
		cache: c,
		cfg:   cfg,
		pace:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond),
		now:   time.Now,
	}
}

// Options controls a single sweep run.
type Options struct {
	// DryRun recomputes and reports but persists nothing.
	DryRun bool
	// Limit caps the number of aggregates processed; zero means all.
	Limit int
}

// Report summarizes a sweep run.
type Report struct {
	Processed int           `json:"processed"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Errors    int           `json:"errors"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Sweep pages through aggregates by keyset cursor and recomputes each
// one in its own short transaction. Per-aggregate failures are counted
// and skipped; the run stops early only on context cancellation.
func (s *Sweeper) Sweep(ctx context.Context, opts Options) (*Report, error) {
	started := s.now()
	report := &Report{}
	cursorProvider, cursorPlan := "", ""

	for {
		if err := ctx.Err(); err != nil {
			report.Elapsed = s.now().Sub(started)
			return report, err
		}

		batchSize := s.cfg.BatchSize
		if opts.Limit > 0 {
			if remaining := opts.Limit - report.Processed; remaining < batchSize {
				batchSize = remaining
			}
		}
		if batchSize <= 0 {
			break
		}

		page, err := s.store.ListAggregatesAfter(ctx, cursorProvider, cursorPlan, batchSize)
		if err != nil {
			report.Elapsed = s.now().Sub(started)
			return report, Unexpectedf(err, "sweep: list aggregates after %s/%s", cursorProvider, cursorPlan)
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			if err := s.pace.Wait(ctx); err != nil {
				report.Elapsed = s.now().Sub(started)
				return report, err
			}

			agg := &page[i]
			changed, err := s.sweepOne(ctx, agg.ProviderID, agg.PlanID, opts.DryRun)
			report.Processed++
			switch {
			case err != nil:
				report.Errors++
				zap.L().Warn("sweep: aggregate failed",
					zap.String("provider_id", agg.ProviderID),
					zap.String("plan_id", agg.PlanID),
					zap.Error(err),
				)
			case changed:
				report.Updated++
			default:
				report.Unchanged++
			}

			cursorProvider, cursorPlan = agg.ProviderID, agg.PlanID
		}
	}

	report.Elapsed = s.now().Sub(started)
	zap.L().Info("sweep: complete",
		zap.Int("processed", report.Processed),
		zap.Int("updated", report.Updated),
		zap.Int("errors", report.Errors),
		zap.Bool("dry_run", opts.DryRun),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

// sweepOne recomputes a single pair under its row lock. Transient store
// failures are retried before counting as an error.
func (s *Sweeper) sweepOne(ctx context.Context, providerID, planID string, dryRun bool) (bool, error) {
	var changed bool
	err := resilience.Do(ctx, resilience.DefaultRetryConfig(), "sweep aggregate", func(ctx context.Context) error {
		changed = false
		return s.store.Transact(ctx, func(q store.Queries) error {
			now := s.now()
			agg, err := q.LockAggregate(ctx, providerID, planID, now)
			if err != nil {
				return err
			}

			evidence, err := q.ListActiveEvidence(ctx, providerID, planID, now)
			if err != nil {
				return err
			}

			specialty := model.SpecialtyPrimaryCare
			provider, err := q.GetProvider(ctx, providerID)
			if err != nil {
				return err
			}
			if provider != nil {
				specialty = model.CategorizeSpecialty(provider.Specialty)
			}

			_, c := Recompute(agg, evidence, now, specialty)
			changed = c
			if !changed || dryRun {
				return nil
			}
			return q.SaveAggregate(ctx, agg)
		})
	})
	if err != nil {
		return false, err
	}

	if changed && !dryRun {
		ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
		defer cancel()
		s.cache.Invalidate(ctx, cache.Key("agg", providerID))
	}
	return changed, nil
}
