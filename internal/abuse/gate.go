// Package abuse implements the gate every write passes through before
// any pipeline stage runs: admission control, a trap-field check that
// silently swallows automated submissions, and bot-challenge
// verification with a configurable failure policy.
package abuse

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coveragecheck/trust-api/internal/ratelimit"
	"github.com/coveragecheck/trust-api/internal/resilience"
	"github.com/coveragecheck/trust-api/pkg/challenge"
)

// Verdict classifies the gate's decision for a write request.
type Verdict int

const (
	// VerdictAdmit lets the write proceed.
	VerdictAdmit Verdict = iota
	// VerdictRateLimited denies admission; RetryAfter is set.
	VerdictRateLimited
	// VerdictTrap means the trap field was populated. The caller must
	// return a synthetic success without executing any further stage.
	VerdictTrap
	// VerdictChallengeFailed means the token was rejected or scored
	// below threshold, or the verdict service is down and the gate is
	// fail-closed.
	VerdictChallengeFailed
)

// Result is the outcome of a gate check.
type Result struct {
	Verdict    Verdict
	RetryAfter time.Duration
	// Degraded is set when the limiter backend or the verdict service
	// was unavailable and a fallback behavior applied.
	Degraded bool
}

// Config controls the gate's challenge policy.
type Config struct {
	// ScoreThreshold rejects tokens scoring below it. Default 0.5.
	ScoreThreshold float64 `yaml:"score_threshold" mapstructure:"score_threshold"`
	// FailOpen selects the failure policy when the verdict service is
	// unreachable: true applies the stricter fallback admission tier,
	// false rejects all writes until the service recovers.
	FailOpen bool `yaml:"fail_open" mapstructure:"fail_open"`
}

// Gate chains the write-path checks in fixed order: admission, trap
// field, challenge verification.
type Gate struct {
	limiter  *ratelimit.Limiter
	verifier challenge.Client
	breaker  *resilience.CircuitBreaker
	cfg      Config
	now      func() time.Time
}

// NewGate assembles the gate. The circuit breaker wraps the verdict
// service so a dead service stops eating the per-call timeout on every
// write.
func NewGate(limiter *ratelimit.Limiter, verifier challenge.Client, cfg Config) *Gate {
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = 0.5
	}
	return &Gate{
		limiter:  limiter,
		verifier: verifier,
		breaker:  resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{}),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Request carries the abuse-relevant parts of a write.
type Request struct {
	Tier          ratelimit.Tier
	OriginAddress string
	// TrapField is the honeypot value. Legitimate clients never populate
	// it; any content marks the caller as automated.
	TrapField string
	// ChallengeToken is the caller-supplied bot-challenge token.
	ChallengeToken string
}

// Check runs the chain. Order matters: admission is checked before the
// trap so bots still consume their rate budget, and the trap
// short-circuits before the challenge service is ever called.
func (g *Gate) Check(ctx context.Context, req Request) Result {
	decision := g.limiter.Allow(ctx, req.Tier, req.OriginAddress)
	if !decision.Allowed {
		return Result{
			Verdict:    VerdictRateLimited,
			RetryAfter: decision.RetryAfter(g.now()),
			Degraded:   decision.Degraded,
		}
	}

	if req.TrapField != "" {
		// Deliberate deception, not an error: the caller gets a canned
		// success and no signal it was detected.
		zap.L().Debug("abuse_gate: trap sprung", zap.String("origin", req.OriginAddress))
		return Result{Verdict: VerdictTrap, Degraded: decision.Degraded}
	}

	verdict, err := resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*challenge.Verdict, error) {
		return g.verifier.Verify(ctx, req.ChallengeToken, req.OriginAddress)
	})
	if err != nil {
		return g.challengeUnavailable(ctx, req, err)
	}

	if !verdict.Success || verdict.Score < g.cfg.ScoreThreshold {
		zap.L().Info("abuse_gate: challenge rejected",
			zap.String("origin", req.OriginAddress),
			zap.Float64("score", verdict.Score),
		)
		return Result{Verdict: VerdictChallengeFailed, Degraded: decision.Degraded}
	}

	return Result{Verdict: VerdictAdmit, Degraded: decision.Degraded}
}

// challengeUnavailable applies the configured failure policy. Fail-open
// swaps in the stricter fallback tier rather than admitting freely;
// fail-closed rejects writes until the verdict service recovers.
func (g *Gate) challengeUnavailable(ctx context.Context, req Request, cause error) Result {
	zap.L().Warn("abuse_gate: challenge service unavailable",
		zap.Bool("fail_open", g.cfg.FailOpen),
		zap.Error(cause),
	)

	if !g.cfg.FailOpen {
		return Result{Verdict: VerdictChallengeFailed, Degraded: true}
	}

	fallback := g.limiter.Allow(ctx, ratelimit.TierFallback, req.OriginAddress)
	if !fallback.Allowed {
		return Result{
			Verdict:    VerdictRateLimited,
			RetryAfter: fallback.RetryAfter(g.now()),
			Degraded:   true,
		}
	}
	return Result{Verdict: VerdictAdmit, Degraded: true}
}

// BreakerState exposes the challenge breaker state for the admin surface.
func (g *Gate) BreakerState() string {
	return g.breaker.State().String()
}
