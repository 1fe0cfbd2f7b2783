package trust

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/coveragecheck/trust-api/internal/abuse"
	"github.com/coveragecheck/trust-api/internal/cache"
	"github.com/coveragecheck/trust-api/internal/model"
	"github.com/coveragecheck/trust-api/internal/ratelimit"
	"github.com/coveragecheck/trust-api/internal/store"
	"github.com/coveragecheck/trust-api/internal/sybil"
)

// invalidateTimeout bounds the async cache invalidation that follows a
// write. The write response never waits on it.
const invalidateTimeout = 2 * time.Second

// Pipeline is the verification trust pipeline: it accepts submissions
// and votes, defends the write path, and keeps each pair's aggregate
// consistent with its evidence.
type Pipeline struct {
	store store.Store
	gate  *abuse.Gate
	guard *sybil.Guard
	cache *cache.Cache
	now   func() time.Time
}

// NewPipeline assembles the pipeline from its collaborators.
func NewPipeline(st store.Store, gate *abuse.Gate, guard *sybil.Guard, c *cache.Cache) *Pipeline {
	return &Pipeline{store: st, gate: gate, guard: guard, cache: c, now: time.Now}
}

// SubmitInput is an already-type-checked submission from the routing
// layer. TrapField is the honeypot; ChallengeToken feeds the bot
// challenge.
type SubmitInput struct {
	ProviderID    string
	PlanID        string
	Accepts       bool
	Source        model.EvidenceSource
	LocationID    *string
	Note          *string
	EvidenceURL   *string
	ContactHandle *string
	OriginAddress string

	ChallengeToken string
	TrapField      string
}

// SubmitResult is the submission success payload. Synthetic marks a
// trap response that was never persisted; it is invisible on the wire.
type SubmitResult struct {
	Evidence  *model.EvidenceRecord      `json:"evidence"`
	Aggregate *model.AcceptanceAggregate `json:"aggregate"`
	Synthetic bool                       `json:"-"`
}

const (
	maxNoteLen = 2000
	maxURLLen  = 2048
)

func validateSubmit(in *SubmitInput) map[string]string {
	fields := make(map[string]string)
	if in.ProviderID == "" {
		fields["provider_id"] = "required"
	}
	if in.PlanID == "" {
		fields["plan_id"] = "required"
	}
	if in.OriginAddress == "" {
		fields["origin_address"] = "required"
	}
	if in.Source == "" {
		in.Source = model.SourceUnknown
	}
	if _, ok := sourceWeights[in.Source]; !ok {
		fields["source"] = "unrecognized source"
	}
	if in.Note != nil && len(*in.Note) > maxNoteLen {
		fields["note"] = "too long"
	}
	if in.EvidenceURL != nil && len(*in.EvidenceURL) > maxURLLen {
		fields["evidence_url"] = "too long"
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// SubmitEvidence runs the full write path: abuse gate, Sybil Guard,
// evidence insert, score recompute, consensus update, and async cache
// invalidation. Concurrent submissions for the same pair serialize on
// the aggregate row lock; different pairs proceed in parallel.
func (p *Pipeline) SubmitEvidence(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if fields := validateSubmit(&in); fields != nil {
		return nil, ErrValidation(fields)
	}

	gateResult := p.gate.Check(ctx, abuse.Request{
		Tier:           ratelimit.TierSubmit,
		OriginAddress:  in.OriginAddress,
		TrapField:      in.TrapField,
		ChallengeToken: in.ChallengeToken,
	})
	switch gateResult.Verdict {
	case abuse.VerdictRateLimited:
		return nil, ErrRateLimited(gateResult.RetryAfter)
	case abuse.VerdictTrap:
		return p.syntheticSubmit(in), nil
	case abuse.VerdictChallengeFailed:
		return nil, ErrChallengeRejected()
	}

	now := p.now()
	rec := &model.EvidenceRecord{
		ID:            uuid.New().String(),
		ProviderID:    in.ProviderID,
		PlanID:        in.PlanID,
		Accepts:       in.Accepts,
		Source:        in.Source,
		LocationID:    in.LocationID,
		Note:          in.Note,
		EvidenceURL:   in.EvidenceURL,
		ContactHandle: in.ContactHandle,
		OriginAddress: in.OriginAddress,
		CreatedAt:     now,
		ExpiresAt:     now.Add(model.EvidenceTTL),
	}

	var agg *model.AcceptanceAggregate
	err := p.store.Transact(ctx, func(q store.Queries) error {
		provider, err := q.GetProvider(ctx, in.ProviderID)
		if err != nil {
			return err
		}
		if provider == nil {
			return ErrNotFound("provider")
		}

		// Lock before the Sybil check so concurrent submissions for the
		// pair cannot both pass it.
		locked, err := q.LockAggregate(ctx, in.ProviderID, in.PlanID, now)
		if err != nil {
			return err
		}

		conflict, err := p.guard.Check(ctx, q, in.ProviderID, in.PlanID, in.OriginAddress, in.ContactHandle, now)
		if err != nil {
			return err
		}
		if conflict {
			return ErrDuplicate()
		}

		if err := q.InsertEvidence(ctx, rec); err != nil {
			return err
		}

		evidence, err := q.ListActiveEvidence(ctx, in.ProviderID, in.PlanID, now)
		if err != nil {
			return err
		}

		Recompute(locked, evidence, now, model.CategorizeSpecialty(provider.Specialty))
		if err := q.SaveAggregate(ctx, locked); err != nil {
			return err
		}
		agg = locked
		return nil
	})
	if err != nil {
		if AsError(err) != nil {
			return nil, err
		}
		return nil, Unexpectedf(err, "submit evidence for %s/%s", in.ProviderID, in.PlanID)
	}

	p.invalidateAsync(in.ProviderID)

	zap.L().Info("pipeline: evidence accepted",
		zap.String("provider_id", in.ProviderID),
		zap.String("plan_id", in.PlanID),
		zap.Bool("accepts", in.Accepts),
		zap.String("status", string(agg.Status)),
		zap.Int("confidence", agg.Confidence),
	)

	return &SubmitResult{Evidence: rec, Aggregate: agg}, nil
}

// syntheticSubmit fabricates a success for a trapped caller. Nothing is
// persisted and no later stage runs.
func (p *Pipeline) syntheticSubmit(in SubmitInput) *SubmitResult {
	now := p.now()
	rec := &model.EvidenceRecord{
		ID:          uuid.New().String(),
		ProviderID:  in.ProviderID,
		PlanID:      in.PlanID,
		Accepts:     in.Accepts,
		Source:      in.Source,
		LocationID:  in.LocationID,
		Note:        in.Note,
		EvidenceURL: in.EvidenceURL,
		CreatedAt:   now,
		ExpiresAt:   now.Add(model.EvidenceTTL),
	}
	agg := &model.AcceptanceAggregate{
		ProviderID:    in.ProviderID,
		PlanID:        in.PlanID,
		Status:        model.StatusPending,
		Confidence:    scoreEvidenceCount(1) + scoreAgreement(0, 0),
		EvidenceCount: 1,
		ExpiresAt:     rec.ExpiresAt,
		UpdatedAt:     now,
	}
	return &SubmitResult{Evidence: rec, Aggregate: agg, Synthetic: true}
}

// VoteInput is an already-type-checked vote.
type VoteInput struct {
	EvidenceID    string
	Direction     model.VoteDirection
	OriginAddress string

	ChallengeToken string
	TrapField      string
}

// VoteResult is the vote success payload.
type VoteResult struct {
	Evidence  *model.EvidenceRecord `json:"evidence"`
	Synthetic bool                  `json:"-"`
}

// CastVote records a vote on a verification and recomputes the owning
// pair's aggregate. One vote per origin per record: a repeat vote flips
// the direction rather than duplicating.
func (p *Pipeline) CastVote(ctx context.Context, in VoteInput) (*VoteResult, error) {
	fields := make(map[string]string)
	if in.EvidenceID == "" {
		fields["evidence_id"] = "required"
	}
	if !in.Direction.Valid() {
		fields["direction"] = "must be up or down"
	}
	if in.OriginAddress == "" {
		fields["origin_address"] = "required"
	}
	if len(fields) > 0 {
		return nil, ErrValidation(fields)
	}

	gateResult := p.gate.Check(ctx, abuse.Request{
		Tier:           ratelimit.TierVote,
		OriginAddress:  in.OriginAddress,
		TrapField:      in.TrapField,
		ChallengeToken: in.ChallengeToken,
	})
	switch gateResult.Verdict {
	case abuse.VerdictRateLimited:
		return nil, ErrRateLimited(gateResult.RetryAfter)
	case abuse.VerdictTrap:
		return p.syntheticVote(ctx, in), nil
	case abuse.VerdictChallengeFailed:
		return nil, ErrChallengeRejected()
	}

	now := p.now()
	var voted *model.EvidenceRecord
	var providerID string
	err := p.store.Transact(ctx, func(q store.Queries) error {
		rec, err := q.GetEvidence(ctx, in.EvidenceID)
		if err != nil {
			return err
		}
		if rec == nil || rec.Expired(now) {
			return ErrNotFound("evidence")
		}
		providerID = rec.ProviderID

		provider, err := q.GetProvider(ctx, rec.ProviderID)
		if err != nil {
			return err
		}

		agg, err := q.LockAggregate(ctx, rec.ProviderID, rec.PlanID, now)
		if err != nil {
			return err
		}

		prev, err := q.UpsertVote(ctx, &model.VoteRecord{
			EvidenceID:    in.EvidenceID,
			OriginAddress: in.OriginAddress,
			Direction:     in.Direction,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return err
		}

		upDelta, downDelta := voteDeltas(prev, in.Direction)
		if err := q.ApplyVoteDelta(ctx, in.EvidenceID, upDelta, downDelta); err != nil {
			return err
		}
		rec.Upvotes += upDelta
		rec.Downvotes += downDelta

		evidence, err := q.ListActiveEvidence(ctx, rec.ProviderID, rec.PlanID, now)
		if err != nil {
			return err
		}

		specialty := model.SpecialtyPrimaryCare
		if provider != nil {
			specialty = model.CategorizeSpecialty(provider.Specialty)
		}
		Recompute(agg, evidence, now, specialty)
		if err := q.SaveAggregate(ctx, agg); err != nil {
			return err
		}

		voted = rec
		return nil
	})
	if err != nil {
		if AsError(err) != nil {
			return nil, err
		}
		return nil, Unexpectedf(err, "cast vote on %s", in.EvidenceID)
	}

	p.invalidateAsync(providerID)

	return &VoteResult{Evidence: voted}, nil
}

// voteDeltas computes tally adjustments given the prior vote, if any. A
// repeat vote in the same direction changes nothing.
func voteDeltas(prev *model.VoteRecord, direction model.VoteDirection) (up, down int) {
	switch {
	case prev == nil:
		if direction == model.VoteUp {
			return 1, 0
		}
		return 0, 1
	case prev.Direction == direction:
		return 0, 0
	case direction == model.VoteUp:
		return 1, -1
	default:
		return -1, 1
	}
}

// syntheticVote echoes the record with the vote apparently applied,
// without touching storage beyond a read.
func (p *Pipeline) syntheticVote(ctx context.Context, in VoteInput) *VoteResult {
	rec, err := p.store.GetEvidence(ctx, in.EvidenceID)
	if err != nil || rec == nil {
		rec = &model.EvidenceRecord{
			ID:        in.EvidenceID,
			CreatedAt: p.now(),
			ExpiresAt: p.now().Add(model.EvidenceTTL),
		}
	}
	if in.Direction == model.VoteUp {
		rec.Upvotes++
	} else {
		rec.Downvotes++
	}
	return &VoteResult{Evidence: rec, Synthetic: true}
}

// EvidenceSummary condenses the active evidence set for read responses.
type EvidenceSummary struct {
	TotalActive       int  `json:"total_active"`
	Accepts           int  `json:"accepts"`
	Rejects           int  `json:"rejects"`
	Upvotes           int  `json:"upvotes"`
	Downvotes         int  `json:"downvotes"`
	IsStale           bool `json:"is_stale"`
	RecommendReverify bool `json:"recommend_reverify"`
}

// AggregateView is the read payload for one pair.
type AggregateView struct {
	Aggregate model.AcceptanceAggregate `json:"aggregate"`
	Evidence  []model.EvidenceRecord    `json:"evidence"`
	Summary   EvidenceSummary           `json:"summary"`
}

// GetAggregate serves the read path through the cache, recomputing from
// the store on a miss. Evidence is sanitized by construction: origin
// addresses and contact handles never marshal.
func (p *Pipeline) GetAggregate(ctx context.Context, providerID, planID string) (*AggregateView, error) {
	if providerID == "" || planID == "" {
		fields := make(map[string]string)
		if providerID == "" {
			fields["provider_id"] = "required"
		}
		if planID == "" {
			fields["plan_id"] = "required"
		}
		return nil, ErrValidation(fields)
	}

	key := cache.Key("agg", providerID, planID)
	payload, err := p.cache.GetOrFill(ctx, key, func(ctx context.Context) ([]byte, error) {
		view, err := p.buildView(ctx, providerID, planID)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(view)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: marshal aggregate view")
		}
		return data, nil
	})
	if err != nil {
		if AsError(err) != nil {
			return nil, err
		}
		return nil, Unexpectedf(err, "get aggregate %s/%s", providerID, planID)
	}

	var view AggregateView
	if err := json.Unmarshal(payload, &view); err != nil {
		return nil, Unexpectedf(err, "decode cached aggregate %s/%s", providerID, planID)
	}
	return &view, nil
}

func (p *Pipeline) buildView(ctx context.Context, providerID, planID string) (*AggregateView, error) {
	provider, err := p.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, ErrNotFound("provider")
	}

	now := p.now()
	agg, err := p.store.GetAggregate(ctx, providerID, planID)
	if err != nil {
		return nil, err
	}
	if agg == nil {
		agg = &model.AcceptanceAggregate{
			ProviderID: providerID,
			PlanID:     planID,
			Status:     model.StatusUnknown,
			ExpiresAt:  now,
			UpdatedAt:  now,
		}
	}

	evidence, err := p.store.ListActiveEvidence(ctx, providerID, planID, now)
	if err != nil {
		return nil, err
	}

	result := Score(evidence, now, model.CategorizeSpecialty(provider.Specialty))
	summary := EvidenceSummary{
		TotalActive:       len(evidence),
		Upvotes:           0,
		Downvotes:         0,
		IsStale:           result.IsStale,
		RecommendReverify: result.RecommendReverify,
	}
	for i := range evidence {
		if evidence[i].Accepts {
			summary.Accepts++
		} else {
			summary.Rejects++
		}
		summary.Upvotes += evidence[i].Upvotes
		summary.Downvotes += evidence[i].Downvotes
	}

	return &AggregateView{Aggregate: *agg, Evidence: evidence, Summary: summary}, nil
}

// invalidateAsync sweeps cached reads touching the provider. Explicitly
// best-effort: the write has already returned, failures are only logged,
// and the cache TTL bounds staleness either way.
func (p *Pipeline) invalidateAsync(providerID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
		defer cancel()
		p.cache.Invalidate(ctx, cache.Key("agg", providerID))
	}()
}
