package trust

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coveragecheck/trust-api/internal/abuse"
	"github.com/coveragecheck/trust-api/internal/backend"
	"github.com/coveragecheck/trust-api/internal/cache"
	"github.com/coveragecheck/trust-api/internal/model"
	"github.com/coveragecheck/trust-api/internal/ratelimit"
	"github.com/coveragecheck/trust-api/internal/store"
	"github.com/coveragecheck/trust-api/internal/sybil"
	"github.com/coveragecheck/trust-api/pkg/challenge"
)

// fakeStore is an in-memory store.Store for pipeline tests. Transact
// serializes on a mutex, which is a faithful stand-in for the per-pair
// row lock.
type fakeStore struct {
	mu         sync.Mutex
	providers  map[string]model.Provider
	evidence   map[string]*model.EvidenceRecord
	aggregates map[string]*model.AcceptanceAggregate
	votes      map[string]*model.VoteRecord // key evidenceID|origin
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		providers:  make(map[string]model.Provider),
		evidence:   make(map[string]*model.EvidenceRecord),
		aggregates: make(map[string]*model.AcceptanceAggregate),
		votes:      make(map[string]*model.VoteRecord),
	}
}

func pairKey(providerID, planID string) string { return providerID + "|" + planID }

func (s *fakeStore) GetProvider(_ context.Context, providerID string) (*model.Provider, error) {
	if p, ok := s.providers[providerID]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) UpsertProvider(_ context.Context, prov *model.Provider) error {
	s.providers[prov.ID] = *prov
	return nil
}

func (s *fakeStore) GetEvidence(_ context.Context, evidenceID string) (*model.EvidenceRecord, error) {
	if e, ok := s.evidence[evidenceID]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) ListActiveEvidence(_ context.Context, providerID, planID string, now time.Time) ([]model.EvidenceRecord, error) {
	var out []model.EvidenceRecord
	for _, e := range s.evidence {
		if e.ProviderID == providerID && e.PlanID == planID && !e.Expired(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeStore) HasRecentSubmission(_ context.Context, providerID, planID, originAddress string, contactHandle *string, since, now time.Time) (bool, error) {
	for _, e := range s.evidence {
		if e.ProviderID != providerID || e.PlanID != planID || e.Expired(now) || e.CreatedAt.Before(since) {
			continue
		}
		if e.OriginAddress == originAddress {
			return true, nil
		}
		if contactHandle != nil && e.ContactHandle != nil && *e.ContactHandle == *contactHandle {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) InsertEvidence(_ context.Context, rec *model.EvidenceRecord) error {
	cp := *rec
	s.evidence[rec.ID] = &cp
	return nil
}

func (s *fakeStore) GetAggregate(_ context.Context, providerID, planID string) (*model.AcceptanceAggregate, error) {
	if a, ok := s.aggregates[pairKey(providerID, planID)]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) LockAggregate(_ context.Context, providerID, planID string, now time.Time) (*model.AcceptanceAggregate, error) {
	key := pairKey(providerID, planID)
	if a, ok := s.aggregates[key]; ok {
		cp := *a
		return &cp, nil
	}
	agg := &model.AcceptanceAggregate{
		ProviderID: providerID,
		PlanID:     planID,
		Status:     model.StatusUnknown,
		ExpiresAt:  now,
		UpdatedAt:  now,
	}
	s.aggregates[key] = agg
	cp := *agg
	return &cp, nil
}

func (s *fakeStore) SaveAggregate(_ context.Context, agg *model.AcceptanceAggregate) error {
	cp := *agg
	s.aggregates[pairKey(agg.ProviderID, agg.PlanID)] = &cp
	return nil
}

func (s *fakeStore) UpsertVote(_ context.Context, vote *model.VoteRecord) (*model.VoteRecord, error) {
	key := vote.EvidenceID + "|" + vote.OriginAddress
	prev := s.votes[key]
	cp := *vote
	if prev != nil {
		cp.CreatedAt = prev.CreatedAt
		prevCp := *prev
		s.votes[key] = &cp
		return &prevCp, nil
	}
	s.votes[key] = &cp
	return nil, nil
}

func (s *fakeStore) ApplyVoteDelta(_ context.Context, evidenceID string, upDelta, downDelta int) error {
	if e, ok := s.evidence[evidenceID]; ok {
		e.Upvotes += upDelta
		e.Downvotes += downDelta
	}
	return nil
}

func (s *fakeStore) ListAggregatesAfter(_ context.Context, cursorProvider, cursorPlan string, limit int) ([]model.AcceptanceAggregate, error) {
	var all []model.AcceptanceAggregate
	for _, a := range s.aggregates {
		if a.EvidenceCount == 0 {
			continue
		}
		all = append(all, *a)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ProviderID != all[j].ProviderID {
			return all[i].ProviderID < all[j].ProviderID
		}
		return all[i].PlanID < all[j].PlanID
	})

	var out []model.AcceptanceAggregate
	for _, a := range all {
		if cursorProvider != "" {
			cmp := strings.Compare(a.ProviderID, cursorProvider)
			if cmp < 0 || (cmp == 0 && a.PlanID <= cursorPlan) {
				continue
			}
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) Transact(ctx context.Context, fn func(q store.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s)
}

func (s *fakeStore) Metrics(_ context.Context, now time.Time) (*store.Metrics, error) {
	m := &store.Metrics{AggregatesByStatus: make(map[string]int)}
	for _, e := range s.evidence {
		if !e.Expired(now) {
			m.ActiveEvidence++
		}
	}
	m.TotalVotes = len(s.votes)
	for _, a := range s.aggregates {
		m.AggregatesByStatus[string(a.Status)]++
	}
	return m, nil
}

func (s *fakeStore) Migrate(context.Context) error { return nil }
func (s *fakeStore) Ping(context.Context) error    { return nil }
func (s *fakeStore) Close() error                  { return nil }

// passVerifier always admits.
type passVerifier struct{}

func (passVerifier) Verify(context.Context, string, string) (*challenge.Verdict, error) {
	return &challenge.Verdict{Success: true, Score: 0.9}, nil
}

type testEnv struct {
	store    *fakeStore
	pipeline *Pipeline
	backend  *backend.MemoryBackend
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := newFakeStore()
	st.providers["1234567890"] = model.Provider{ID: "1234567890", Name: "Dr. Example", Specialty: "Family Medicine"}

	be := backend.NewMemory()
	t.Cleanup(func() { be.Close() })
	stats := backend.NewStats()
	limiter := ratelimit.New(be, stats)
	readCache := cache.New(be, stats, 0)
	gate := abuse.NewGate(limiter, passVerifier{}, abuse.Config{FailOpen: true})

	env := &testEnv{
		store:    st,
		backend:  be,
		pipeline: NewPipeline(st, gate, sybil.NewGuard(0), readCache),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.pipeline.now = func() time.Time { return env.now }
	return env
}

func submitFrom(origin string, accepts bool) SubmitInput {
	return SubmitInput{
		ProviderID:    "1234567890",
		PlanID:        "PLAN1",
		Accepts:       accepts,
		Source:        model.SourceMember,
		OriginAddress: origin,
	}
}

func TestSubmitEvidenceValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.pipeline.SubmitEvidence(context.Background(), SubmitInput{})
	require.Error(t, err)
	pe := AsError(err)
	require.NotNil(t, pe)
	assert.Equal(t, KindValidation, pe.Kind)
	assert.Contains(t, pe.Fields, "provider_id")
	assert.Contains(t, pe.Fields, "plan_id")
	assert.Contains(t, pe.Fields, "origin_address")
}

func TestSubmitEvidenceUnknownProvider(t *testing.T) {
	env := newTestEnv(t)

	in := submitFrom("10.0.0.1", true)
	in.ProviderID = "9999999999"
	_, err := env.pipeline.SubmitEvidence(context.Background(), in)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestSubmitEvidenceConsensusLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Three accepts from distinct origins over ten days.
	origins := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	var last *SubmitResult
	for i, origin := range origins {
		env.now = env.now.Add(time.Duration(i) * 5 * 24 * time.Hour)
		result, err := env.pipeline.SubmitEvidence(ctx, submitFrom(origin, true))
		require.NoError(t, err)
		last = result
	}

	require.NotNil(t, last.Aggregate)
	assert.Equal(t, model.StatusAccepted, last.Aggregate.Status)
	assert.Equal(t, 3, last.Aggregate.EvidenceCount)
	assert.GreaterOrEqual(t, last.Aggregate.Confidence, 60)

	// First submission alone had only moved the pair to pending.
	first, err := env.store.GetAggregate(ctx, "1234567890", "PLAN1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, first.Status)
}

func TestSubmitEvidenceSybilWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.pipeline.SubmitEvidence(ctx, submitFrom("10.0.0.1", true))
	require.NoError(t, err)

	// Same origin inside the 30-day window is a duplicate.
	env.now = env.now.Add(29 * 24 * time.Hour)
	_, err = env.pipeline.SubmitEvidence(ctx, submitFrom("10.0.0.1", true))
	assert.Equal(t, KindDuplicate, KindOf(err))

	// Past the window it is accepted again.
	env.now = env.now.Add(2 * 24 * time.Hour)
	_, err = env.pipeline.SubmitEvidence(ctx, submitFrom("10.0.0.1", true))
	assert.NoError(t, err)
}

func TestSubmitEvidenceSybilContactHandle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	handle := "frontdesk@clinic.example"
	in := submitFrom("10.0.0.1", true)
	in.ContactHandle = &handle
	_, err := env.pipeline.SubmitEvidence(ctx, in)
	require.NoError(t, err)

	// Different origin, same contact handle: still a duplicate.
	in2 := submitFrom("10.0.0.2", true)
	in2.ContactHandle = &handle
	_, err = env.pipeline.SubmitEvidence(ctx, in2)
	assert.Equal(t, KindDuplicate, KindOf(err))
}

func TestSubmitEvidenceTrapField(t *testing.T) {
	env := newTestEnv(t)

	in := submitFrom("10.0.0.9", true)
	in.TrapField = "https://spam.example"
	result, err := env.pipeline.SubmitEvidence(context.Background(), in)
	require.NoError(t, err, "trapped callers must see success")
	assert.True(t, result.Synthetic)
	assert.NotEmpty(t, result.Evidence.ID)

	// Nothing was persisted.
	assert.Empty(t, env.store.evidence)
	assert.Empty(t, env.store.aggregates)
}

func TestSubmitEvidenceRateLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The submit tier allows 5 per window per origin. Use distinct pairs
	// so only admission can reject.
	for i := 0; i < 5; i++ {
		in := submitFrom("10.0.0.5", true)
		in.PlanID = "PLAN" + string(rune('1'+i))
		_, err := env.pipeline.SubmitEvidence(ctx, in)
		require.NoError(t, err)
	}

	in := submitFrom("10.0.0.5", true)
	in.PlanID = "PLAN9"
	_, err := env.pipeline.SubmitEvidence(ctx, in)
	require.Error(t, err)
	pe := AsError(err)
	require.NotNil(t, pe)
	assert.Equal(t, KindRateLimited, pe.Kind)
	assert.Greater(t, pe.RetryAfter, time.Duration(0))
}

func TestCastVoteFlipsDirection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	submitted, err := env.pipeline.SubmitEvidence(ctx, submitFrom("10.0.0.1", true))
	require.NoError(t, err)
	evidenceID := submitted.Evidence.ID

	vote := VoteInput{EvidenceID: evidenceID, Direction: model.VoteUp, OriginAddress: "10.0.1.1"}
	result, err := env.pipeline.CastVote(ctx, vote)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Evidence.Upvotes)
	assert.Equal(t, 0, result.Evidence.Downvotes)

	// Repeat vote in the same direction changes nothing.
	result, err = env.pipeline.CastVote(ctx, vote)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Evidence.Upvotes)

	// Opposite direction flips rather than accumulating.
	vote.Direction = model.VoteDown
	result, err = env.pipeline.CastVote(ctx, vote)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Evidence.Upvotes)
	assert.Equal(t, 1, result.Evidence.Downvotes)
}

func TestCastVoteUnknownEvidence(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.pipeline.CastVote(context.Background(), VoteInput{
		EvidenceID:    "does-not-exist",
		Direction:     model.VoteUp,
		OriginAddress: "10.0.1.1",
	})
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestCastVoteValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.pipeline.CastVote(context.Background(), VoteInput{
		EvidenceID:    "x",
		Direction:     model.VoteDirection("sideways"),
		OriginAddress: "10.0.1.1",
	})
	pe := AsError(err)
	require.NotNil(t, pe)
	assert.Equal(t, KindValidation, pe.Kind)
	assert.Contains(t, pe.Fields, "direction")
}

func TestGetAggregateUnknownPair(t *testing.T) {
	env := newTestEnv(t)

	view, err := env.pipeline.GetAggregate(context.Background(), "1234567890", "NOPLAN")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnknown, view.Aggregate.Status)
	assert.Zero(t, view.Summary.TotalActive)
}

func TestGetAggregateSanitizesEvidence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	handle := "owner@clinic.example"
	in := submitFrom("10.0.0.1", true)
	in.ContactHandle = &handle
	_, err := env.pipeline.SubmitEvidence(ctx, in)
	require.NoError(t, err)

	view, err := env.pipeline.GetAggregate(ctx, "1234567890", "PLAN1")
	require.NoError(t, err)
	require.Len(t, view.Evidence, 1)

	// The view travels through JSON, so write-only fields are gone.
	assert.Empty(t, view.Evidence[0].OriginAddress)
	assert.Nil(t, view.Evidence[0].ContactHandle)
	assert.Equal(t, 1, view.Summary.Accepts)
}

func TestGetAggregateCaseInsensitiveCaching(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.pipeline.SubmitEvidence(ctx, submitFrom("10.0.0.1", true))
	require.NoError(t, err)

	first, err := env.pipeline.GetAggregate(ctx, "1234567890", "PLAN1")
	require.NoError(t, err)
	second, err := env.pipeline.GetAggregate(ctx, "1234567890", "plan1")
	require.NoError(t, err)
	assert.Equal(t, first.Aggregate.Confidence, second.Aggregate.Confidence)
}
