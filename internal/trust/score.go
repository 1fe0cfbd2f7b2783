// Package trust converts accumulated verification evidence into a
// confidence score and a public acceptance verdict, and orchestrates the
// write path that feeds it.
package trust

import (
	"time"

	"github.com/coveragecheck/trust-api/internal/model"
)

// Factor caps. The four factors sum to at most 100.
const (
	maxSourceQuality = 25
	maxRecency       = 30
	maxEvidenceCount = 25
	maxAgreement     = 20
)

// hardExpiry is the age beyond which recency contributes nothing,
// regardless of specialty.
const hardExpiry = 180 * 24 * time.Hour

// Factors breaks the confidence score into its components.
type Factors struct {
	SourceQuality int `json:"source_quality"`
	Recency       int `json:"recency"`
	EvidenceCount int `json:"evidence_count"`
	Agreement     int `json:"agreement"`
}

// ScoreResult is the confidence engine's output for one pair.
type ScoreResult struct {
	Total   int     `json:"total"`
	Factors Factors `json:"factors"`
	// IsStale reports that the newest evidence has aged past the
	// specialty's freshness threshold.
	IsStale bool `json:"is_stale"`
	// RecommendReverify flags pairs within 80% of the threshold, i.e.
	// worth refreshing before they go stale.
	RecommendReverify bool `json:"recommend_reverify"`
}

// sourceWeights ranks how much a verification source is worth. The
// highest-weight source in the evidence set wins.
var sourceWeights = map[model.EvidenceSource]int{
	model.SourceInsurer:        25,
	model.SourceProviderOffice: 22,
	model.SourceDocument:       18,
	model.SourceMember:         12,
	model.SourceUnknown:        10,
}

// freshnessThresholds gives each specialty category its staleness
// horizon. High-turnover practices (behavioral health in particular)
// churn plan participation far faster than hospital-based ones.
var freshnessThresholds = map[model.SpecialtyCategory]time.Duration{
	model.SpecialtyBehavioralHealth: 60 * 24 * time.Hour,
	model.SpecialtyPrimaryCare:      90 * 24 * time.Hour,
	model.SpecialtySpecialist:       120 * 24 * time.Hour,
	model.SpecialtyHospitalBased:    180 * 24 * time.Hour,
}

// FreshnessThreshold returns the staleness horizon for a specialty,
// defaulting to the primary care threshold.
func FreshnessThreshold(specialty model.SpecialtyCategory) time.Duration {
	if t, ok := freshnessThresholds[specialty]; ok {
		return t
	}
	return freshnessThresholds[model.SpecialtyPrimaryCare]
}

// Score is the confidence engine: a pure function from the active
// evidence set to a bounded score. Callers pass only non-expired
// evidence; an empty set scores zero on every factor.
func Score(evidence []model.EvidenceRecord, now time.Time, specialty model.SpecialtyCategory) ScoreResult {
	if len(evidence) == 0 {
		return ScoreResult{}
	}

	threshold := FreshnessThreshold(specialty)
	newest := newestCreated(evidence)
	age := now.Sub(newest)

	factors := Factors{
		SourceQuality: scoreSourceQuality(evidence),
		Recency:       scoreRecency(age, threshold),
		EvidenceCount: scoreEvidenceCount(len(evidence)),
		Agreement:     scoreAgreement(tallyVotes(evidence)),
	}

	total := factors.SourceQuality + factors.Recency + factors.EvidenceCount + factors.Agreement
	if total > 100 {
		total = 100
	}
	if total < 0 {
		total = 0
	}

	return ScoreResult{
		Total:             total,
		Factors:           factors,
		IsStale:           age > threshold,
		RecommendReverify: age >= time.Duration(float64(threshold)*0.8),
	}
}

// scoreSourceQuality returns 0-25: the best verified source in the set
// wins, with unknown sources carrying a low-middle default.
func scoreSourceQuality(evidence []model.EvidenceRecord) int {
	best := 0
	for i := range evidence {
		w, ok := sourceWeights[evidence[i].Source]
		if !ok {
			w = sourceWeights[model.SourceUnknown]
		}
		if w > best {
			best = w
		}
	}
	if best > maxSourceQuality {
		best = maxSourceQuality
	}
	return best
}

// scoreRecency returns 0-30, decaying in tiers against the specialty
// threshold. Nothing survives past 180 days.
func scoreRecency(age time.Duration, threshold time.Duration) int {
	switch {
	case age < 0:
		// Clock skew; treat as fresh.
		return maxRecency
	case age <= threshold/2:
		return maxRecency
	case age <= threshold:
		return 22
	case age <= 135*24*time.Hour:
		return 12
	case age <= hardExpiry:
		return 6
	default:
		return 0
	}
}

// scoreEvidenceCount returns 0-25, stepping up to full value at three
// records — the point at which independent corroboration is treated as
// reliable.
func scoreEvidenceCount(n int) int {
	switch {
	case n <= 0:
		return 0
	case n == 1:
		return 10
	case n == 2:
		return 18
	default:
		return maxEvidenceCount
	}
}

// scoreAgreement returns 0-20 from the upvote ratio across all active
// evidence, banded from complete consensus down to conflicting.
func scoreAgreement(up, down int) int {
	total := up + down
	if total == 0 {
		// No community signal either way.
		return 10
	}
	ratio := float64(up) / float64(total)
	switch {
	case ratio >= 0.95:
		return maxAgreement
	case ratio >= 0.80:
		return 16
	case ratio >= 0.60:
		return 12
	case ratio >= 0.40:
		return 6
	default:
		return 2
	}
}

func tallyVotes(evidence []model.EvidenceRecord) (up, down int) {
	for i := range evidence {
		up += evidence[i].Upvotes
		down += evidence[i].Downvotes
	}
	return up, down
}

func newestCreated(evidence []model.EvidenceRecord) time.Time {
	newest := evidence[0].CreatedAt
	for i := 1; i < len(evidence); i++ {
		if evidence[i].CreatedAt.After(newest) {
			newest = evidence[i].CreatedAt
		}
	}
	return newest
}
