package trust

import (
	"time"

	"github.com/coveragecheck/trust-api/internal/model"
)

// Consensus guard thresholds: a public verdict change requires all three.
const (
	// consensusMinEvidence is the corroboration floor.
	consensusMinEvidence = 3
	// consensusMinScore is the confidence floor.
	consensusMinScore = 60
	// consensusMajority requires a clear 2:1 split between accept and
	// reject claims.
	consensusMajority = 2
)

// NextStatus evaluates the consensus guard after an accepted submission,
// vote, or decay sweep. The verdict only changes when evidence count,
// score, and claim majority all clear their thresholds; otherwise it
// holds (or moves unknown → pending once any evidence exists). A pair
// never silently reverts to unknown while evidence remains. The majority
// is re-evaluated over all active evidence each time, so a verdict can
// flip between accepted and not_accepted as the ratio crosses 2:1 in
// either direction; no hysteresis is applied.
func NextStatus(current model.AcceptanceStatus, evidence []model.EvidenceRecord, score int) model.AcceptanceStatus {
	if len(evidence) == 0 {
		return current
	}

	accepts, rejects := 0, 0
	for i := range evidence {
		if evidence[i].Accepts {
			accepts++
		} else {
			rejects++
		}
	}

	if len(evidence) >= consensusMinEvidence && score >= consensusMinScore {
		switch {
		case accepts > 0 && accepts >= consensusMajority*rejects:
			return model.StatusAccepted
		case rejects > 0 && rejects >= consensusMajority*accepts:
			return model.StatusNotAccepted
		}
	}

	// Guard failed: hold the verdict, but surface that evidence exists.
	if current == model.StatusUnknown {
		return model.StatusPending
	}
	return current
}

// Recompute applies the confidence engine and consensus guard to an
// aggregate in place, given the active evidence set. This is the only
// code path that writes the confidence score. Returns the engine output
// and whether any persisted field changed.
func Recompute(agg *model.AcceptanceAggregate, evidence []model.EvidenceRecord, now time.Time, specialty model.SpecialtyCategory) (ScoreResult, bool) {
	result := Score(evidence, now, specialty)

	status := NextStatus(agg.Status, evidence, result.Total)
	count := len(evidence)

	var lastVerified *time.Time
	expiresAt := agg.ExpiresAt
	if count > 0 {
		newest := newestCreated(evidence)
		lastVerified = &newest
		expiresAt = newest.Add(model.EvidenceTTL)
	} else {
		// All evidence decayed away: the aggregate is derived state with
		// no independent existence, so it reverts to unknown.
		status = model.StatusUnknown
	}

	changed := agg.Confidence != result.Total ||
		agg.Status != status ||
		agg.EvidenceCount != count

	agg.Confidence = result.Total
	agg.Status = status
	agg.EvidenceCount = count
	agg.LastVerifiedAt = lastVerified
	agg.ExpiresAt = expiresAt
	if changed {
		agg.UpdatedAt = now
	}

	return result, changed
}
