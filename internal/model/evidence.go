package model

import "time"

// EvidenceTTL is how long a verification remains part of aggregate
// computation. Expiry is a logical filter applied wherever evidence is
// read, not just a cleanup trigger.
const EvidenceTTL = 180 * 24 * time.Hour

// EvidenceSource identifies who reported a verification. Source quality
// feeds the confidence score.
type EvidenceSource string

const (
	SourceInsurer        EvidenceSource = "insurer"
	SourceProviderOffice EvidenceSource = "provider_office"
	SourceDocument       EvidenceSource = "document"
	SourceMember         EvidenceSource = "member"
	SourceUnknown        EvidenceSource = "unknown"
)

// VoteDirection is the direction of a community vote on a verification.
type VoteDirection string

const (
	VoteUp   VoteDirection = "up"
	VoteDown VoteDirection = "down"
)

// Valid reports whether the direction is one of the two known values.
func (d VoteDirection) Valid() bool {
	return d == VoteUp || d == VoteDown
}

// EvidenceRecord is one crowdsourced claim that a provider accepts (or
// does not accept) a plan. Immutable after creation except for vote
// tallies. OriginAddress and ContactHandle are write-only abuse signals
// and are never serialized back to callers.
type EvidenceRecord struct {
	ID            string         `json:"id"`
	ProviderID    string         `json:"provider_id"`
	PlanID        string         `json:"plan_id"`
	Accepts       bool           `json:"accepts"`
	LocationID    *string        `json:"location_id,omitempty"`
	Note          *string        `json:"note,omitempty"`
	EvidenceURL   *string        `json:"evidence_url,omitempty"`
	Source        EvidenceSource `json:"source"`
	ContactHandle *string        `json:"-"`
	OriginAddress string         `json:"-"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	Upvotes       int            `json:"upvotes"`
	Downvotes     int            `json:"downvotes"`
}

// Expired reports whether the record has logically aged out at the
// given instant.
func (e *EvidenceRecord) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// VoteRecord is one vote per (evidence record, origin address) pair.
// Re-voting flips the direction; it never creates a second record.
type VoteRecord struct {
	EvidenceID    string        `json:"evidence_id"`
	OriginAddress string        `json:"-"`
	Direction     VoteDirection `json:"direction"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
