package model

import "time"

// AcceptanceStatus is the public verdict for a (provider, plan) pair.
type AcceptanceStatus string

const (
	StatusUnknown     AcceptanceStatus = "unknown"
	StatusPending     AcceptanceStatus = "pending"
	StatusAccepted    AcceptanceStatus = "accepted"
	StatusNotAccepted AcceptanceStatus = "not_accepted"
)

// AcceptanceAggregate is the derived per (provider, plan) summary. It is
// mutated only by the confidence engine and consensus state machine as a
// side effect of evidence ingestion or decay sweeps; request handlers
// never write it directly.
type AcceptanceAggregate struct {
	ProviderID     string           `json:"provider_id"`
	PlanID         string           `json:"plan_id"`
	Status         AcceptanceStatus `json:"status"`
	Confidence     int              `json:"confidence"`
	LastVerifiedAt *time.Time       `json:"last_verified_at,omitempty"`
	EvidenceCount  int              `json:"evidence_count"`
	ExpiresAt      time.Time        `json:"expires_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}
