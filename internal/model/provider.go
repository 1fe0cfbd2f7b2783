package model

import "strings"

// SpecialtyCategory buckets provider specialties by how quickly their
// plan participation churns. High-turnover categories get tighter
// freshness thresholds in the confidence score.
type SpecialtyCategory string

const (
	SpecialtyBehavioralHealth SpecialtyCategory = "behavioral_health"
	SpecialtyPrimaryCare      SpecialtyCategory = "primary_care"
	SpecialtySpecialist       SpecialtyCategory = "specialist"
	SpecialtyHospitalBased    SpecialtyCategory = "hospital_based"
)

// Provider is the minimal read model the pipeline needs: identity plus
// the specialty that drives recency decay.
type Provider struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Specialty string `json:"specialty"`
}

// behavioral health and hospital-based keywords checked before the
// broader specialist bucket; everything unmatched is primary care.
var specialtyKeywords = []struct {
	category SpecialtyCategory
	terms    []string
}{
	{SpecialtyBehavioralHealth, []string{"psychiat", "psycholog", "behavioral", "mental health", "counsel", "therap", "social work", "addiction"}},
	{SpecialtyHospitalBased, []string{"anesthesi", "radiolog", "patholog", "emergency", "hospitalist", "surg", "intensiv", "neonat"}},
	{SpecialtySpecialist, []string{"cardio", "dermatolog", "endocrin", "gastro", "nephro", "neuro", "oncolog", "ophthalm", "ortho", "otolaryng", "pulmon", "rheumat", "urolog", "allerg", "immunolog"}},
}

// CategorizeSpecialty maps a free-text provider specialty to its churn
// category. Unrecognized specialties fall back to primary care, which
// carries a middle-of-the-road freshness threshold.
func CategorizeSpecialty(specialty string) SpecialtyCategory {
	s := strings.ToLower(strings.TrimSpace(specialty))
	if s == "" {
		return SpecialtyPrimaryCare
	}
	for _, group := range specialtyKeywords {
		for _, term := range group.terms {
			if strings.Contains(s, term) {
				return group.category
			}
		}
	}
	return SpecialtyPrimaryCare
}
