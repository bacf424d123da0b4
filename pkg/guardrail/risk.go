package guardrail

import (
	"math"

	"github.com/Mindburn-Labs/vigil/pkg/config"
)

// RiskBand grades a total risk score.
type RiskBand string

const (
	RiskLow      RiskBand = "low"
	RiskElevated RiskBand = "elevated"
	RiskHigh     RiskBand = "high"
	RiskCritical RiskBand = "critical"
)

// RiskBandFor grades a 0-100 total. Band edges are inclusive on the low
// side: exactly 25 is still low.
func RiskBandFor(total float64) RiskBand {
	switch {
	case total <= 25:
		return RiskLow
	case total <= 50:
		return RiskElevated
	case total <= 75:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// RiskScore carries the five 0-100 factors and their weighted total.
type RiskScore struct {
	Legal        float64  `json:"legal"`
	CivilRights  float64  `json:"civil_rights"`
	Jurisdiction float64  `json:"jurisdiction"`
	Operational  float64  `json:"operational"`
	Political    float64  `json:"political"`
	Total        float64  `json:"total"`
	Band         RiskBand `json:"band"`
}

// Assessor derives the risk factors from an action context. The factor
// heuristics are deterministic so the same context always scores the same.
type Assessor struct {
	weights config.RiskWeights
}

func NewAssessor(weights config.RiskWeights) *Assessor {
	return &Assessor{weights: weights}
}

// forceImpact maps the use-of-force continuum onto civil-rights exposure.
var forceImpact = map[ForceLevel]float64{
	ForceNone:       0,
	ForcePresence:   5,
	ForceVerbal:     10,
	ForceEmptyHand:  30,
	ForceLessLethal: 55,
	ForceLethal:     90,
}

// legalBase is the baseline legal exposure per action type.
var legalBase = map[ActionType]float64{
	ActionSearch:        40,
	ActionForce:         50,
	ActionPursuit:       45,
	ActionInterrogation: 35,
	ActionSurveillance:  30,
	ActionDroneSortie:   25,
	ActionDataQuery:     20,
}

// Score computes all five factors and the weighted total.
func (a *Assessor) Score(actx *ActionContext) *RiskScore {
	s := &RiskScore{
		Legal:        legalExposure(actx),
		CivilRights:  civilRightsImpact(actx),
		Jurisdiction: jurisdictionalRisk(actx),
		Operational:  operationalRisk(actx),
		Political:    politicalRisk(actx),
	}
	w := a.weights
	s.Total = clamp100(s.Legal*w.Legal +
		s.CivilRights*w.CivilRights +
		s.Jurisdiction*w.Jurisdiction +
		s.Operational*w.Operational +
		s.Political*w.Political)
	s.Band = RiskBandFor(s.Total)
	return s
}

func legalExposure(actx *ActionContext) float64 {
	score, known := legalBase[actx.Type]
	if !known {
		score = 20
	}
	switch actx.Type {
	case ActionSearch, ActionForce, ActionPursuit:
		if !actx.ProbableCause {
			score += 30
		}
	}
	if actx.Type == ActionSearch && !actx.Consent["search"] {
		score += 10
	}
	if actx.Type == ActionInterrogation && !actx.MirandaGiven {
		score += 25
	}
	return clamp100(score)
}

func civilRightsImpact(actx *ActionContext) float64 {
	score := forceImpact[actx.ForceLevel]
	if actx.Subject != nil {
		score += 15
		if actx.Type == ActionSurveillance {
			score += 10
		}
	}
	if actx.SearchScope == "residence" {
		score += 15
	}
	return clamp100(score)
}

func jurisdictionalRisk(actx *ActionContext) float64 {
	score := 10.0
	switch actx.Type {
	case ActionPursuit:
		score += 25
	case ActionDroneSortie:
		score += 15
	}
	if actx.SearchScope == "digital" {
		score += 20
	}
	return clamp100(score)
}

func operationalRisk(actx *ActionContext) float64 {
	score := 5.0
	if actx.PursuitSpeedMPH > 60 {
		score += math.Min(40, actx.PursuitSpeedMPH-60)
	}
	if actx.DurationMin > 60 {
		score += math.Min(30, float64(actx.DurationMin-60)/2)
	}
	switch actx.ForceLevel {
	case ForceLessLethal, ForceLethal:
		score += 25
	}
	if actx.Type == ActionDroneSortie {
		score += 10
	}
	return clamp100(score)
}

func politicalRisk(actx *ActionContext) float64 {
	score := 5.0
	if actx.Type == ActionSurveillance {
		score += 25
	}
	score += forceImpact[actx.ForceLevel] / 2
	if actx.Subject != nil {
		score += 10
	}
	if actx.PriorContacts >= 3 {
		score += 10
	}
	return clamp100(score)
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
