package reasoner

import (
	"math"
	"strings"
)

// Interventions in escalating order. These mirror the fast stage's mapping;
// the model may override the tier in either direction based on memory.
const (
	InterventionNone     = "NONE"
	InterventionMirror   = "MIRROR"
	InterventionCooldown = "COOLDOWN"
	InterventionPhrase   = "PHRASE"
)

// Verdict is the slow stage's decision.
type Verdict struct {
	ImpulseScore float64 `json:"impulse_score"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
	Intervention string  `json:"intervention_action"`
	MemoryUpdate *string `json:"memory_update"`
}

// rawVerdict is the wire shape of the model's reply. The scores are pointers
// so a field the model omitted is distinguishable from a literal zero.
type rawVerdict struct {
	ImpulseScore *float64 `json:"impulse_score"`
	Confidence   *float64 `json:"confidence"`
	Reasoning    string   `json:"reasoning"`
	Intervention string   `json:"intervention_action"`
	MemoryUpdate *string  `json:"memory_update"`
}

// validIntervention reports whether s names a known intervention tier.
func validIntervention(s string) bool {
	switch s {
	case InterventionNone, InterventionMirror, InterventionCooldown, InterventionPhrase:
		return true
	}
	return false
}

// sanitize coerces a raw model verdict into a well-formed one. A missing
// impulse score falls back to the fast score and a missing confidence to 0.5;
// present values are clamped to [0,1]. Unknown interventions become NONE and
// a blank memory update becomes nil.
func sanitize(raw rawVerdict, fastScore float64) Verdict {
	v := Verdict{
		ImpulseScore: fastScore,
		Confidence:   0.5,
		Reasoning:    raw.Reasoning,
		Intervention: raw.Intervention,
		MemoryUpdate: raw.MemoryUpdate,
	}
	if raw.ImpulseScore != nil {
		v.ImpulseScore = clamp01(*raw.ImpulseScore)
	}
	if raw.Confidence != nil {
		v.Confidence = clamp01(*raw.Confidence)
	}

	v.Intervention = strings.ToUpper(strings.TrimSpace(v.Intervention))
	if !validIntervention(v.Intervention) {
		v.Intervention = InterventionNone
	}

	if strings.TrimSpace(v.Reasoning) == "" {
		v.Reasoning = "No reasoning provided."
	}

	if v.MemoryUpdate != nil {
		trimmed := strings.TrimSpace(*v.MemoryUpdate)
		if trimmed == "" {
			v.MemoryUpdate = nil
		} else {
			v.MemoryUpdate = &trimmed
		}
	}
	return v
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Degraded is the verdict served when the model is unreachable. The fast
// score stands on its own and no intervention is forced on thin evidence.
func Degraded(fastScore float64) Verdict {
	return Verdict{
		ImpulseScore: fastScore,
		Confidence:   0.3,
		Reasoning:    "Analysis degraded: reasoning model unavailable, fast-stage score reported as-is.",
		Intervention: InterventionNone,
		MemoryUpdate: nil,
	}
}
