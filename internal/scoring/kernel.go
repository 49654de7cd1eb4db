// Package scoring implements the fast-stage Bayesian impulse scorer.
// The kernel is a pure function: identical telemetry, baselines and prior
// always produce an identical trace.
package scoring

import (
	"fmt"
	"math"
	"strings"
)

// Feature names used across baselines, weights and traces.
const (
	FeatureHeartRate       = "heart_rate"
	FeatureRespirationRate = "respiration_rate"
	FeatureScrollVelocity  = "scroll_velocity"
	FeatureEmotionArousal  = "emotion_arousal"
	FeatureClickRate       = "click_rate"
	FeatureTimeOnSite      = "time_on_site"
	FeatureTimeToCart      = "time_to_cart"
)

// Intervention is the action level derived from the impulse probability.
type Intervention string

const (
	InterventionNone     Intervention = "NONE"
	InterventionMirror   Intervention = "MIRROR"
	InterventionCooldown Intervention = "COOLDOWN"
	InterventionPhrase   Intervention = "PHRASE"
)

// Sigmoid steepness for z-score to likelihood mapping.
const sigmoidK = 2.0

// Likelihood clamp bounds keep every per-feature likelihood finite.
const (
	likelihoodMin = 1e-6
	likelihoodMax = 1 - 1e-6
)

// TTC normalization ceiling in seconds. Cart additions slower than this
// contribute zero likelihood.
const ttcCeiling = 300.0

// Baseline holds per-user statistics for one behavioral feature.
type Baseline struct {
	Mean float64 `yaml:"mean" json:"mean"`
	Std  float64 `yaml:"std" json:"std"`
}

// DefaultBaselines returns the stock behavioral baselines used when no
// per-user calibration is available.
func DefaultBaselines() map[string]Baseline {
	return map[string]Baseline{
		FeatureHeartRate:       {Mean: 70, Std: 10},
		FeatureRespirationRate: {Mean: 16, Std: 4},
		FeatureScrollVelocity:  {Mean: 600, Std: 5500},
		FeatureClickRate:       {Mean: 0.15, Std: 1.0},
		FeatureTimeOnSite:      {Mean: 180, Std: 110},
		FeatureTimeToCart:      {Mean: 2.5, Std: 32},
	}
}

// Weight profiles. Each profile's weights are non-negative and sum to 1.
var (
	// BehaviorOnlyWeights is the default profile, used while biometric
	// sidecars only provide placeholder values.
	BehaviorOnlyWeights = map[string]float64{
		FeatureScrollVelocity: 0.28,
		FeatureEmotionArousal: 0.36,
		FeatureClickRate:      0.18,
		FeatureTimeToCart:     0.18,
	}

	// FullBiometricWeights is reserved for deployments with a real
	// heart-rate/respiration sidecar.
	FullBiometricWeights = map[string]float64{
		FeatureHeartRate:       0.15,
		FeatureRespirationRate: 0.15,
		FeatureScrollVelocity:  0.20,
		FeatureEmotionArousal:  0.20,
		FeatureClickRate:       0.15,
		FeatureTimeToCart:      0.15,
	}
)

// WeightsForProfile resolves a named weight profile.
func WeightsForProfile(profile string) (map[string]float64, error) {
	switch profile {
	case "behavior_only", "":
		return BehaviorOnlyWeights, nil
	case "full_biometric":
		return FullBiometricWeights, nil
	default:
		return nil, fmt.Errorf("unknown weight profile: %s", profile)
	}
}

// Sample is the request-scoped telemetry fed to the kernel. ClickRate and
// TimeToCart are the derived values (see pipeline), not raw counts.
type Sample struct {
	ScrollVelocity  float64
	ClickRate       float64
	TimeToCart      float64
	EmotionArousal  float64 // [0,1]; callers without a sidecar pass 0.5
	HeartRate       float64
	RespirationRate float64
	Hour            int // 0-23
	Website         string
}

// ContextFactors records the contextual multipliers applied to the weighted
// likelihood sum.
type ContextFactors struct {
	LateNightMultiplier float64 `json:"late_night_multiplier"`
	WebsiteRiskFactor   float64 `json:"website_risk_factor"`
	Hour                int     `json:"hour"`
	Website             string  `json:"website"`
}

// Trace is the full diagnostic output of one kernel evaluation.
type Trace struct {
	PImpulse              float64            `json:"p_impulse"`
	DominantTrigger       string             `json:"dominant_trigger"`
	ZScores               map[string]float64 `json:"z_scores"`
	Likelihoods           map[string]float64 `json:"likelihoods"`
	WeightedContributions map[string]float64 `json:"weighted_contributions"`
	ContextFactors        ContextFactors     `json:"context_factors"`
}

// Kernel scores telemetry samples against fixed baselines and a prior.
type Kernel struct {
	baselines map[string]Baseline
	weights   map[string]float64
	prior     float64
}

// NewKernel builds a kernel. Baselines may omit features the profile does not
// weight; a missing baseline behaves as "no signal" (z = 0).
func NewKernel(baselines map[string]Baseline, profile string, prior float64) (*Kernel, error) {
	if prior <= 0 || prior >= 1 {
		return nil, fmt.Errorf("prior must be in (0, 1), got %v", prior)
	}
	weights, err := WeightsForProfile(profile)
	if err != nil {
		return nil, err
	}
	if baselines == nil {
		baselines = DefaultBaselines()
	}
	return &Kernel{baselines: baselines, weights: weights, prior: prior}, nil
}

// Score evaluates one telemetry sample.
func (k *Kernel) Score(s Sample) Trace {
	values := map[string]float64{
		FeatureHeartRate:       s.HeartRate,
		FeatureRespirationRate: s.RespirationRate,
		FeatureScrollVelocity:  s.ScrollVelocity,
		FeatureClickRate:       s.ClickRate,
	}

	zScores := make(map[string]float64, len(k.weights))
	likelihoods := make(map[string]float64, len(k.weights))
	contributions := make(map[string]float64, len(k.weights))

	weighted := 0.0
	for feature, weight := range k.weights {
		var l float64
		switch feature {
		case FeatureEmotionArousal:
			l = clamp01(s.EmotionArousal)
		case FeatureTimeToCart:
			l = ttcLikelihood(s.TimeToCart)
		default:
			z := k.zScore(feature, values[feature])
			zScores[feature] = z
			l = sigmoidLikelihood(z)
		}
		likelihoods[feature] = l
		contributions[feature] = weight * l
		weighted += weight * l
	}

	lateNight := LateNightMultiplier(s.Hour)
	risk := WebsiteRiskFactor(s.Website)

	adjusted := clamp01(weighted * lateNight * risk)

	// Bayesian update against the prior.
	numerator := adjusted * k.prior
	denominator := adjusted*k.prior + (1-adjusted)*(1-k.prior)
	p := 0.0
	if denominator != 0 {
		p = clamp01(numerator / denominator)
	}

	return Trace{
		PImpulse:              p,
		DominantTrigger:       dominantTrigger(contributions),
		ZScores:               zScores,
		Likelihoods:           likelihoods,
		WeightedContributions: contributions,
		ContextFactors: ContextFactors{
			LateNightMultiplier: lateNight,
			WebsiteRiskFactor:   risk,
			Hour:                s.Hour,
			Website:             s.Website,
		},
	}
}

// InterventionFor maps an impulse probability to an action level.
// Boundaries are half-open at the low end.
func InterventionFor(p float64) Intervention {
	switch {
	case p < 0.3:
		return InterventionNone
	case p < 0.6:
		return InterventionMirror
	case p < 0.85:
		return InterventionCooldown
	default:
		return InterventionPhrase
	}
}

// InterventionOrdinal returns the position of an intervention in the
// NONE < MIRROR < COOLDOWN < PHRASE escalation order.
func InterventionOrdinal(i Intervention) int {
	switch i {
	case InterventionNone:
		return 0
	case InterventionMirror:
		return 1
	case InterventionCooldown:
		return 2
	case InterventionPhrase:
		return 3
	default:
		return -1
	}
}

func (k *Kernel) zScore(feature string, value float64) float64 {
	b, ok := k.baselines[feature]
	if !ok || b.Std == 0 {
		return 0
	}
	return (value - b.Mean) / b.Std
}

func sigmoidLikelihood(z float64) float64 {
	l := 1.0 / (1.0 + math.Exp(-sigmoidK*z))
	if l < likelihoodMin {
		return likelihoodMin
	}
	if l > likelihoodMax {
		return likelihoodMax
	}
	return l
}

// ttcLikelihood is an inverse curve: faster cart additions score higher.
func ttcLikelihood(ttc float64) float64 {
	if ttc <= 0 {
		return 1.0
	}
	return 1.0 - math.Min(ttc/ttcCeiling, 1.0)
}

// LateNightMultiplier boosts scores during the 1-5 AM window, peaking 1.5x
// at 3 AM with linear falloff on both sides.
func LateNightMultiplier(hour int) float64 {
	if hour >= 1 && hour <= 5 {
		return 1.0 + 0.5*(1.0-math.Abs(float64(hour-3))/2.0)
	}
	return 1.0
}

// Website risk table. Substring matched against the lowercased host.
var websiteRiskFactors = []struct {
	key    string
	factor float64
}{
	// High risk
	{"gambling", 2.0},
	{"flash_sale", 2.0},
	// Medium-high risk e-commerce
	{"amazon", 1.5},
	{"ebay", 1.5},
	{"temu", 1.5},
	{"shein", 1.5},
	{"aliexpress", 1.5},
	// General retail
	{"target", 1.0},
	{"walmart", 1.0},
	{"bestbuy", 1.0},
	{"costco", 1.0},
	{"wayfair", 1.0},
	{"macys", 1.0},
	{"kohls", 1.0},
	{"newegg", 1.0},
	{"zappos", 1.0},
	{"nike", 1.0},
	{"adidas", 1.0},
	{"homedepot", 1.0},
	{"lowes", 1.0},
	{"ikea", 1.0},
	{"etsy", 1.0},
	// Planned purchases
	{"educational", 0.5},
	{"nonprofit", 0.5},
}

var (
	gamblingKeywords  = []string{"casino", "bet", "poker", "gambling", "lottery"}
	flashSaleKeywords = []string{"flash", "limited time", "sale ends", "countdown"}
	eduKeywords       = []string{"edu", "university", "school", "course", "learn"}
)

// WebsiteRiskFactor returns the contextual risk multiplier for a host.
func WebsiteRiskFactor(website string) float64 {
	w := strings.ToLower(website)

	for _, entry := range websiteRiskFactors {
		if strings.Contains(w, entry.key) {
			return entry.factor
		}
	}
	for _, kw := range gamblingKeywords {
		if strings.Contains(w, kw) {
			return 2.0
		}
	}
	for _, kw := range flashSaleKeywords {
		if strings.Contains(w, kw) {
			return 2.0
		}
	}
	for _, kw := range eduKeywords {
		if strings.Contains(w, kw) {
			return 0.5
		}
	}
	return 1.0
}

func dominantTrigger(contributions map[string]float64) string {
	best := ""
	bestV := math.Inf(-1)
	for feature, v := range contributions {
		if v > bestV || (v == bestV && feature < best) {
			best = feature
			bestV = v
		}
	}
	return best
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
