// Package pipeline wires the two analysis stages together: the pure Bayesian
// fast stage and the retrieval-augmented LLM slow stage, followed by a
// synchronous memory write when the model learned something new.
package pipeline

import (
	"context"
	"fmt"
	"math"

	"impulseguard/internal/index"
	"impulseguard/internal/logging"
	"impulseguard/internal/memory"
	"impulseguard/internal/mutator"
	"impulseguard/internal/reasoner"
	"impulseguard/internal/scoring"
)

// Request is one purchase attempt to analyze. Pointer fields distinguish
// "absent" from zero; the biometric fields are optional sidecar inputs.
type Request struct {
	Product            string   `json:"product"`
	Cost               float64  `json:"cost"`
	Website            string   `json:"website"`
	TimeToCart         *float64 `json:"time_to_cart"`
	TimeOnSite         float64  `json:"time_on_site"`
	ClickCount         float64  `json:"click_count"`
	PeakScrollVelocity float64  `json:"peak_scroll_velocity"`
	SystemHour         int      `json:"system_hour"`
	EmotionArousal     *float64 `json:"emotion_arousal,omitempty"`
	HeartRate          *float64 `json:"heart_rate,omitempty"`
	RespirationRate    *float64 `json:"respiration_rate,omitempty"`
}

// Result is the combined decision of both stages. Fast-stage fields are
// echoed alongside the verdict so clients can see both opinions.
type Result struct {
	PImpulseFast        float64       `json:"p_impulse_fast"`
	FastIntervention    string        `json:"fast_brain_intervention"`
	FastDominantTrigger string        `json:"fast_brain_dominant_trigger"`
	ImpulseScore        float64       `json:"impulse_score"`
	Confidence          float64       `json:"confidence"`
	Reasoning           string        `json:"reasoning"`
	Intervention        string        `json:"intervention_action"`
	MemoryUpdate        *string       `json:"memory_update"`
	MemoryUpdated       bool          `json:"memory_updated"`
	Trace               scoring.Trace `json:"trace"`
}

// retrievalK is the number of similarity-matched chunks pulled per request.
const retrievalK = 3

// Pipeline orchestrates a full purchase analysis.
type Pipeline struct {
	kernel *scoring.Kernel
	store  *memory.Store
	index  *index.Index
	brain  *reasoner.Reasoner
	writer *mutator.Mutator
}

// New assembles a pipeline. index and writer may be nil in degraded setups;
// retrieval then uses only the always-included files and updates are dropped.
func New(kernel *scoring.Kernel, store *memory.Store, ix *index.Index, brain *reasoner.Reasoner, writer *mutator.Mutator) *Pipeline {
	return &Pipeline{kernel: kernel, store: store, index: ix, brain: brain, writer: writer}
}

// Analyze runs both stages. Any panic in the stages collapses to a
// conservative fallback so the endpoint always answers.
func (p *Pipeline) Analyze(ctx context.Context, req Request) (result Result) {
	timer := logging.StartTimer(logging.CategoryPipeline, "Analyze")
	defer timer.Stop()

	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryPipeline).Error("Analysis panicked: %v", r)
			result = Result{
				PImpulseFast:        0.5,
				FastIntervention:    string(scoring.InterventionMirror),
				FastDominantTrigger: "error",
				ImpulseScore:        0.5,
				Confidence:          0.3,
				Reasoning:           "Analysis error; conservative intervention applied.",
				Intervention:        string(scoring.InterventionMirror),
			}
		}
	}()

	sample := deriveSample(req)
	trace := p.kernel.Score(sample)
	logging.Pipeline("Fast stage: p=%.3f trigger=%s product=%q", trace.PImpulse, trace.DominantTrigger, req.Product)

	snippets := p.retrieve(ctx, req)

	verdict := p.brain.Analyze(ctx, reasoner.Request{
		Product:   req.Product,
		Cost:      req.Cost,
		Website:   req.Website,
		Hour:      req.SystemHour,
		FastScore: trace.PImpulse,
		Telemetry: telemetrySummary(sample),
		Snippets:  snippets,
	})

	memoryUpdated := false
	if verdict.MemoryUpdate != nil && p.writer != nil {
		applied, err := p.writer.Apply(ctx, *verdict.MemoryUpdate)
		if err != nil {
			logging.Get(logging.CategoryPipeline).Error("Memory update failed: %v", err)
		} else {
			memoryUpdated = applied.Action != "no_change"
		}
	}

	return Result{
		PImpulseFast:        trace.PImpulse,
		FastIntervention:    string(scoring.InterventionFor(trace.PImpulse)),
		FastDominantTrigger: trace.DominantTrigger,
		ImpulseScore:        verdict.ImpulseScore,
		Confidence:          verdict.Confidence,
		Reasoning:           verdict.Reasoning,
		Intervention:        verdict.Intervention,
		MemoryUpdate:        verdict.MemoryUpdate,
		MemoryUpdated:       memoryUpdated,
		Trace:               trace,
	}
}

// LLMAvailable reports whether the slow stage has a configured model.
func (p *Pipeline) LLMAvailable() bool {
	return p.brain != nil && p.brain.Available()
}

// FastOnly runs just the Bayesian stage. Used by the scoring endpoint and as
// a cheap preview for clients that skip the model.
func (p *Pipeline) FastOnly(req Request) scoring.Trace {
	return p.kernel.Score(deriveSample(req))
}

// deriveSample converts raw telemetry into kernel inputs. Click rate is
// clicks per second on site; a missing time-to-cart means the user never
// carted, which reads as "slow" via the full time on site.
func deriveSample(req Request) scoring.Sample {
	clickRate := req.ClickCount / math.Max(req.TimeOnSite, 1)

	ttc := req.TimeOnSite
	if req.TimeToCart != nil {
		ttc = *req.TimeToCart
	}

	arousal := 0.5
	if req.EmotionArousal != nil {
		arousal = *req.EmotionArousal
	}

	hr := 70.0
	if req.HeartRate != nil {
		hr = *req.HeartRate
	}
	rr := 16.0
	if req.RespirationRate != nil {
		rr = *req.RespirationRate
	}

	return scoring.Sample{
		ScrollVelocity:  req.PeakScrollVelocity,
		ClickRate:       clickRate,
		TimeToCart:      ttc,
		EmotionArousal:  arousal,
		HeartRate:       hr,
		RespirationRate: rr,
		Hour:            req.SystemHour,
		Website:         req.Website,
	}
}

// retrieve gathers memory context: the top similarity matches for the
// purchase, plus Goals.md and Budget.md in full. Goals and budget always
// bear on a spending decision regardless of lexical overlap, so the search
// is filtered to the other two files. When similarity search is unavailable
// or fails, all four files are read directly instead.
func (p *Pipeline) retrieve(ctx context.Context, req Request) []reasoner.Snippet {
	var snippets []reasoner.Snippet

	directReads := []string{memory.FileGoals, memory.FileBudget}

	searched := false
	if p.index != nil {
		query := fmt.Sprintf("%s $%.2f %s", req.Product, req.Cost, req.Website)
		results, err := p.index.Query(ctx, query, retrievalK, memory.FileState, memory.FileBehavior)
		if err != nil {
			logging.Get(logging.CategoryPipeline).Warn("Retrieval failed, falling back to direct reads: %v", err)
		} else {
			searched = true
			for _, r := range results {
				snippets = append(snippets, reasoner.Snippet{
					File:    r.Chunk.File,
					Section: r.Chunk.Section,
					Content: r.Chunk.Content,
				})
			}
		}
	}
	if !searched {
		directReads = memory.Files
	}

	for _, file := range directReads {
		content, err := p.store.Read(file)
		if err != nil {
			logging.Get(logging.CategoryPipeline).Warn("Cannot read %s: %v", file, err)
			continue
		}
		snippets = append(snippets, reasoner.Snippet{
			File:    file,
			Section: "full file",
			Content: content,
		})
	}
	return snippets
}

func telemetrySummary(s scoring.Sample) string {
	return fmt.Sprintf(
		"scroll_velocity=%.0f px/s, click_rate=%.2f/s, time_to_cart=%.0fs, arousal=%.2f, heart_rate=%.0f bpm, respiration=%.0f/min",
		s.ScrollVelocity, s.ClickRate, s.TimeToCart, s.EmotionArousal, s.HeartRate, s.RespirationRate,
	)
}
