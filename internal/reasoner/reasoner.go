// Package reasoner runs the slow stage: a retrieval-augmented LLM judgment
// over a purchase attempt, grounded in the user's memory files.
package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"impulseguard/internal/logging"
)

// systemInstruction pins the model to its role and output contract.
const systemInstruction = `You are a financial guardian analyzing a purchase attempt in real time.
You receive a behavioral impulse score, the purchase context, and excerpts from the user's financial memory.

Respond with ONLY a JSON object with these exact keys:
{
  "impulse_score": <float 0.0-1.0, your final assessment>,
  "confidence": <float 0.0-1.0, how certain you are>,
  "reasoning": "<one or two sentences explaining your decision>",
  "intervention_action": "<NONE | MIRROR | COOLDOWN | PHRASE>",
  "memory_update": "<a single new fact worth remembering about this user, or null>"
}

Intervention tiers: NONE lets the purchase proceed. MIRROR reflects the behavior back to the user.
COOLDOWN imposes a waiting period. PHRASE requires typing a confirmation phrase.
Escalate when the purchase conflicts with the user's stated goals or budget. De-escalate when
memory shows this purchase is planned, budgeted, or routine.
Only emit a memory_update when the event reveals something genuinely new about the user.`

// Caller abstracts the LLM gateway.
type Caller interface {
	Call(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, error)
}

// Snippet is one retrieved memory excerpt.
type Snippet struct {
	File    string
	Section string
	Content string
}

// Request carries everything the slow stage sees.
type Request struct {
	Product   string
	Cost      float64
	Website   string
	Hour      int
	FastScore float64
	Telemetry string // optional pre-rendered telemetry summary
	Snippets  []Snippet
}

// Reasoner drives the slow stage through an LLM caller.
type Reasoner struct {
	llm Caller
}

// New creates a Reasoner.
func New(llm Caller) *Reasoner {
	return &Reasoner{llm: llm}
}

// Available reports whether a model is configured.
func (r *Reasoner) Available() bool {
	return r.llm != nil
}

// Analyze asks the model for a verdict. A gateway failure degrades to the
// fast-stage score rather than failing the request.
func (r *Reasoner) Analyze(ctx context.Context, req Request) Verdict {
	timer := logging.StartTimer(logging.CategoryReasoner, "Analyze")
	defer timer.Stop()

	if r.llm == nil {
		logging.Reasoner("No model configured, serving degraded verdict")
		return Degraded(req.FastScore)
	}

	prompt := BuildPrompt(req)
	raw, err := r.llm.Call(ctx, systemInstruction, prompt)
	if err != nil {
		logging.Get(logging.CategoryReasoner).Error("Model call failed, serving degraded verdict: %v", err)
		return Degraded(req.FastScore)
	}

	var rv rawVerdict
	if err := json.Unmarshal(raw, &rv); err != nil {
		logging.Get(logging.CategoryReasoner).Error("Verdict unmarshal failed, serving degraded verdict: %v", err)
		return Degraded(req.FastScore)
	}

	v := sanitize(rv, req.FastScore)
	logging.Reasoner("Verdict: score=%.3f confidence=%.2f intervention=%s memory_update=%t",
		v.ImpulseScore, v.Confidence, v.Intervention, v.MemoryUpdate != nil)
	return v
}

func (r *Request) hourLabel() string {
	if r.Hour >= 23 || r.Hour <= 5 {
		return fmt.Sprintf("%d:00 (LATE NIGHT)", r.Hour)
	}
	return fmt.Sprintf("%d:00", r.Hour)
}

// BuildPrompt renders the purchase context, telemetry, and retrieved memory
// into the user prompt.
func BuildPrompt(req Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "PURCHASE ATTEMPT\n")
	fmt.Fprintf(&b, "Product: %s\n", req.Product)
	fmt.Fprintf(&b, "Cost: $%.2f\n", req.Cost)
	fmt.Fprintf(&b, "Website: %s\n", req.Website)
	fmt.Fprintf(&b, "Local time: %s\n", req.hourLabel())
	fmt.Fprintf(&b, "Behavioral impulse score (fast stage): %.3f\n", req.FastScore)

	if req.Telemetry != "" {
		fmt.Fprintf(&b, "\nTELEMETRY\n%s\n", req.Telemetry)
	}

	b.WriteString("\nUSER MEMORY\n")
	if len(req.Snippets) == 0 {
		b.WriteString("[No memory recorded for this user yet]\n")
	}
	for _, s := range req.Snippets {
		fmt.Fprintf(&b, "From %s (%s):\n%s\n\n", s.File, s.Section, s.Content)
	}

	b.WriteString("Analyze this purchase attempt and respond with the JSON verdict.")
	return b.String()
}
