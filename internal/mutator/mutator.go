// Package mutator applies memory updates emitted by the slow stage to the
// Markdown memory files, keeping the vector index in step. Writes are
// backed up first and verified after; a failed verification restores the
// backup so the memory can never be left half-written.
package mutator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"impulseguard/internal/index"
	"impulseguard/internal/logging"
	"impulseguard/internal/memory"
)

// Caller abstracts the LLM gateway for refinement and consolidation.
type Caller interface {
	Call(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, error)
}

const refineSystemInstruction = `You maintain one Markdown file of a user's financial memory.
Fold the new observation into the file: merge it with related bullets, keep section headers,
drop nothing that is still true, and keep the file concise.

Respond with ONLY a JSON object: {"refined_content": "<the complete updated file>"}`

const consolidateSystemInstruction = `You maintain one Markdown file of a user's financial memory.
The file has grown noisy. Rewrite it: merge duplicate observations, generalize repeated patterns
into single bullets, keep section headers, and preserve every fact that is still true.

Respond with ONLY a JSON object: {"refined_content": "<the complete consolidated file>"}`

// Mutator owns all writes to the memory files.
type Mutator struct {
	store *memory.Store
	index *index.Index
	llm   Caller

	// Observation count at which appends hand off to LLM refinement.
	refinementThreshold int

	// Consolidation triggers.
	maxFileSize     int
	maxObservations int

	now func() time.Time
}

// Option configures a Mutator.
type Option func(*Mutator)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Mutator) { m.now = now }
}

// New creates a Mutator. llm may be nil; updates then always take the append
// path and consolidation degrades to a no-op.
func New(store *memory.Store, ix *index.Index, llm Caller, refinementThreshold, maxFileSize, maxObservations int, opts ...Option) *Mutator {
	if refinementThreshold <= 0 {
		refinementThreshold = 7
	}
	if maxFileSize <= 0 {
		maxFileSize = 2048
	}
	if maxObservations <= 0 {
		maxObservations = 10
	}
	m := &Mutator{
		store:               store,
		index:               ix,
		llm:                 llm,
		refinementThreshold: refinementThreshold,
		maxFileSize:         maxFileSize,
		maxObservations:     maxObservations,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ApplyResult describes the outcome of one memory update.
type ApplyResult struct {
	File    string `json:"file"`
	Action  string `json:"action"` // appended, refined, no_change
	Indexed bool   `json:"indexed"`
}

// Apply routes an update to its memory file and writes it. The write path is
// backup, mutate, stamp, verified write, reindex, cleanup. Index failures are
// logged and do not fail the update; the next full reindex repairs them.
func (m *Mutator) Apply(ctx context.Context, update string) (ApplyResult, error) {
	timer := logging.StartTimer(logging.CategoryMutator, "Apply")
	defer timer.Stop()

	update = strings.TrimSpace(update)
	if update == "" {
		return ApplyResult{Action: "no_change"}, nil
	}

	file := memory.RouteUpdate(update)
	logging.Mutator("Applying update to %s: %q", file, update)

	var result ApplyResult
	err := m.store.WithLock(file, func() error {
		content, err := m.store.Read(file)
		if err != nil {
			return fmt.Errorf("precondition failed for %s: %w", file, err)
		}

		if _, err := m.store.Backup(file); err != nil {
			return fmt.Errorf("backup failed for %s: %w", file, err)
		}

		updated, action := m.mutate(ctx, content, update)
		if action == "no_change" {
			m.store.RemoveBackup(file)
			result = ApplyResult{File: file, Action: action}
			return nil
		}

		updated = memory.StampLastUpdated(updated, m.now())

		if err := m.store.WriteVerified(file, updated); err != nil {
			logging.Get(logging.CategoryMutator).Error("Write verification failed for %s, restoring backup: %v", file, err)
			if restoreErr := m.store.RestoreBackup(file); restoreErr != nil {
				logging.Get(logging.CategoryMutator).Error("Backup restore failed for %s: %v", file, restoreErr)
			}
			return fmt.Errorf("write verification failed for %s: %w", file, err)
		}

		indexed := m.reindexFile(ctx, file, updated)
		m.store.RemoveBackup(file)
		result = ApplyResult{File: file, Action: action, Indexed: indexed}
		return nil
	})
	return result, err
}

// mutate picks the append or refine path for an update. A refinement that
// fails, or that hands the file back unchanged, falls through to a simple
// append so the observation is never silently lost.
func (m *Mutator) mutate(ctx context.Context, content, update string) (string, string) {
	if memory.CountObservations(content) > m.refinementThreshold && m.llm != nil {
		prompt := fmt.Sprintf("Current file:\n\n%s\n\nNew observation to integrate:\n%s", content, update)
		refined, err := m.refine(ctx, prompt, refineSystemInstruction)
		switch {
		case err != nil:
			logging.Get(logging.CategoryMutator).Error("Refinement failed, falling back to append: %v", err)
		case strings.TrimSpace(refined) == strings.TrimSpace(content):
			logging.MutatorDebug("Refinement returned the file unchanged, falling back to append")
		default:
			return refined, "refined"
		}
	}

	updated, changed := memory.SimpleAppend(content, update)
	if !changed {
		// Section is at capacity; the consolidation sweep frees space
		logging.MutatorDebug("Append dropped, section at capacity")
		return content, "no_change"
	}
	return updated, "appended"
}

// refine runs one LLM rewrite and extracts refined_content.
func (m *Mutator) refine(ctx context.Context, prompt, system string) (string, error) {
	raw, err := m.llm.Call(ctx, system, prompt)
	if err != nil {
		return "", err
	}

	var reply struct {
		RefinedContent string `json:"refined_content"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("malformed refinement reply: %w", err)
	}
	if strings.TrimSpace(reply.RefinedContent) == "" {
		return "", fmt.Errorf("refinement returned empty content")
	}
	return reply.RefinedContent, nil
}

// reindexFile rechunks one file and upserts it. Errors are swallowed after
// logging so a dead index never blocks a memory write.
func (m *Mutator) reindexFile(ctx context.Context, file, content string) bool {
	if m.index == nil {
		return false
	}
	chunks := memory.ChunkMarkdown(content, file)
	if err := m.index.UpsertFile(ctx, file, chunks); err != nil {
		logging.Get(logging.CategoryMutator).Error("Index upsert failed for %s: %v", file, err)
		return false
	}
	return true
}
