package mutator

import (
	"context"
	"fmt"

	"impulseguard/internal/logging"
	"impulseguard/internal/memory"
)

// FileReport is the per-file outcome of a consolidation sweep.
type FileReport struct {
	Status  string `json:"status"` // consolidated, skipped, error
	OldSize int    `json:"old_size"`
	NewSize int    `json:"new_size"`
}

// Consolidate sweeps all memory files and rewrites the ones that have grown
// past the size or observation thresholds. A full reindex follows so the
// index reflects the rewritten chunk boundaries.
func (m *Mutator) Consolidate(ctx context.Context) map[string]FileReport {
	timer := logging.StartTimer(logging.CategoryMutator, "Consolidate")
	defer timer.Stop()

	reports := make(map[string]FileReport, len(memory.Files))
	for _, file := range memory.Files {
		reports[file] = m.consolidateFile(ctx, file)
	}

	if err := m.ReindexAll(ctx); err != nil {
		logging.Get(logging.CategoryMutator).Error("Post-consolidation reindex failed: %v", err)
	}
	return reports
}

func (m *Mutator) consolidateFile(ctx context.Context, file string) FileReport {
	var report FileReport
	err := m.store.WithLock(file, func() error {
		content, err := m.store.Read(file)
		if err != nil {
			report = FileReport{Status: "error"}
			return err
		}
		report.OldSize = len(content)
		report.NewSize = len(content)

		observations := memory.CountObservations(content)
		if len(content) <= m.maxFileSize && observations <= m.maxObservations {
			report.Status = "skipped"
			logging.MutatorDebug("Consolidation skipped for %s: size=%d obs=%d", file, len(content), observations)
			return nil
		}

		if m.llm == nil {
			report.Status = "skipped"
			return nil
		}

		if _, err := m.store.Backup(file); err != nil {
			report.Status = "error"
			return err
		}

		prompt := fmt.Sprintf("Consolidate this file:\n\n%s", content)
		consolidated, err := m.refine(ctx, prompt, consolidateSystemInstruction)
		if err != nil {
			report.Status = "error"
			m.store.RemoveBackup(file)
			return err
		}

		consolidated = memory.StampLastUpdated(consolidated, m.now())
		if err := m.store.WriteVerified(file, consolidated); err != nil {
			report.Status = "error"
			if restoreErr := m.store.RestoreBackup(file); restoreErr != nil {
				logging.Get(logging.CategoryMutator).Error("Backup restore failed for %s: %v", file, restoreErr)
			}
			return err
		}

		m.store.RemoveBackup(file)
		report.Status = "consolidated"
		report.NewSize = len(consolidated)
		logging.Mutator("Consolidated %s: %d -> %d bytes", file, report.OldSize, report.NewSize)
		return nil
	})
	if err != nil {
		logging.Get(logging.CategoryMutator).Error("Consolidation error for %s: %v", file, err)
	}
	return report
}

// ReindexAll rebuilds the whole index from the current memory files.
func (m *Mutator) ReindexAll(ctx context.Context) error {
	if m.index == nil {
		return nil
	}

	var chunks []memory.Chunk
	for _, file := range memory.Files {
		content, err := m.store.Read(file)
		if err != nil {
			return fmt.Errorf("cannot read %s for reindex: %w", file, err)
		}
		chunks = append(chunks, memory.ChunkMarkdown(content, file)...)
	}
	return m.index.Reindex(ctx, chunks)
}
