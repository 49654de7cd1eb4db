package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"impulseguard/internal/logging"
	"impulseguard/internal/memory"
	"impulseguard/internal/pipeline"

	"go.uber.org/zap"
)

type ctxKey int

const requestIDKey ctxKey = 0

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeValidationError mirrors the 422 shape clients expect from the service.
func writeValidationError(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": detail})
}

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":          s.cfg.Name,
		"version":          s.cfg.Version,
		"llm_available":    s.pipe.LLMAvailable(),
		"scorer_available": true,
		"endpoints": []string{
			"GET /health",
			"POST /pipeline-analyze",
			"POST /sync-memory",
			"POST /update-preferences",
			"POST /reset-memory",
			"POST /consolidate-memory",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	chunks := 0
	if s.index != nil {
		if n, err := s.index.Count(); err == nil {
			chunks = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"version":          s.cfg.Version,
		"model":            s.cfg.LLM.Model,
		"memory_indexed":   chunks > 0,
		"collection_count": chunks,
		"llm_available":    s.pipe.LLMAvailable(),
		"scorer_available": true,
	})
}

func validateAnalyzeRequest(req pipeline.Request) error {
	if req.SystemHour < 0 || req.SystemHour > 23 {
		return fmt.Errorf("system_hour must be between 0 and 23, got %d", req.SystemHour)
	}
	if req.Cost < 0 {
		return fmt.Errorf("cost must be non-negative, got %v", req.Cost)
	}
	if req.TimeOnSite < 0 {
		return fmt.Errorf("time_on_site must be non-negative, got %v", req.TimeOnSite)
	}
	if req.ClickCount < 0 {
		return fmt.Errorf("click_count must be non-negative, got %v", req.ClickCount)
	}
	if req.PeakScrollVelocity < 0 {
		return fmt.Errorf("peak_scroll_velocity must be non-negative, got %v", req.PeakScrollVelocity)
	}
	return nil
}

func (s *Server) handlePipelineAnalyze(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := validateAnalyzeRequest(req); err != nil {
		writeValidationError(w, err.Error())
		return
	}

	result := s.pipe.Analyze(r.Context(), req)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSyncMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.writer.ReindexAll(r.Context()); err != nil {
		s.log.Error("sync-memory failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"status": "error",
			"detail": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "success",
		"files_indexed": len(memory.Files),
	})
}

type preferencesRequest struct {
	Budget         float64 `json:"budget"`
	Threshold      float64 `json:"threshold"`
	Sensitivity    string  `json:"sensitivity"`
	FinancialGoals string  `json:"financial_goals"`
}

// handleUpdatePreferences rewrites Budget.md from the supplied preferences
// and routes any free-text goals into Goals.md. A missing Budget.md reports
// status "error" in a 200 body: the service is healthy, the memory is not.
func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Budget < 0 || req.Threshold < 0 {
		writeValidationError(w, "budget and threshold must be non-negative")
		return
	}
	switch req.Sensitivity {
	case "":
		req.Sensitivity = "medium"
	case "low", "medium", "high":
	default:
		writeValidationError(w, fmt.Sprintf("sensitivity must be low, medium, or high, got %q", req.Sensitivity))
		return
	}

	err := s.store.WithLock(memory.FileBudget, func() error {
		if _, err := s.store.Read(memory.FileBudget); err != nil {
			return err
		}
		return s.store.WriteVerified(memory.FileBudget, memory.BudgetTemplate(
			req.Budget, req.Threshold, req.Sensitivity))
	})
	if err != nil {
		logging.Get(logging.CategoryAPI).Error("update-preferences failed: %v", err)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "error",
			"budget_updated": false,
			"goals_routed":   false,
			"detail":         err.Error(),
		})
		return
	}
	s.reindexFile(r.Context(), memory.FileBudget)

	goalsRouted := false
	if goals := strings.TrimSpace(req.FinancialGoals); goals != "" {
		goalsRouted = s.routeGoals(r.Context(), goals)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "success",
		"budget_updated": true,
		"goals_routed":   goalsRouted,
	})
}

// routeGoals records free-text goals in Goals.md. The mutator's keyword
// router would often misfile arbitrary goal text, so the target is fixed.
func (s *Server) routeGoals(ctx context.Context, goals string) bool {
	err := s.store.WithLock(memory.FileGoals, func() error {
		content, err := s.store.Read(memory.FileGoals)
		if err != nil {
			return err
		}
		updated, changed := memory.SimpleAppend(content, goals)
		if !changed {
			return fmt.Errorf("goals section full, update dropped")
		}
		updated = memory.StampLastUpdated(updated, time.Now())
		return s.store.WriteVerified(memory.FileGoals, updated)
	})
	if err != nil {
		logging.Get(logging.CategoryAPI).Error("goals routing failed: %v", err)
		return false
	}
	s.reindexFile(ctx, memory.FileGoals)
	return true
}

func (s *Server) reindexFile(ctx context.Context, file string) {
	if s.index == nil {
		return
	}
	content, err := s.store.Read(file)
	if err != nil {
		return
	}
	chunks := memory.ChunkMarkdown(content, file)
	if err := s.index.UpsertFile(ctx, file, chunks); err != nil {
		logging.Get(logging.CategoryAPI).Error("%s reindex failed: %v", file, err)
	}
}

func (s *Server) handleResetMemory(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Reset()
	if err != nil {
		s.log.Error("reset-memory failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"status": "error",
			"detail": err.Error(),
		})
		return
	}

	if s.index != nil {
		if err := s.index.Purge(); err != nil {
			logging.Get(logging.CategoryAPI).Error("post-reset purge failed: %v", err)
		}
	}
	if err := s.writer.ReindexAll(r.Context()); err != nil {
		logging.Get(logging.CategoryAPI).Error("post-reset reindex failed: %v", err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "success",
		"files_reset": n,
	})
}

func (s *Server) handleConsolidateMemory(w http.ResponseWriter, r *http.Request) {
	reports := s.writer.Consolidate(r.Context())

	consolidated := 0
	for _, rep := range reports {
		if rep.Status == "consolidated" {
			consolidated++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": fmt.Sprintf("Consolidated %d file(s)", consolidated),
		"results": reports,
	})
}
