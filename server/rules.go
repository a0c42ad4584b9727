package server

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jonwraymond/ruleops/cache"
	"github.com/jonwraymond/ruleops/fault"
	"github.com/jonwraymond/ruleops/observe"
	"github.com/jonwraymond/ruleops/version"
)

// RuleResponse is one cached rule.
type RuleResponse struct {
	Metadata cache.RuleMetadata `json:"metadata"`
	Content  string             `json:"content"`
}

// RulesResponse lists cached rules.
type RulesResponse struct {
	Rules      []cache.RuleMetadata `json:"rules"`
	Generation uint64               `json:"generation"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rc := s.engine.Rules()
	ids := rc.IDs()
	if tags := r.URL.Query()["tag"]; len(tags) > 0 {
		ids = rc.RulesByTags(tags)
	}
	slices.Sort(ids)

	out := RulesResponse{Rules: make([]cache.RuleMetadata, 0, len(ids)), Generation: rc.Generation()}
	for _, id := range ids {
		if meta, ok := rc.Metadata(id); ok {
			out.Rules = append(out.Rules, meta)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, ok := s.engine.Rules().Entry(id)
	if !ok {
		writeFault(w, r, fault.New(fault.KindRuleNotFound, "server.get_rule", id, nil))
		return
	}
	writeJSON(w, http.StatusOK, RuleResponse{Metadata: entry.Metadata, Content: string(entry.Content)})
}

// SnapshotResponse is one saved rule version.
type SnapshotResponse struct {
	Index      int                `json:"index"`
	Metadata   cache.RuleMetadata `json:"metadata"`
	Content    string             `json:"content"`
	Reason     string             `json:"reason"`
	CapturedAt time.Time          `json:"captured_at"`
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snaps := s.versions.Snapshots(id)
	out := make([]SnapshotResponse, len(snaps))
	for i, snap := range snaps {
		out[i] = SnapshotResponse{
			Index:      i,
			Metadata:   snap.Metadata,
			Content:    string(snap.Content),
			Reason:     snap.Reason,
			CapturedAt: snap.CapturedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule_id": id, "snapshots": out})
}

// RollbackRequest is the body of POST /v1/rules/{id}/rollback. An empty
// body restores the most recent snapshot.
type RollbackRequest struct {
	Index int `json:"index"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req RollbackRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	ok, err := s.versions.RollbackRule(id, req.Index)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "no snapshot "+strconv.Itoa(req.Index)+" for rule "+id)
		return
	}
	meta, _ := s.engine.Rules().Metadata(id)
	writeJSON(w, http.StatusOK, map[string]any{"rule_id": id, "restored": meta})
}

// RefreshRequest is the body of POST /v1/rules/refresh.
type RefreshRequest struct {
	IDs   []string `json:"ids,omitempty"`
	Force bool     `json:"force,omitempty"`
}

// RefreshResponse is the JSON form of a version.RefreshReport.
type RefreshResponse struct {
	Refreshed []string          `json:"refreshed"`
	UpToDate  []string          `json:"up_to_date"`
	Failed    map[string]string `json:"failed,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	report, err := s.versions.AutoRefresh(r.Context(), version.RefreshOptions{IDs: req.IDs, Force: req.Force})
	if err != nil && len(report.Failed) == 0 {
		writeFault(w, r, err)
		return
	}
	out := RefreshResponse{
		Refreshed: report.Refreshed,
		UpToDate:  report.UpToDate,
		Failed:    errorMap(report.Failed),
	}
	if err != nil {
		out.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

// InvalidateRequest is the body of POST /v1/rules/invalidate.
type InvalidateRequest struct {
	IDs    []string `json:"ids"`
	Reason string   `json:"reason,omitempty"`
	Reload bool     `json:"reload,omitempty"`
}

// InvalidateResponse is the JSON form of a version.InvalidateReport.
type InvalidateResponse struct {
	Invalidated []string          `json:"invalidated"`
	Reloaded    []string          `json:"reloaded"`
	Failed      map[string]string `json:"failed,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "ids are required")
		return
	}
	report, err := s.versions.InvalidateRules(r.Context(), req.IDs, version.InvalidateOptions{Reason: req.Reason, Reload: req.Reload})
	if err != nil && len(report.Failed) == 0 {
		writeFault(w, r, err)
		return
	}
	out := InvalidateResponse{
		Invalidated: report.Invalidated,
		Reloaded:    report.Reloaded,
		Failed:      errorMap(report.Failed),
	}
	if err != nil {
		out.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	cmp, err := s.versions.CompareVersions(r.Context(), r.URL.Query()["id"]...)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": cmp})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.versions.DetectConflicts(r.Context(), r.URL.Query()["id"]...)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.engine.Resilience().AllStats()})
}

func (s *Server) handleBulkheads(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"bulkheads": s.engine.Resilience().AllBulkheadStats()})
}

func (s *Server) handleResetBreakers(w http.ResponseWriter, r *http.Request) {
	s.engine.Resilience().ResetAll()
	s.logger.Info(r.Context(), "all breakers reset")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.engine.Resilience().Reset(name) {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "no breaker named "+name)
		return
	}
	s.logger.Info(r.Context(), "breaker reset", observe.F("breaker", name))
	w.WriteHeader(http.StatusNoContent)
}
