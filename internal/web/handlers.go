package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rowforge/importer/internal/core"
	"github.com/rowforge/importer/internal/ingest"
	"github.com/rowforge/importer/internal/logging"
	"github.com/rowforge/importer/internal/schema"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.State(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]core.State{"state": state})
}

func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.service.Flags(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, flags)
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	sch, err := s.service.Schema(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, sch)
}

func (s *Server) handleReplaceSchema(w http.ResponseWriter, r *http.Request) {
	var sch schema.Schema
	if err := json.NewDecoder(r.Body).Decode(&sch); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid schema payload")
		return
	}
	if err := s.service.ReplaceSchema(r.Context(), sch); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleUpload accepts a multipart file upload, parses it, and replaces
// the importer's source rows. Concurrent uploads are bounded; a request
// that cannot get a slot within the wait budget is rejected.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.uploads.Acquire(r.Context()) {
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "UPLOAD_BUSY", "too many concurrent uploads, try again shortly")
		return
	}
	defer s.uploads.Release()

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxFileSize)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "multipart form must carry a 'file' part")
		return
	}
	defer file.Close()

	logger := logging.WithFields(r.Context(), "filename", header.Filename, "size", header.Size)
	logger.Info("upload received")

	parsed, err := ingest.Parse(header.Filename, file, header.Size)
	if err != nil {
		respondError(w, r, err)
		return
	}

	if err := s.service.IngestFile(r.Context(), parsed.Columns, parsed.Records); err != nil {
		respondError(w, r, err)
		return
	}

	s.dropSnapshot()
	logger.Info("upload ingested", "rows", len(parsed.Records), "columns", len(parsed.Columns))
	writeJSON(w, map[string]any{
		"columns": parsed.Columns,
		"rows":    len(parsed.Records),
	})
}

func (s *Server) handleSourceColumns(w http.ResponseWriter, r *http.Request) {
	columns, err := s.service.SourceColumns(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"columns": columns})
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	recs, err := s.service.RecommendMapping(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"recommendations": recs})
}

func (s *Server) handleConfirmMapping(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mappings []core.ColumnMapping `json:"mappings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid mapping payload")
		return
	}
	if err := s.service.ConfirmMapping(r.Context(), req.Mappings); err != nil {
		respondError(w, r, err)
		return
	}
	s.dropSnapshot()
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleValidate runs statistics aggregation followed by a full
// validation pass and caches the snapshot for later patch re-validation.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.AggregateStats(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	counts, err := s.service.ValidateAll(r.Context(), stats)
	if err != nil {
		respondError(w, r, err)
		return
	}

	s.statsMu.Lock()
	s.stats = stats
	s.counts = counts
	s.statsMu.Unlock()

	writeJSON(w, map[string]any{
		"columnErrors": counts,
		"total":        counts.Total(),
		"clean":        counts.Zero(),
	})
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	rows, err := s.service.Rows(r.Context(), skip, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"rows": rows, "skip": skip})
}

func (s *Server) handleErrorCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.service.ErrorCounts(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"columnErrors": counts,
		"total":        counts.Total(),
		"clean":        counts.Zero(),
	})
}

// handleApplyPatches applies operator edits and re-validates the touched
// rows against the cached statistics snapshot. The scope key comes from
// the Idempotency-Key header (preferred) or the request body; retried
// deliveries with the same key are no-ops.
func (s *Server) handleApplyPatches(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScopeKey string       `json:"scopeKey"`
		Patches  []core.Patch `json:"patches"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid patch payload")
		return
	}

	scopeKey := r.Header.Get("Idempotency-Key")
	if scopeKey == "" {
		scopeKey = req.ScopeKey
	}
	if scopeKey == "" {
		scopeKey = uuid.New().String()
	}

	modified, err := s.service.ApplyPatches(r.Context(), scopeKey, req.Patches)
	if err != nil {
		respondError(w, r, err)
		return
	}

	stats, counts, err := s.snapshot(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.service.RevalidateCells(r.Context(), modified, stats, counts); err != nil {
		respondError(w, r, err)
		return
	}

	s.statsMu.Lock()
	s.stats = stats
	s.counts = counts
	s.statsMu.Unlock()

	writeJSON(w, map[string]any{
		"modified":     modified,
		"columnErrors": counts,
		"clean":        counts.Zero(),
	})
}

// snapshot returns the cached stats and counts, rebuilding both when no
// validation pass has populated them yet.
func (s *Server) snapshot(r *http.Request) (core.ColumnStats, core.ColumnErrorCounts, error) {
	s.statsMu.Lock()
	stats, counts := s.stats, s.counts
	s.statsMu.Unlock()

	if stats == nil {
		var err error
		stats, err = s.service.AggregateStats(r.Context())
		if err != nil {
			return nil, nil, err
		}
	}
	if counts == nil {
		var err error
		counts, err = s.service.ErrorCounts(r.Context())
		if err != nil {
			return nil, nil, err
		}
	}
	return stats, counts, nil
}

// dropSnapshot clears the cached validation snapshot after operations
// that invalidate it.
func (s *Server) dropSnapshot() {
	s.statsMu.Lock()
	s.stats = nil
	s.counts = nil
	s.statsMu.Unlock()
}

func (s *Server) handleAddEnumValue(w http.ResponseWriter, r *http.Request) {
	columnKey := chi.URLParam(r, "columnKey")

	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "payload must carry a non-empty 'value'")
		return
	}

	if err := s.service.AddEnumValue(r.Context(), columnKey, req.Value); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	if err := s.service.StartImport(r.Context()); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Close(r.Context()); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Reset(r.Context()); err != nil {
		respondError(w, r, err)
		return
	}
	s.dropSnapshot()
	writeJSON(w, map[string]string{"status": "ok"})
}
