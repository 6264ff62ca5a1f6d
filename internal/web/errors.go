package web

// errors.go maps engine errors onto HTTP responses. Technical detail is
// logged server-side with the request ID; clients get a stable error code
// and a short message.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rowforge/importer/internal/core"
	"github.com/rowforge/importer/internal/ingest"
)

// ErrorResponse is the JSON shape of every API error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// respondError logs err and writes the mapped JSON error response.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapError(err)

	slog.Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"code", code,
		"error", err.Error(),
		"request_id", middleware.GetReqID(r.Context()),
	)

	writeError(w, status, code, message)
}

// mapError translates an engine or parse error into a status, a stable
// machine code, and a client-safe message.
func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, core.ErrImporterClosed):
		return http.StatusConflict, "IMPORTER_CLOSED", "this importer is closed; reset it to start over"
	case errors.Is(err, core.ErrIllegalTransition):
		return http.StatusConflict, "ILLEGAL_TRANSITION", "the importer is not in a stage that allows this operation"
	case errors.Is(err, core.ErrNoSourceRows):
		return http.StatusConflict, "NO_SOURCE_ROWS", "upload a file before this operation"
	case errors.Is(err, core.ErrUnknownRow):
		return http.StatusNotFound, "UNKNOWN_ROW", "the referenced row does not exist"
	case errors.Is(err, core.ErrUnknownColumn):
		return http.StatusBadRequest, "UNKNOWN_COLUMN", "the referenced column is not configured"
	case errors.Is(err, core.ErrDuplicateTarget):
		return http.StatusBadRequest, "DUPLICATE_TARGET", "two mappings claim the same target column"
	case errors.Is(err, core.ErrEnumNotExtensible):
		return http.StatusBadRequest, "ENUM_NOT_EXTENSIBLE", "this column does not accept new values"
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, "UNSUPPORTED_FORMAT", "only CSV and XLSX uploads are supported"
	case errors.Is(err, ingest.ErrNoHeader):
		return http.StatusBadRequest, "NO_HEADER", "the uploaded file has no header row"
	default:
		return http.StatusInternalServerError, "INTERNAL", "an internal error occurred"
	}
}

// writeError writes a JSON error response with the given status and code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}

// writeJSON encodes v and writes it with a 200 status.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode", "error", err)
	}
}
