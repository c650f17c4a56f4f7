package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hive-corporation/iochub/internal/adapter/exporter"
	"github.com/hive-corporation/iochub/internal/config"
	"github.com/hive-corporation/iochub/internal/core/domain"
	"github.com/hive-corporation/iochub/internal/core/ports"
	"github.com/hive-corporation/iochub/internal/core/service"
)

// DefaultListLimit caps /api/v1/iocs when no limit is given.
const DefaultListLimit = 500

// Pusher publishes stored records to MISP.
type Pusher interface {
	Push(ctx context.Context, artifact string, limit int) (service.PushResult, error)
}

type RestHandler struct {
	repo         ports.MergeStore
	pusher       Pusher
	csvExporter  *exporter.CSVExporter
	cefExporter  *exporter.CEFExporter
	stixExporter *exporter.STIXExporter
	logger       *zap.Logger
}

func NewRestHandler(repo ports.MergeStore, pusher Pusher, logger *zap.Logger) *RestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RestHandler{
		repo:         repo,
		pusher:       pusher,
		csvExporter:  exporter.NewCSVExporter(repo),
		cefExporter:  exporter.NewCEFExporter(repo),
		stixExporter: exporter.NewSTIXExporter(repo),
		logger:       logger,
	}
}

// Register mounts every endpoint on router.
func (h *RestHandler) Register(router *mux.Router) {
	router.HandleFunc("/api/v1/health", h.Health).Methods("GET")
	router.HandleFunc("/api/v1/iocs", h.ListIOCs).Methods("GET")

	router.HandleFunc("/export/csv", h.ExportCSV).Methods("GET")
	router.HandleFunc("/export/stix", h.ExportSTIX).Methods("GET")
	router.HandleFunc("/export/cef", h.ExportCEF).Methods("GET")

	router.HandleFunc("/push/misp", h.PushMISP).Methods("POST")
}

// Health check endpoint
func (h *RestHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "iochub-api",
	}
	h.writeJSON(w, http.StatusOK, response)
}

// ListIOCs browses merged records, newest first
func (h *RestHandler) ListIOCs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r, DefaultListLimit)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	iocs, err := h.repo.Query(ctx, filter)
	if err != nil {
		h.logger.Error("❌ Failed to query IOCs", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to query IOCs")
		return
	}

	items := make([]IOCView, len(iocs))
	for i, ioc := range iocs {
		items[i] = NewIOCView(ioc)
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(items),
		"items": items,
	})
}

// ExportCSV always answers text/csv as an attachment, even when empty
func (h *RestHandler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r, 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	data, err := h.csvExporter.Export(ctx, filter)
	if err != nil {
		h.logger.Error("❌ Failed to export CSV", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to export CSV")
		return
	}

	w.Header().Set("Content-Type", exporter.CSVContentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+exporter.CSVFilename)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Warn("Error writing CSV response", zap.Error(err))
	}
}

// ExportSTIX returns the STIX 2.1 bundle of the matching records
func (h *RestHandler) ExportSTIX(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r, 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	data, err := h.stixExporter.Export(ctx, filter)
	if err != nil {
		h.logger.Error("❌ Failed to export STIX", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to export STIX bundle")
		return
	}

	w.Header().Set("Content-Type", exporter.ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Warn("Error writing STIX response", zap.Error(err))
	}
}

// ExportCEF returns one CEF line per matching record, for SIEM ingestion
func (h *RestHandler) ExportCEF(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r, 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	data, err := h.cefExporter.Export(ctx, filter)
	if err != nil {
		h.logger.Error("❌ Failed to export CEF", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to export CEF feed")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(data)); err != nil {
		h.logger.Warn("Error writing CEF response", zap.Error(err))
	}
}

// PushMISP creates one MISP event from the matching records
func (h *RestHandler) PushMISP(w http.ResponseWriter, r *http.Request) {
	artifact := r.URL.Query().Get("artifact")
	limit := service.DefaultPushLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid 'limit' parameter")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()

	result, err := h.pusher.Push(ctx, artifact, limit)
	if err != nil {
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			h.writeError(w, http.StatusServiceUnavailable, cfgErr.Error())
			return
		}
		if errors.Is(err, ports.ErrPublisherNotConfigured) {
			h.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.logger.Error("❌ MISP push failed", zap.String("artifact", artifact), zap.Error(err))
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// IOCView is the JSON shape of a record in API responses.
type IOCView struct {
	Value      string   `json:"value"`
	Type       string   `json:"type"`
	FirstSeen  *string  `json:"first_seen"`
	LastSeen   *string  `json:"last_seen"`
	Confidence int      `json:"confidence"`
	Source     string   `json:"source"`
	Artifact   string   `json:"artifact"`
	Ecosystem  string   `json:"ecosystem"`
	Tags       []string `json:"tags"`
}

func NewIOCView(ioc domain.IOC) IOCView {
	tags := ioc.Tags
	if tags == nil {
		tags = []string{}
	}
	return IOCView{
		Value:      ioc.Value,
		Type:       string(ioc.Type),
		FirstSeen:  optionalTime(ioc.FirstSeen),
		LastSeen:   optionalTime(ioc.LastSeen),
		Confidence: ioc.Confidence,
		Source:     ioc.Source,
		Artifact:   ioc.Artifact,
		Ecosystem:  ioc.Ecosystem,
		Tags:       tags,
	}
}

func optionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := domain.FormatTime(t)
	return &s
}

// parseFilter reads artifact, since, type and limit query parameters.
// since accepts RFC 3339, a date (2006-01-02) or a lookback ("24h", "7d").
func parseFilter(r *http.Request, defaultLimit int) (ports.Filter, error) {
	q := r.URL.Query()
	filter := ports.Filter{
		Artifact: strings.TrimSpace(q.Get("artifact")),
		Limit:    defaultLimit,
	}

	if v := q.Get("since"); v != "" {
		since, err := parseSince(v, time.Now())
		if err != nil {
			return filter, err
		}
		filter.Since = &since
	}

	for _, raw := range q["type"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				filter.Types = append(filter.Types, domain.IOCType(t))
			}
		}
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid 'limit' parameter")
		}
		filter.Limit = n
	}
	return filter, nil
}

func parseSince(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	if strings.HasSuffix(v, "d") {
		if days, err := strconv.Atoi(strings.TrimSuffix(v, "d")); err == nil && days >= 0 {
			return now.AddDate(0, 0, -days), nil
		}
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid 'since' parameter (use RFC 3339, 2006-01-02, '24h' or '7d')")
}

// Helper functions

func (h *RestHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("Error encoding JSON response", zap.Error(err))
	}
}

func (h *RestHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
