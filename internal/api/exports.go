package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
	"github.com/JakeFAU/precatorio-exporter/internal/orchestrator"
)

const (
	defaultPage     = 1
	defaultPageSize = 10
	maxPageSize     = 100
)

type createExportRequest struct {
	Entity     string `json:"entity"`
	YearStart  int    `json:"year_start"`
	YearEnd    int    `json:"year_end"`
	MaxUnits   *int   `json:"max_units"`
	HideClosed bool   `json:"hide_closed"`
	Headless   *bool  `json:"headless"`
}

type failureDTO struct {
	Unit      int       `json:"unit"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type errorDTO struct {
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type statusDTO struct {
	ExportID       string       `json:"export_id"`
	Complete       bool         `json:"complete"`
	ProcessedUnits int          `json:"processed_units"`
	TotalUnits     int          `json:"total_units"`
	Failures       []failureDTO `json:"failures"`
	Errors         []errorDTO   `json:"errors"`
}

type completedDTO struct {
	ExportID    string       `json:"export_id"`
	Entity      string       `json:"entity"`
	YearStart   int          `json:"year_start"`
	YearEnd     int          `json:"year_end"`
	CreatedAt   time.Time    `json:"created_at"`
	DownloadURL string       `json:"download_url"`
	Units       int          `json:"units"`
	Failures    []failureDTO `json:"failures"`
	Errors      []errorDTO   `json:"errors"`
}

type completedPage struct {
	Exports    []completedDTO `json:"exports"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
	TotalCount int            `json:"total_count"`
	TotalPages int            `json:"total_pages"`
}

func (s *Server) createExport(w http.ResponseWriter, r *http.Request) {
	var req createExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params, err := s.toParams(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	exp, err := s.exports.Start(r.Context(), params)
	if err != nil {
		s.logger.Error("start export failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start export")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"export_id": exp.ID})
}

func (s *Server) toParams(req createExportRequest) (export.Params, error) {
	entity := strings.TrimSpace(req.Entity)
	if entity == "" || req.YearStart <= 0 || req.YearEnd <= 0 {
		return export.Params{}, errors.New("entity, year_start and year_end are required")
	}
	if req.YearStart > req.YearEnd {
		return export.Params{}, errors.New("year_start must not be after year_end")
	}
	if req.MaxUnits != nil && *req.MaxUnits <= 0 {
		return export.Params{}, errors.New("max_units must be > 0")
	}
	return export.Params{
		Entity:     entity,
		YearStart:  req.YearStart,
		YearEnd:    req.YearEnd,
		MaxUnits:   req.MaxUnits,
		HideClosed: req.HideClosed,
		Headless:   valueOrDefault(req.Headless, s.cfg.Source.HeadlessDefault),
	}, nil
}

func (s *Server) listStatus(w http.ResponseWriter, r *http.Request) {
	all, err := s.exports.ListStatus(r.Context())
	if err != nil {
		s.logger.Error("list status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list exports")
		return
	}
	out := make([]statusDTO, 0, len(all))
	for _, st := range all {
		out = append(out, toStatusDTO(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"exports": out})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.exports.Status(r.Context(), chi.URLParam(r, "export_id"))
	if err != nil {
		s.writeLookupError(w, err, "export")
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(st))
}

// listCompleted pages over completed exports. Exports without artifacts are
// skipped after paging, so a page may hold fewer than page_size entries while
// total_count still includes them.
func (s *Server) listCompleted(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	exports, total, err := s.catalog.ListCompleted(ctx, pageSize, (page-1)*pageSize)
	if err != nil {
		s.logger.Error("list completed failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list exports")
		return
	}

	out := completedPage{
		Exports:    make([]completedDTO, 0, len(exports)),
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
		TotalPages: (total + pageSize - 1) / pageSize,
	}
	for _, exp := range exports {
		arts, err := s.catalog.ListArtifacts(ctx, exp.ID)
		if err != nil {
			s.writeLookupError(w, err, "artifacts")
			return
		}
		if len(arts) == 0 {
			continue
		}
		failures, err := s.catalog.ListFailures(ctx, exp.ID)
		if err != nil {
			s.writeLookupError(w, err, "failures")
			return
		}
		errs, err := s.catalog.ListProcessErrors(ctx, exp.ID)
		if err != nil {
			s.writeLookupError(w, err, "errors")
			return
		}
		out.Exports = append(out.Exports, completedDTO{
			ExportID:    exp.ID,
			Entity:      exp.Params.Entity,
			YearStart:   exp.Params.YearStart,
			YearEnd:     exp.Params.YearEnd,
			CreatedAt:   exp.CreatedAt,
			DownloadURL: downloadURL(exp.ID),
			Units:       len(arts),
			Failures:    toFailureDTOs(failures),
			Errors:      toErrorDTOs(errs),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	exportID := chi.URLParam(r, "export_id")
	if _, err := s.catalog.GetExport(ctx, exportID); err != nil {
		s.writeLookupError(w, err, "export")
		return
	}
	arts, err := s.catalog.ListArtifacts(ctx, exportID)
	if err != nil {
		s.writeLookupError(w, err, "artifacts")
		return
	}
	if len(arts) == 0 {
		writeError(w, http.StatusNotFound, "export has no artifacts")
		return
	}
	records, err := s.records.ReadAll(ctx, exportID)
	if err != nil {
		s.logger.Error("read export records failed", zap.String("export_id", exportID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read export")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="export-%s.json"`, exportID))
	writeJSON(w, http.StatusOK, records)
}

type webhooksRequest struct {
	URL      string `json:"url"`
	ErrorURL string `json:"error_url"`
}

func (s *Server) getWebhooks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	primary, err := s.settings.GetSetting(ctx, export.SettingWebhookURL)
	if err != nil || primary == "" {
		s.writeSettingError(w, err, "webhook url is not configured")
		return
	}
	secondary, err := s.settings.GetSetting(ctx, export.SettingErrorWebhookURL)
	if err != nil || secondary == "" {
		s.writeSettingError(w, err, "error webhook url is not configured")
		return
	}
	writeJSON(w, http.StatusOK, webhooksRequest{URL: primary, ErrorURL: secondary})
}

func (s *Server) writeSettingError(w http.ResponseWriter, err error, missing string) {
	if err == nil || errors.Is(err, export.ErrNotFound) {
		writeError(w, http.StatusNotFound, missing)
		return
	}
	s.logger.Error("read setting failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func (s *Server) updateWebhooks(w http.ResponseWriter, r *http.Request) {
	var req webhooksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	req.ErrorURL = strings.TrimSpace(req.ErrorURL)
	if req.URL == "" && req.ErrorURL == "" {
		writeError(w, http.StatusBadRequest, "url or error_url is required")
		return
	}
	updates := map[string]string{}
	if req.URL != "" {
		updates[export.SettingWebhookURL] = req.URL
	}
	if req.ErrorURL != "" {
		updates[export.SettingErrorWebhookURL] = req.ErrorURL
	}
	for key, value := range updates {
		if !validWebhookURL(value) {
			writeError(w, http.StatusBadRequest, key+" must be an absolute http(s) URL")
			return
		}
	}
	for key, value := range updates {
		if err := s.settings.SetSetting(r.Context(), key, value); err != nil {
			s.logger.Error("update setting failed", zap.String("key", key), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to update webhooks")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func validWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func parsePage(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	page := defaultPage
	if raw := q.Get("page"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid page")
		}
		page = val
	}
	pageSize := defaultPageSize
	if raw := q.Get("page_size"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid page_size")
		}
		pageSize = min(val, maxPageSize)
	}
	return page, pageSize, nil
}

func downloadURL(exportID string) string {
	return "/v1/exports/" + url.PathEscape(exportID) + "/download"
}

func toStatusDTO(st orchestrator.Status) statusDTO {
	return statusDTO{
		ExportID:       st.Export.ID,
		Complete:       st.Export.Complete,
		ProcessedUnits: st.ProcessedUnits,
		TotalUnits:     valueOrDefault(st.TotalUnits, 0),
		Failures:       toFailureDTOs(st.Failures),
		Errors:         toErrorDTOs(st.Errors),
	}
}

func toFailureDTOs(in []export.FailureEntry) []failureDTO {
	out := make([]failureDTO, 0, len(in))
	for _, f := range in {
		out = append(out, failureDTO{Unit: f.Unit, Attempts: f.Attempts, Reason: f.Reason, CreatedAt: f.CreatedAt})
	}
	return out
}

func toErrorDTOs(in []export.ProcessError) []errorDTO {
	out := make([]errorDTO, 0, len(in))
	for _, e := range in {
		out = append(out, errorDTO{Message: e.Message, CreatedAt: e.CreatedAt})
	}
	return out
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}
