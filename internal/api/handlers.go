package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/vozfin/vozfin-core/internal/device"
	"github.com/vozfin/vozfin-core/internal/interpreter"
	"github.com/vozfin/vozfin-core/internal/ledger"
	"github.com/vozfin/vozfin-core/internal/protocol"
	"github.com/vozfin/vozfin-core/internal/voice"
)

type interpretRequest struct {
	Text string `json:"text"`
	Date string `json:"date,omitempty"`
}

type candidateResponse struct {
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	Category      string `json:"category"`
	CategoryLabel string `json:"category_label"`
	Description   string `json:"description"`
	Date          string `json:"date"`
	Confidence    int    `json:"confidence"`
}

type transactionRequest struct {
	Type        interpreter.Type     `json:"type"`
	Amount      decimal.Decimal      `json:"amount"`
	Category    interpreter.Category `json:"category"`
	Description string               `json:"description"`
	Date        string               `json:"date"`
}

func newCandidateResponse(c interpreter.Candidate) candidateResponse {
	return candidateResponse{
		Type:          string(c.Type),
		Amount:        c.Amount.StringFixed(2),
		Category:      string(c.Category),
		CategoryLabel: c.Category.Label(),
		Description:   c.Description,
		Date:          c.DateString(),
		Confidence:    c.Confidence,
	}
}

func (s *Server) handleInterpret(w http.ResponseWriter, r *http.Request) {
	var req interpretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	var (
		cand interpreter.Candidate
		ok   bool
	)
	switch {
	case req.Date != "":
		ref, err := time.ParseInLocation(interpreter.DateLayout, req.Date, s.location())
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		cand, ok = interpreter.Interpret(req.Text, ref)
	case s.voice != nil:
		cand, ok = s.voice.Interpret(req.Text)
	default:
		cand, ok = interpreter.Interpret(req.Text, time.Now())
	}
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "no amount found in text")
		return
	}
	writeJSON(w, http.StatusOK, newCandidateResponse(cand))
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f ledger.Filter
	if month := q.Get("month"); month != "" {
		year, m, err := parseMonth(month)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Year, f.Month = year, m
	}
	if t := q.Get("type"); t != "" {
		f.Type = interpreter.Type(t)
		if !f.Type.Valid() {
			writeError(w, http.StatusBadRequest, "type must be income or expense")
			return
		}
	}
	if c := q.Get("category"); c != "" {
		f.Category = interpreter.Category(c)
		if !f.Category.Valid() {
			writeError(w, http.StatusBadRequest, "unknown category")
			return
		}
	}
	if l := q.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = limit
	}

	entries, err := s.ledger.List(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list transactions", slogError(err))
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	entry := ledger.Entry{
		Type:        req.Type,
		Amount:      req.Amount,
		Category:    req.Category,
		Description: strings.TrimSpace(req.Description),
		Date:        req.Date,
		Confidence:  100,
	}
	if entry.Date == "" {
		entry.Date = s.now().Format(interpreter.DateLayout)
	}
	created, err := s.ledger.Create(r.Context(), entry)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.cache.clear()
	if s.voice != nil {
		s.voice.PublishCreated(created)
	}
	s.logger.Info("transaction created", slog.String("id", created.ID), slog.String("type", string(created.Type)))
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	year, month := now.Year(), now.Month()
	if raw := r.URL.Query().Get("month"); raw != "" {
		var err error
		if year, month, err = parseMonth(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	key := summaryKey(year, int(month))
	if summary, ok := s.cache.get(key); ok {
		writeJSON(w, http.StatusOK, summary)
		return
	}
	summary, err := s.ledger.Summary(r.Context(), year, month)
	if err != nil {
		s.logger.Error("failed to summarize month", slog.String("month", key), slogError(err))
		writeError(w, http.StatusInternalServerError, "failed to summarize month")
		return
	}
	if summary.Categories == nil {
		summary.Categories = []ledger.CategorySummary{}
	}
	if summary.Transactions == nil {
		summary.Transactions = []ledger.Entry{}
	}
	s.cache.set(key, summary)
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var filter func(device.Device) bool
	if r.URL.Query().Get("healthy") == "true" {
		filter = device.Healthy
	}
	devices := s.devices.List(filter)
	if devices == nil {
		devices = []device.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleCaptureStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.voice.Snapshot(chi.URLParam(r, "device_id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	session, err := s.voice.RequestPermission(r.Context(), chi.URLParam(r, "device_id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	res, err := s.voice.Capture(r.Context(), chi.URLParam(r, "device_id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
	session, err := s.voice.Stop(chi.URLParam(r, "device_id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleCaptureReset(w http.ResponseWriter, r *http.Request) {
	session, err := s.voice.Reset(chi.URLParam(r, "device_id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var edits *protocol.CandidateEdits
	var body protocol.CandidateEdits
	switch err := json.NewDecoder(r.Body).Decode(&body); {
	case errors.Is(err, io.EOF):
	case err != nil:
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	default:
		edits = &body
	}

	created, err := s.voice.Confirm(r.Context(), chi.URLParam(r, "device_id"), edits)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.cache.clear()
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.voice.Discard(r.Context(), chi.URLParam(r, "device_id")); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) now() time.Time {
	if s.voice != nil {
		return s.voice.Now()
	}
	return time.Now()
}

func (s *Server) location() *time.Location {
	return s.now().Location()
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidEntry):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, voice.ErrUnknownDevice):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, voice.ErrNoPending), errors.Is(err, voice.ErrCaptureInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "capture timed out")
	default:
		s.logger.Error("request failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseMonth(raw string) (int, time.Month, error) {
	t, err := time.Parse("2006-01", raw)
	if err != nil {
		return 0, 0, errors.New("month must be YYYY-MM")
	}
	return t.Year(), t.Month(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
