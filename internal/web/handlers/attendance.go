package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/web/middleware"
)

// AttendanceHandler handles check-in, check-out and attendance queries
type AttendanceHandler struct {
	ledger  *ledger.Ledger
	timeout time.Duration
	logger  *slog.Logger
}

// NewAttendanceHandler creates a new attendance handler
func NewAttendanceHandler(l *ledger.Ledger, timeout time.Duration, logger *slog.Logger) *AttendanceHandler {
	return &AttendanceHandler{ledger: l, timeout: timeout, logger: logger}
}

// AttendanceRecordResponse is the JSON view of a day's record.
type AttendanceRecordResponse struct {
	Date     string     `json:"date"`
	Status   string     `json:"status"`
	CheckIn  *time.Time `json:"check_in"`
	CheckOut *time.Time `json:"check_out"`
}

func recordResponse(rec *database.AttendanceRecord) *AttendanceRecordResponse {
	if rec == nil {
		return nil
	}
	return &AttendanceRecordResponse{
		Date:     rec.Date,
		Status:   string(ledger.StatusOf(rec)),
		CheckIn:  rec.CheckIn,
		CheckOut: rec.CheckOut,
	}
}

// CheckIn records the authenticated identity's arrival.
func (h *AttendanceHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.ledger.CheckIn)
}

// CheckOut records the authenticated identity's departure.
func (h *AttendanceHandler) CheckOut(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.ledger.CheckOut)
}

type transitionFunc func(ctx context.Context, identityID int64, at time.Time) (*database.AttendanceRecord, error)

func (h *AttendanceHandler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	ident, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	ctx, cancel := storeTimeout(r.Context(), h.timeout)
	defer cancel()
	rec, err := fn(ctx, ident.ID, h.ledger.Now())
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"attendance": recordResponse(rec),
	})
}

// Today returns today's record; attendance is null before the first check-in.
func (h *AttendanceHandler) Today(w http.ResponseWriter, r *http.Request) {
	ident, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	ctx, cancel := storeTimeout(r.Context(), h.timeout)
	defer cancel()
	rec, err := h.ledger.TodayStatus(ctx, ident.ID)
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}

	status := ledger.StatusOf(rec)
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     string(status),
		"attendance": recordResponse(rec),
	})
}

// History returns past records, most recent first.
func (h *AttendanceHandler) History(w http.ResponseWriter, r *http.Request) {
	ident, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}

	ctx, cancel := storeTimeout(r.Context(), h.timeout)
	defer cancel()
	records, err := h.ledger.History(ctx, ident.ID, limit)
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}

	out := make([]*AttendanceRecordResponse, 0, len(records))
	for i := range records {
		out = append(out, recordResponse(&records[i]))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"history": out,
		"total":   len(out),
	})
}
