package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/parkaudit/parkaudit/internal/ledger"
	"github.com/parkaudit/parkaudit/internal/verify"
	"github.com/parkaudit/parkaudit/pkg/errclass"
	"github.com/parkaudit/parkaudit/pkg/model"
)

const maxBodyBytes = 64 << 10

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// RecordBody is the request body of the entry and exit endpoints.
type RecordBody struct {
	LotName     string             `json:"lotName"`
	Capacity    int                `json:"capacity"`
	PerformedBy string             `json:"performedBy"`
	Geolocation *model.Geolocation `json:"geolocation,omitempty"`
}

// RecordResult is returned after an append. Only a prefix of the hash is
// shown.
type RecordResult struct {
	EntryID          string `json:"entryId"`
	CurrentOccupancy int    `json:"currentOccupancy"`
	MaxCapacity      int    `json:"maxCapacity"`
	IsViolation      bool   `json:"isViolation"`
	ViolationAmount  int    `json:"violationAmount"`
	Hash             string `json:"hash"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.ErrorErr("request failed", err, map[string]any{"path": r.URL.Path})
	}
	writeJSON(w, status, envelope{Success: false, Message: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errclass.ErrEntryInvalid),
		errors.Is(err, errclass.ErrLotInvalid),
		errors.Is(err, errclass.ErrLotEmpty),
		errors.Is(err, errclass.ErrEnrichRejected):
		return http.StatusBadRequest
	case errors.Is(err, errclass.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, errclass.ErrChainConflict),
		errors.Is(err, errclass.ErrLockTimeout):
		return http.StatusConflict
	case errors.Is(err, errclass.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errclass.ErrEntryInvalid.WithMessagef("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) recordEntry(w http.ResponseWriter, r *http.Request) {
	s.record(w, r, model.ActionEntry, "Vehicle entry logged")
}

func (s *Server) recordExit(w http.ResponseWriter, r *http.Request) {
	s.record(w, r, model.ActionExit, "Vehicle exit logged")
}

func (s *Server) record(w http.ResponseWriter, r *http.Request, action model.Action, message string) {
	var body RecordBody
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	entry, err := s.recorder.Record(r.Context(), ledger.RecordRequest{
		LotID:       chi.URLParam(r, "lotID"),
		LotName:     body.LotName,
		Capacity:    body.Capacity,
		Action:      action,
		PerformedBy: body.PerformedBy,
		Metadata: &model.EntryMetadata{
			IPAddress:   hostOnly(r.RemoteAddr),
			UserAgent:   r.UserAgent(),
			Geolocation: body.Geolocation,
		},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeData(w, message, RecordResult{
		EntryID:          entry.ID,
		CurrentOccupancy: entry.OccupancyAfter,
		MaxCapacity:      entry.Capacity,
		IsViolation:      entry.IsViolation,
		ViolationAmount:  entry.ViolationAmount,
		Hash:             entry.Hash.Short(),
	})
}

// hostOnly strips the port RemoteAddr carries when RealIP did not rewrite it.
func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	capacity := 0
	if raw := r.URL.Query().Get("capacity"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, errclass.ErrEntryInvalid.WithMessagef("invalid capacity %q", raw))
			return
		}
		capacity = n
	}
	st, err := s.recorder.Status(r.Context(), chi.URLParam(r, "lotID"), capacity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, "", st)
}

func (s *Server) auditTrail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := verify.ParseBound("startDate", q.Get("startDate"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := verify.ParseBound("endDate", q.Get("endDate"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trail, err := s.verifier.AuditTrail(r.Context(), chi.URLParam(r, "lotID"), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, "", trail)
}

func (s *Server) verifyLot(w http.ResponseWriter, r *http.Request) {
	report, err := s.verifier.VerifyLot(r.Context(), chi.URLParam(r, "lotID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, "", report)
}

func (s *Server) verifyAll(w http.ResponseWriter, r *http.Request) {
	sum, err := s.verifier.VerifyAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, "", sum)
}

func (s *Server) enrich(w http.ResponseWriter, r *http.Request) {
	var en model.Enrichment
	if err := decode(w, r, &en); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "entryID")
	if err := s.recorder.Enrich(r.Context(), id, en); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, "Entry enriched", map[string]string{"entryId": id})
}

func (s *Server) runDoctor(w http.ResponseWriter, r *http.Request) {
	result, err := s.doctor.Check(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, "", result)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Lots(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
