package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"payrelay/internal/jobs"
	"payrelay/internal/merchant"
	"payrelay/internal/sink"
	logx "payrelay/pkg/logx"
)

const maxBody = 1 << 20

// Handler builds the routed HTTP handler. Everything except /v1/health
// sits behind the token check.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return s.routes(cfg)
}

func (s *Server) routes(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/v1/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(withAuth(cfg.Token))

		r.Post("/v1/jobs", s.handleEnqueue)
		r.Get("/v1/jobs/{key}", s.handleGetJob)
		r.Post("/v1/jobs/{key}/cancel", s.handleCancel)
		r.Post("/v1/jobs/{key}/requeue", s.handleRequeue)
		r.Post("/v1/callbacks/{key}", s.handleCallback)

		r.Get("/v1/merchants", s.handleMerchants)
		r.Post("/v1/merchants/{id}/suspend", s.handleSuspend)
		r.Post("/v1/merchants/{id}/resume", s.handleResume)

		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func withAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ah := r.Header.Get("Authorization"); ah != "" {
				const pfx = "Bearer "
				if strings.HasPrefix(ah, pfx) && strings.TrimSpace(strings.TrimPrefix(ah, pfx)) == token {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="payrelay"`)
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

type enqueueRequest struct {
	Key        string          `json:"idempotency_key"`
	MerchantID string          `json:"merchant_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DueAt      *time.Time      `json:"due_at,omitempty"`
}

type requeueRequest struct {
	DueAt *time.Time `json:"due_at,omitempty"`
}

type jobView struct {
	ID            string          `json:"id"`
	Key           string          `json:"idempotency_key"`
	MerchantID    string          `json:"merchant_id"`
	Kind          jobs.Kind       `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	State         jobs.State      `json:"state"`
	DueAt         time.Time       `json:"due_at"`
	Attempts      int             `json:"attempts"`
	LastErrorKind string          `json:"last_error_kind,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	History       []attemptView   `json:"attempts_log,omitempty"`
}

type attemptView struct {
	Number    int          `json:"number"`
	At        time.Time    `json:"at"`
	Outcome   jobs.Outcome `json:"outcome"`
	LatencyMS int64        `json:"latency_ms"`
	ErrorCode string       `json:"error_code,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type merchantView struct {
	ID            string      `json:"id"`
	RateCeiling   int         `json:"rate_ceiling"`
	RateWindow    string      `json:"rate_window"`
	RateBurst     int         `json:"rate_burst,omitempty"`
	MaxConcurrent int         `json:"max_concurrent,omitempty"`
	Capabilities  []jobs.Kind `json:"capabilities"`
	Suspended     bool        `json:"suspended"`
}

func viewJob(j *jobs.Job, atts []jobs.Attempt) jobView {
	v := jobView{
		ID:            j.ID,
		Key:           j.Key,
		MerchantID:    j.MerchantID,
		Kind:          j.Kind,
		State:         j.State,
		DueAt:         j.DueAt,
		Attempts:      j.Attempts,
		LastErrorKind: j.LastErrorKind,
		LastError:     j.LastError,
		Reason:        j.Reason,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
	if len(j.Payload) > 0 && json.Valid(j.Payload) {
		v.Payload = json.RawMessage(j.Payload)
	}
	if !j.NextRetryAt.IsZero() {
		t := j.NextRetryAt
		v.NextRetryAt = &t
	}
	for _, a := range atts {
		v.History = append(v.History, attemptView{
			Number:    a.Number,
			At:        a.At,
			Outcome:   a.Outcome,
			LatencyMS: a.Latency.Milliseconds(),
			ErrorCode: a.ErrorCode,
			Error:     a.Error,
		})
	}
	return v
}

func viewMerchant(m merchant.Merchant) merchantView {
	return merchantView{
		ID:            m.ID,
		RateCeiling:   m.Ceiling,
		RateWindow:    m.Window.String(),
		RateBurst:     m.Burst,
		MaxConcurrent: m.MaxConcurrent,
		Capabilities:  m.Capabilities,
		Suspended:     m.Suspended,
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := jobs.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	j := &jobs.Job{
		Key:        strings.TrimSpace(req.Key),
		MerchantID: strings.TrimSpace(req.MerchantID),
		Kind:       kind,
		Payload:    []byte(req.Payload),
	}
	if req.DueAt != nil {
		j.DueAt = *req.DueAt
	}
	out, created, err := s.backend.Enqueue(r.Context(), j)
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, viewJob(out, nil))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, atts, err := s.backend.GetJob(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewJob(j, atts))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	j, err := s.backend.Cancel(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewJob(j, nil))
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	// The body is optional; a bodiless POST may still carry an unknown length.
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var due time.Time
	if req.DueAt != nil {
		due = *req.DueAt
	}
	j, err := s.backend.Requeue(r.Context(), chi.URLParam(r, "key"), due)
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewJob(j, nil))
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var cb sink.Callback
	if err := decodeBody(r, &cb); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	j, applied, err := s.backend.Callback(r.Context(), chi.URLParam(r, "key"), cb)
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied, "job": viewJob(j, nil)})
}

func (s *Server) handleMerchants(w http.ResponseWriter, r *http.Request) {
	ms := s.backend.Merchants()
	out := make([]merchantView, 0, len(ms))
	for _, m := range ms {
		out = append(out, viewMerchant(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	m, err := s.backend.Suspend(chi.URLParam(r, "id"))
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewMerchant(m))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	m, err := s.backend.Resume(chi.URLParam(r, "id"))
	if err != nil {
		s.writeBackendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewMerchant(m))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.Status(r.Context())
	if err != nil {
		s.log.Warn("health check failed", logx.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, st)
		return
	}
	code := http.StatusOK
	if !st.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (s *Server) writeBackendError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, jobs.ErrInvalidJob), errors.Is(err, sink.ErrBadCallback):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("api request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Err(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

var errEmptyBody = errors.New("request body is empty")

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
