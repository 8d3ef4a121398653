package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/haasonsaas/taskgate/internal/auth"
	"github.com/haasonsaas/taskgate/internal/dispatch"
	"github.com/haasonsaas/taskgate/internal/execution"
	"github.com/haasonsaas/taskgate/internal/ledger"
)

const maxRequestBody = 1 << 20

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", s.handleHealthz)
	if s.config.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.config.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.HTTPMiddleware(s.auth, s.logger))
		r.Post("/v1/dispatch", s.handleDispatch)
		r.Post("/v1/runs", s.handleCreateRun)
		r.Get("/v1/runs/{runID}", s.handleGetRun)
		r.Post("/v1/runs/{runID}/cancel", s.handleCancelRun)
		r.Get("/v1/credits", s.handleCredits)
	})
	return r
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.HTTPRequest(r.Method, route, strconv.Itoa(status), time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = requestIDHeader(r)
	}
	identity, _ := auth.ResultFromContext(r.Context())

	resp, err := s.dispatcher.Dispatch(r.Context(), req, identity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if resp.Degraded {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req dispatch.CreateRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = requestIDHeader(r)
	}
	identity, _ := auth.ResultFromContext(r.Context())

	run, err := s.dispatcher.CreateRun(r.Context(), req, identity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.ResultFromContext(r.Context())
	detail, err := s.dispatcher.RunDetail(r.Context(), chi.URLParam(r, "runID"), identity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.ResultFromContext(r.Context())
	run, err := s.dispatcher.Cancel(r.Context(), chi.URLParam(r, "runID"), identity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenantId"))
	if user, ok := auth.UserFromContext(r.Context()); ok {
		if tenantID != "" && tenantID != user.Tenant() {
			s.writeError(w, r, execution.NewError(execution.CodePermissionDenied, "tenant does not match credentials"))
			return
		}
		tenantID = user.Tenant()
	}
	if tenantID == "" {
		s.writeError(w, r, execution.NewError(execution.CodeInputValidation, "tenantId is required"))
		return
	}

	balance, err := s.gate.Balance(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, execution.Wrap(execution.CodeInternalUnknown, "load balance", err))
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

type errorBody struct {
	Error *execution.Error `json:"error"`
	// Balance and Cost are set on 402 responses.
	Balance *ledger.Balance `json:"balance,omitempty"`
	Cost    *int64          `json:"cost,omitempty"`
}

// writeError maps err onto its HTTP status. Internal causes are logged, never
// returned.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *ledger.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusPaymentRequired, errorBody{
			Error:   execution.NewError(execution.CodePermissionDenied, "insufficient credits"),
			Balance: &insufficient.Balance,
			Cost:    &insufficient.Cost,
		})
		return
	}

	e := execution.Normalize(err)
	status := execution.HTTPStatus(e.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "code", e.Code, "error", err)
	}
	if e.RetryAfterMs > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt((e.RetryAfterMs+999)/1000, 10))
	}
	writeJSON(w, status, errorBody{Error: &execution.Error{
		Code:         e.Code,
		Message:      e.Message,
		Retryable:    e.Retryable,
		RetryAfterMs: e.RetryAfterMs,
	}})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: execution.NewError(execution.CodeInputValidation, "invalid request body"),
		})
		return false
	}
	return true
}

func requestIDHeader(r *http.Request) string {
	for _, name := range []string{"Idempotency-Key", "X-Request-ID"} {
		if value := strings.TrimSpace(r.Header.Get(name)); value != "" {
			return value
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck
}
