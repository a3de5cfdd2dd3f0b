package http

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"kassa/internal/log"
)

const requestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestID reuses a well-formed incoming X-Request-ID or mints a new UUID.
func requestID(r *http.Request) string {
	if id := r.Header.Get(requestIDHeader); id != "" {
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	return uuid.NewString()
}

// requestLogging tags the request with an id and logs its completion.
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := requestID(r)
		w.Header().Set(requestIDHeader, id)

		logger := s.logger.With(log.FieldRequestID, id)
		r = r.WithContext(log.NewContext(r.Context(), logger))
		events := log.NewStructuredLogger(logger)
		ip := clientIP(r)

		events.LogHTTPStart(r.Context(), r, ip)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		events.LogHTTPEnd(r.Context(), r, rec.status, time.Since(start).Milliseconds(), ip)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: errorDetail{
				Code:    "rate_limited",
				Message: "too many requests",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}
