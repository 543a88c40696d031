package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type requestIDKey struct{}

const headerRequestID = "X-Request-ID"

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withRequestID echoes X-Request-ID, generating one when absent, so an API
// call can be matched to the bridge log lines it produced.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// logRequests logs each request by route pattern and, on device routes,
// device ID. Health polling is frequent, so successful requests log at
// Debug and only server errors at Warn.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		args := append(requestAttrs(r),
			"status", rec.status,
			"bytes", rec.bytes,
			"duration", time.Since(start),
		)
		if rec.status >= http.StatusInternalServerError {
			s.logger.Warn("api request failed", args...)
			return
		}
		s.logger.Debug("api request", args...)
	})
}

// recoverPanics turns a handler panic into a 500 unless the handler had
// already started its response.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, ok := w.(*responseRecorder)
		if !ok {
			rec = &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		}
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("api handler panicked", append(requestAttrs(r), "panic", p)...)
				if !rec.wroteHeader {
					writeInternalError(rec, "internal server error")
				}
			}
		}()
		next.ServeHTTP(rec, r)
	})
}

// requestAttrs are the log fields shared by every API log line. The route
// context is filled in by routing, so they are complete once the handler
// has run.
func requestAttrs(r *http.Request) []any {
	route := r.URL.Path
	var deviceID string
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			route = p
		}
		deviceID = rctx.URLParam("id")
	}

	attrs := []any{
		"method", r.Method,
		"route", route,
		"request_id", requestID(r.Context()),
	}
	if deviceID != "" {
		attrs = append(attrs, "device_id", deviceID)
	}
	return attrs
}

type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *responseRecorder) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
