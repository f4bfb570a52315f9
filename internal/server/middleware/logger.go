package middleware

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// RequestObserver receives the outcome of every request, keyed by route
// template.
type RequestObserver func(route string, code int, elapsed time.Duration)

// statusRecorder captures the response code. It keeps Hijack working so
// WebSocket upgrades can pass through it.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.code == 0 {
		s.code = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.code == 0 {
		s.code = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if s.code == 0 {
		s.code = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// NewRequestLogger creates a middleware that logs details about each
// request once it completes. observer may be nil.
func NewRequestLogger(logger *slog.Logger, observer RequestObserver) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			code := rec.code
			if code == 0 {
				code = http.StatusOK
			}
			elapsed := time.Since(start)
			route := routeTemplate(r)

			var ip, requestID string
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				ip, requestID = reqMeta.IP, reqMeta.RequestID
			}
			logger.Info("HTTP request",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", code),
				slog.Duration("elapsed", elapsed),
				slog.String("ip", ip),
				slog.String("requestID", requestID),
			)
			if observer != nil {
				observer(route, code, elapsed)
			}
		})
	}
}

// routeTemplate keeps metric labels bounded by using the matched route
// pattern instead of the raw path.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
