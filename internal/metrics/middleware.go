package metrics

import (
	"net/http"
	"strconv"
	"time"
)

// ResponseWriterInterceptor wraps an http.ResponseWriter to capture the
// status code of the first WriteHeader call.
type ResponseWriterInterceptor struct {
	http.ResponseWriter
	StatusCode  int
	wroteHeader bool
}

// NewResponseWriterInterceptor creates a new ResponseWriterInterceptor.
func NewResponseWriterInterceptor(w http.ResponseWriter) *ResponseWriterInterceptor {
	// Default to 200 OK if WriteHeader is not called.
	return &ResponseWriterInterceptor{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader captures the status code and calls the original WriteHeader.
func (rwi *ResponseWriterInterceptor) WriteHeader(code int) {
	if !rwi.wroteHeader {
		rwi.StatusCode = code
		rwi.wroteHeader = true
	}
	rwi.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rwi *ResponseWriterInterceptor) Unwrap() http.ResponseWriter {
	return rwi.ResponseWriter
}

// Middleware wraps an http.Handler to record endpoint responses and
// latency under endpointPath.
func Middleware(next http.Handler, endpointPath string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		interceptor := NewResponseWriterInterceptor(w)
		next.ServeHTTP(interceptor, r)
		EndpointResponses.WithLabelValues(endpointPath, strconv.Itoa(interceptor.StatusCode)).Inc()
		EndpointLatency.WithLabelValues(endpointPath, r.Method).Observe(float64(time.Since(start).Microseconds()) / 1000)
	})
}
