package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"solarchat/internal/metrics"
	"solarchat/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Observability logs, traces and counts every request served by the local
// health endpoint. Routes are labelled by their template so metric keys stay
// bounded.
func Observability(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeName(r)

			ctx := tracing.WithOperationID(r.Context())
			ctx, span := tracing.StartSpan(ctx, "http.request",
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("client.address", remoteIP(r)),
			)
			defer span.End()
			r = r.WithContext(ctx)

			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)

			duration := time.Since(start)
			status := strconv.Itoa(wrapper.statusCode)

			span.SetAttributes(
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
			)
			setSpanStatus(span, wrapper.statusCode)

			labels := map[string]string{"method": r.Method, "route": route, "status_code": status}
			metrics.IncrementCounter(metrics.HTTPRequests, labels, "HTTP requests served")
			metrics.RecordTimer(metrics.HTTPRequestDuration, duration, map[string]string{"route": route}, "HTTP request duration")

			level := logrus.DebugLevel
			if wrapper.statusCode >= http.StatusInternalServerError {
				level = logrus.ErrorLevel
			} else if wrapper.statusCode >= http.StatusBadRequest {
				level = logrus.WarnLevel
			}

			fields := tracing.LogFields(ctx)
			fields["method"] = r.Method
			fields["route"] = route
			fields["status_code"] = wrapper.statusCode
			fields["duration_ms"] = duration.Milliseconds()
			fields["size"] = wrapper.responseSize
			logger.WithFields(fields).Log(level, "HTTP request completed")
		})
	}
}

func setSpanStatus(span oteltrace.Span, statusCode int) {
	if statusCode >= http.StatusBadRequest {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", statusCode))
		return
	}
	span.SetStatus(codes.Ok, "")
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// responseWrapper captures the status code and body size
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}
