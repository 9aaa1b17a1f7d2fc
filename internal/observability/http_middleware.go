package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
)

func RequestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	return v, ok
}

// Route is how the router matched a request.
type Route struct {
	Name func(*http.Request) string
	// Vars returns the matched path variables. Optional.
	Vars func(*http.Request) map[string]string
}

// entityKey names what a route's {id} refers to.
func entityKey(route string) string {
	switch {
	case strings.HasPrefix(route, "/api/v1/tasks/"):
		return "task_id"
	case strings.HasPrefix(route, "/api/v1/webhooks/"):
		return "webhook_id"
	case strings.HasPrefix(route, "/api/v1/assets/"):
		return "asset_id"
	}
	return ""
}

// subject is the entity and owner a request is about, as far as the URL
// tells.
type subject struct {
	key, id string
	userID  string
}

func (rt Route) subject(r *http.Request, name string) subject {
	var s subject
	if rt.Vars != nil {
		if id := rt.Vars(r)["id"]; id != "" {
			s.key, s.id = entityKey(name), id
		}
	}
	s.userID = r.URL.Query().Get("userId")
	return s
}

func (s subject) fields() []zap.Field {
	var out []zap.Field
	if s.key != "" {
		out = append(out, zap.String(s.key, s.id))
	}
	if s.userID != "" {
		out = append(out, zap.String("user_id", s.userID))
	}
	return out
}

func (s subject) attributes() []attribute.KeyValue {
	var out []attribute.KeyValue
	if s.key != "" {
		out = append(out, attribute.String("hookflow."+strings.TrimSuffix(s.key, "_id")+".id", s.id))
	}
	if s.userID != "" {
		out = append(out, attribute.String("hookflow.user.id", s.userID))
	}
	return out
}

// RequestIDMiddleware ensures every request has an X-Request-Id and stores it in context.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", rid)
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessLogMiddleware logs one line per request with the request and trace
// ids and the task, webhook or asset the route names. Server errors log at
// error level and client errors at warn.
func AccessLogMiddleware(logger *zap.Logger, rt Route) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: 200}
			next.ServeHTTP(rec, r)

			rid, _ := RequestIDFromContext(r.Context())
			sc := trace.SpanFromContext(r.Context()).SpanContext()
			name := rt.Name(r)

			fields := append([]zap.Field{
				zap.String("request_id", rid),
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("route", name),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			}, rt.subject(r, name).fields()...)

			switch {
			case rec.status >= 500:
				logger.Error("http_request", fields...)
			case rec.status >= 400:
				logger.Warn("http_request", fields...)
			default:
				logger.Info("http_request", fields...)
			}
		})
	}
}

// TracingMiddleware starts a span per request named after the route and
// tags it with the entity the route names.
func TracingMiddleware(rt Route) func(http.Handler) http.Handler {
	tr := otel.Tracer("hookflow/http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := rt.Name(r)
			ctx, span := tr.Start(r.Context(), r.Method+" "+name, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", name),
				attribute.String("http.target", r.URL.Path),
			)
			span.SetAttributes(rt.subject(r, name).attributes()...)
			if rid, ok := RequestIDFromContext(r.Context()); ok {
				span.SetAttributes(attribute.String("hookflow.request_id", rid))
			}

			rec := &statusRecorder{ResponseWriter: w, status: 200}
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", rec.status))
			if rec.status >= 500 {
				span.SetStatus(codes.Error, "server_error")
			}
		})
	}
}
