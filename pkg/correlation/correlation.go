package correlation

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Header is the request ID header, read from inbound requests and echoed on
// every response.
const Header = "X-Request-ID"

type contextKey int

const idKey contextKey = iota

// ID identifies one HTTP request across log lines.
type ID string

// String returns the string representation of the ID.
func (id ID) String() string {
	return string(id)
}

// New generates a request ID: 16 hex characters of randomness.
func New() ID {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return ID(fmt.Sprintf("%x", time.Now().UnixNano()))
	}
	return ID(hex.EncodeToString(buf))
}

// FromRequest returns the caller-supplied request ID or generates one.
func FromRequest(r *http.Request) ID {
	if id := r.Header.Get(Header); id != "" {
		return ID(id)
	}
	return New()
}

// WithID attaches the request ID to the context.
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, idKey, id)
}

// FromContext extracts the request ID, empty if none is attached.
func FromContext(ctx context.Context) ID {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(idKey).(ID); ok {
		return id
	}
	return ""
}

// Fields returns the request ID as structured log fields, empty when the
// context carries none.
func Fields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if id := FromContext(ctx); id != "" {
		fields["request_id"] = id.String()
	}
	return fields
}

// statusRecorder captures the response status for the completion log line.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusRecorder) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// Hijack passes through so websocket upgrades keep working behind the
// middleware.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware threads a request ID through the context, echoes it on the
// response, and logs request completion with a level matched to the status.
func Middleware(logger *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		id := FromRequest(r)

		w.Header().Set(Header, id.String())
		r = r.WithContext(WithID(r.Context(), id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		entry := logger.WithFields(logrus.Fields{
			"request_id":  id.String(),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(started).Milliseconds(),
		})
		switch {
		case rec.status >= 500:
			entry.Error("Request failed")
		case rec.status >= 400:
			entry.Warn("Request rejected")
		default:
			entry.Debug("Request served")
		}
	})
}
