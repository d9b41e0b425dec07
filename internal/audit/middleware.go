package audit

import (
	"bytes"
	"io"
	"log"
	"net"
	"net/http"
	"strings"

	"telemetry-core/internal/auth"
)

// maxDigestBody caps how much of a request body is read for the
// payload digest.
const maxDigestBody = 1 << 20

// Middleware records mutating HTTP requests through a Logger. Reads
// pass through untouched.
type Middleware struct {
	sink   Logger
	logger *log.Logger
}

// NewMiddleware constructs the audit middleware. A nil sink disables
// recording.
func NewMiddleware(sink Logger, logger *log.Logger) *Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return &Middleware{sink: sink, logger: logger}
}

// Wrap returns a handler that records the request before forwarding.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil || m.sink == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		var digest string
		if r.Body != nil {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxDigestBody))
			if err == nil {
				digest = DigestJSON(body)
				r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
			}
		}

		resourceType, resourceID := splitResource(r.URL.Path)
		entry := Entry{
			TenantID:      auth.TenantIDFromContext(r.Context()),
			Actor:         auth.SubjectFromContext(r.Context()),
			Role:          string(auth.RoleFromContext(r.Context())),
			Action:        r.Method + " " + r.URL.Path,
			ResourceType:  resourceType,
			ResourceID:    resourceID,
			PayloadDigest: digest,
			IP:            clientIP(r),
			UserAgent:     r.UserAgent(),
		}
		if err := m.sink.Log(r.Context(), entry); err != nil {
			m.logger.Printf("audit: record %s: %v", entry.Action, err)
		}

		next.ServeHTTP(w, r)
	})
}

// splitResource maps /api/v1/<type>/<id>/... to its resource parts.
func splitResource(path string) (string, string) {
	trimmed := strings.TrimPrefix(path, "/api/v1/")
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return "", ""
	}
	parts := strings.Split(trimmed, "/")
	resourceType := parts[0]
	resourceID := ""
	if len(parts) > 1 {
		resourceID = parts[1]
	}
	return resourceType, resourceID
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx > 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
