package util

import (
	"net/http"
	"strings"
)

// responses are JSON or file attachments; nothing here is meant to render or be framed
const apiContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; sandbox"

// WithSecurityHeaders hardens adapter API responses. Adapter archives and training files are
// private, so nothing is cacheable unless the handler says otherwise. HSTS is sent only when
// the request arrived over TLS directly or via a trusted proxy.
func WithSecurityHeaders(trusted *TrustedProxies, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", apiContentSecurityPolicy)
		h.Set("Cache-Control", "no-store")
		if IsHTTPS(r, trusted) {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(&attachmentHeaders{ResponseWriter: w}, r)
	})
}

// attachmentHeaders adds download-only headers once the handler has chosen its content.
type attachmentHeaders struct {
	http.ResponseWriter
	wrote bool
}

func (a *attachmentHeaders) WriteHeader(status int) {
	if !a.wrote {
		a.wrote = true
		h := a.Header()
		if strings.HasPrefix(strings.TrimSpace(h.Get("Content-Disposition")), "attachment") {
			h.Set("X-Download-Options", "noopen")
		}
	}
	a.ResponseWriter.WriteHeader(status)
}

func (a *attachmentHeaders) Write(p []byte) (int, error) {
	if !a.wrote {
		a.WriteHeader(http.StatusOK)
	}
	return a.ResponseWriter.Write(p)
}

func (a *attachmentHeaders) Unwrap() http.ResponseWriter {
	return a.ResponseWriter
}
