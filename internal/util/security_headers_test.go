package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithSecurityHeadersOnJSON(t *testing.T) {
	h := WithSecurityHeaders(nil, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/adapters/u1/a1/info", nil))

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
		"Content-Security-Policy": apiContentSecurityPolicy,
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Fatalf("%s = %q, want %q", k, got, v)
		}
	}
	if got := rec.Header().Get("X-Download-Options"); got != "" {
		t.Fatalf("json response should not carry download options, got %q", got)
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("no HSTS over plain http, got %q", got)
	}
}

func TestWithSecurityHeadersOnArchiveDownload(t *testing.T) {
	h := WithSecurityHeaders(nil, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="adapter_u1_a1.zip"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("PK"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/adapters/u1/a1", nil))

	if got := rec.Header().Get("X-Download-Options"); got != "noopen" {
		t.Fatalf("X-Download-Options = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("archive must not be cached, got %q", got)
	}
	if rec.Body.String() != "PK" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestWithSecurityHeadersHSTSNeedsTrustedProxy(t *testing.T) {
	trusted, _ := NewTrustedProxies([]string{"10.0.0.0/8"})
	h := WithSecurityHeaders(trusted, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	fromProxy := httptest.NewRequest(http.MethodGet, "/health", nil)
	fromProxy.RemoteAddr = "10.0.0.4:1234"
	fromProxy.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, fromProxy)
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("expected HSTS behind trusted proxy")
	}

	direct := httptest.NewRequest(http.MethodGet, "/health", nil)
	direct.RemoteAddr = "198.51.100.1:1234"
	direct.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, direct)
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("untrusted forwarded proto must not enable HSTS, got %q", got)
	}
}
