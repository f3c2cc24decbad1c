package util

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	requestIDHeader    = "X-Request-Id"
	maxRequestIDLength = 64
)

type requestScopeKey struct{}

// requestScope is shared by the middleware chain and the handler serving one request.
// Handlers add the adapter owner once it is resolved, and every later log line carries it.
type requestScope struct {
	id string

	mu    sync.Mutex
	attrs []any
}

func (s *requestScope) add(args ...any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, args...)
	s.mu.Unlock()
}

func (s *requestScope) snapshot() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.attrs...)
}

// WithRequestID echoes or assigns X-Request-Id and opens the request scope used for logging.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if !validRequestID(requestID) {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		scope := &requestScope{id: requestID}
		ctx := context.WithValue(r.Context(), requestScopeKey{}, scope)
		ctx = ContextWithLogger(ctx, slog.Default().With("request_id", requestID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AnnotateAdapter tags the current request with the adapter owner it addresses.
func AnnotateAdapter(ctx context.Context, userID, avatarID string) {
	if scope := scopeFromContext(ctx); scope != nil {
		scope.add("user_id", userID, "avatar_id", avatarID)
	}
}

// RequestIDFromContext returns the id assigned by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if scope := scopeFromContext(ctx); scope != nil {
		return scope.id
	}
	return ""
}

func scopeFromContext(ctx context.Context) *requestScope {
	if ctx == nil {
		return nil
	}
	scope, _ := ctx.Value(requestScopeKey{}).(*requestScope)
	return scope
}

func requestAttrs(ctx context.Context) []any {
	if scope := scopeFromContext(ctx); scope != nil {
		return scope.snapshot()
	}
	return nil
}

// validRequestID accepts short ids made of letters, digits, dot, dash and underscore.
// Anything else is replaced.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}
