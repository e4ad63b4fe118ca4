package myMiddleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

type stubValidator map[string]int

func (s stubValidator) ValidateToken(token string) (int, string, error) {
	id, ok := s[token]
	if !ok {
		return 0, "", errors.New("bad token")
	}
	return id, "user", nil
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := UserFromContext(r.Context()); ok {
			w.Header().Set("X-User", strconv.Itoa(id))
		}
	})
}

func TestAuthMiddlewareAcceptsHeaderAndQueryTokens(t *testing.T) {
	h := NewAuthMiddleware(stubValidator{"good": 7}, true).Handle(echoUser())

	req := httptest.NewRequest(http.MethodGet, "/chat/conversations", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("X-User") != "7" {
		t.Fatalf("header token: status %d user %q", rec.Code, rec.Header().Get("X-User"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/ws/7?token=good", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("X-User") != "7" {
		t.Fatalf("query token: status %d", rec.Code)
	}
}

func TestAuthMiddlewareRejectsMissingOrBadTokens(t *testing.T) {
	h := NewAuthMiddleware(stubValidator{"good": 7}, true).Handle(echoUser())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?token=forged", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d", rec.Code)
	}
}

func TestAuthMiddlewareDisabledPassesThrough(t *testing.T) {
	h := NewAuthMiddleware(stubValidator{}, false).Handle(echoUser())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("X-User") != "" {
		t.Fatalf("disabled auth: status %d user %q", rec.Code, rec.Header().Get("X-User"))
	}
}
