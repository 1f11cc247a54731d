package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lib/pq"
)

const testSecret = "test-secret-key"

func TestUniqueViolationSeenThroughWrapping(t *testing.T) {
	t.Parallel()
	// The store wraps driver errors, so detection must unwrap.
	wrapped := fmt.Errorf("insert user: %w", &pq.Error{Code: "23505"})
	if !isUniqueViolation(wrapped) {
		t.Fatalf("wrapped unique violation not detected")
	}
	if isUniqueViolation(fmt.Errorf("insert user: %w", &pq.Error{Code: "23503"})) {
		t.Fatalf("foreign key violation treated as unique violation")
	}
	if isUniqueViolation(errors.New("connection refused")) {
		t.Fatalf("plain error treated as unique violation")
	}
}

func TestSignJWTRoundTrip(t *testing.T) {
	t.Parallel()
	token, err := SignJWT("user-1", []byte(testSecret), time.Hour)
	if err != nil {
		t.Fatalf("SignJWT failed: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	mw := authMiddleware([]byte(testSecret))
	handler := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := handler(c); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if got := c.Get("user_id"); got != "user-1" {
		t.Fatalf("user_id not set from claims: %v", got)
	}
}

func TestAuthMiddlewareReadsCookie(t *testing.T) {
	t.Parallel()
	token, err := SignJWT("user-2", []byte(testSecret), time.Hour)
	if err != nil {
		t.Fatalf("SignJWT failed: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: authCookieName, Value: token})
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := authMiddleware([]byte(testSecret))(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		t.Fatalf("cookie token rejected: %v", err)
	}
	if got := c.Get("user_id"); got != "user-2" {
		t.Fatalf("user_id not set from cookie token: %v", got)
	}
}

func TestAuthMiddlewareRejects(t *testing.T) {
	t.Parallel()
	expired, err := SignJWT("user-3", []byte(testSecret), -time.Hour)
	if err != nil {
		t.Fatalf("SignJWT failed: %v", err)
	}
	wrongKey, err := SignJWT("user-3", []byte("other-secret"), time.Hour)
	if err != nil {
		t.Fatalf("SignJWT failed: %v", err)
	}

	cases := []struct {
		name  string
		setup func(*http.Request)
	}{
		{"no token", func(r *http.Request) {}},
		{"garbage token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer garbage") }},
		{"expired token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) }},
		{"wrong key", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+wrongKey) }},
	}

	e := echo.New()
	handler := authMiddleware([]byte(testSecret))(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		tc.setup(req)
		c := e.NewContext(req, httptest.NewRecorder())

		err := handler(c)
		he, ok := err.(*echo.HTTPError)
		if !ok || he.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %v", tc.name, err)
		}
	}
}
