package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

func newTestRouter(t *testing.T, m *Manager) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(m.BasicAuth())
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextUserKey))
	})
	return router
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	m, err := NewManager("ops", string(hash))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return m
}

func request(router http.Handler, username, password string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	if username != "" {
		req.SetBasicAuth(username, password)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestBasicAuth(t *testing.T) {
	router := newTestRouter(t, newTestManager(t))

	if rec := request(router, "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing credentials: status = %d, want 401", rec.Code)
	} else if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}

	if rec := request(router, "ops", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: status = %d, want 401", rec.Code)
	}

	rec := request(router, "ops", "s3cret")
	if rec.Code != http.StatusOK {
		t.Fatalf("valid credentials: status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ops" {
		t.Fatalf("body = %q, want ops", rec.Body.String())
	}
}

func TestBasicAuthLocksAfterRepeatedFailures(t *testing.T) {
	router := newTestRouter(t, newTestManager(t))

	for i := 0; i < maxLoginAttempts; i++ {
		if rec := request(router, "ops", "wrong"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want 401", i+1, rec.Code)
		}
	}

	rec := request(router, "ops", "s3cret")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("locked client: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestBasicAuthDisabled(t *testing.T) {
	m, err := NewManager("", "")
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	if m.Enabled() {
		t.Fatal("manager without username must be disabled")
	}
	if rec := request(newTestRouter(t, m), "", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestNewManagerValidatesHash(t *testing.T) {
	if _, err := NewManager("ops", ""); err == nil {
		t.Fatal("expected error for missing hash")
	}
	if _, err := NewManager("ops", "plaintext"); err == nil {
		t.Fatal("expected error for non-bcrypt hash")
	}
}
