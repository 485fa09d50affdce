package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"intelmarket.org/internal/audit"
	"intelmarket.org/internal/auth"
	"intelmarket.org/internal/events"
	"intelmarket.org/internal/market"
)

func bareAPI() *API {
	return New(ReadyProbe{}, "test", market.NewInMemory(), audit.NewInMemory(), events.New())
}

func protectedEcho(t *testing.T) http.Handler {
	t.Helper()
	return bareAPI().withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.UserIDFromContext(r.Context())
		if !ok {
			t.Fatalf("expected user in context")
		}
		_, _ = w.Write([]byte(user))
	}))
}

func TestWithAuthRejectsMissingBearer(t *testing.T) {
	t.Setenv("INTELMARKET_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	rr := httptest.NewRecorder()
	protectedEcho(t).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/assets", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWithAuthRejectsGarbageToken(t *testing.T) {
	t.Setenv("INTELMARKET_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	req := httptest.NewRequest(http.MethodGet, "/v1/assets", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")

	rr := httptest.NewRecorder()
	protectedEcho(t).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestWithAuthAcceptsValidToken(t *testing.T) {
	t.Setenv("INTELMARKET_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	token, err := auth.GenerateToken("analyst-1", []string{"trader"}, time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/assets", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rr := httptest.NewRecorder()
	protectedEcho(t).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "analyst-1" {
		t.Fatalf("expected caller id echoed, got %q", rr.Body.String())
	}
}

func TestWithAuthSkipsPublicPaths(t *testing.T) {
	handler := bareAPI().withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/v1/info", "/v1/auth/token"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected public path %s to pass, got %d", path, rr.Code)
		}
	}
}
