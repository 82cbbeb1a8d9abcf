package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bigkaa/goartstore/delta-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/delta-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/delta-module/internal/coordination"
	"github.com/bigkaa/goartstore/delta-module/internal/coordination/memstore"
	"github.com/bigkaa/goartstore/delta-module/internal/deltacmd"
	"github.com/bigkaa/goartstore/delta-module/internal/repository"
	"github.com/bigkaa/goartstore/delta-module/internal/service"
)

const testKeyID = "server-test-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandlers() (*handlers.APIHandler, *handlers.HealthHandler) {
	logger := testLogger()
	c := coordination.NewClient(memstore.New(), "test", 0, logger)
	svc := service.NewDeltaService(
		repository.NewDeltaRepository(c, logger),
		repository.NewWriteOpRepository(c, logger),
		nil, nil, logger,
	)
	api := handlers.NewAPIHandler(svc, deltacmd.NewExecutor(svc, logger),
		service.NewDeltaQueryPreprocessor(nil, nil, svc, logger), logger)
	health := handlers.NewHealthHandler().AddCheck("store", handlers.NewStoreReadinessChecker(c, "memory"))
	return api, health
}

// newTestAuth создаёт JWT middleware с JWKS из одного RSA ключа.
func newTestAuth(t *testing.T) (*middleware.JWTAuth, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	jwks, _ := json.Marshal(map[string]any{"keys": []map[string]any{{
		"kty": "RSA", "kid": testKeyID, "use": "sig", "alg": "RS256",
		"n": base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		"e": base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}}})
	kf, err := keyfunc.NewJWKSetJSON(jwks)
	if err != nil {
		t.Fatal(err)
	}
	return middleware.NewJWTAuthWithKeyfunc(kf, middleware.JWTAuthConfig{
		AdminGroups:    []string{"artstore-admins"},
		ReadonlyGroups: []string{"artstore-viewers"},
	}, testLogger()), key
}

func signGroups(t *testing.T, key *rsa.PrivateKey, groups ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":    "user-1",
		"groups": groups,
		"exp":    jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func serve(h http.Handler, method, path, token string) int {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRouter_WithoutAuth(t *testing.T) {
	api, health := newTestHandlers()
	r := NewRouter(api, health, nil, middleware.MetricsMiddleware())

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/health/live", http.StatusOK},
		{http.MethodGet, "/health/ready", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/api/v1/datamarts", http.StatusOK},
		{http.MethodPost, "/api/v1/datamarts/sales/delta/begin", http.StatusCreated},
		{http.MethodGet, "/api/v1/datamarts/sales/delta/hot", http.StatusOK},
		{http.MethodGet, "/api/v1/datamarts/sales/delta/nope", http.StatusNotFound},
		{http.MethodDelete, "/api/v1/datamarts/sales/delta/hot", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		if got := serve(r, tt.method, tt.path, ""); got != tt.want {
			t.Errorf("%s %s: статус = %d, ожидался %d", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestRouter_WithAuth(t *testing.T) {
	api, health := newTestHandlers()
	auth, key := newTestAuth(t)
	r := NewRouter(api, health, auth)

	admin := signGroups(t, key, "artstore-admins")
	viewer := signGroups(t, key, "artstore-viewers")

	tests := []struct {
		name         string
		method, path string
		token        string
		want         int
	}{
		{"health без токена", http.MethodGet, "/health/live", "", http.StatusOK},
		{"metrics без токена", http.MethodGet, "/metrics", "", http.StatusOK},
		{"API без токена", http.MethodGet, "/api/v1/datamarts", "", http.StatusUnauthorized},
		{"чтение наблюдателем", http.MethodGet, "/api/v1/datamarts", viewer, http.StatusOK},
		{"begin наблюдателем", http.MethodPost, "/api/v1/datamarts/sales/delta/begin", viewer, http.StatusForbidden},
		{"begin администратором", http.MethodPost, "/api/v1/datamarts/sales/delta/begin", admin, http.StatusCreated},
		{"hot наблюдателем", http.MethodGet, "/api/v1/datamarts/sales/delta/hot", viewer, http.StatusOK},
		{"сверка наблюдателем", http.MethodPost, "/api/v1/admin/reconcile", viewer, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := serve(r, tt.method, tt.path, tt.token); got != tt.want {
				t.Errorf("статус = %d, ожидался %d", got, tt.want)
			}
		})
	}
}

func TestJWTAuthWithExclusions(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := JWTAuthWithExclusions(deny, "/health/", "/metrics")(ok)

	for path, want := range map[string]int{
		"/health/ready":      http.StatusOK,
		"/metrics":           http.StatusOK,
		"/api/v1/datamarts":  http.StatusUnauthorized,
		"/healthz-not-match": http.StatusUnauthorized,
	} {
		if got := serve(h, http.MethodGet, path, ""); got != want {
			t.Errorf("%s: статус = %d, ожидался %d", path, got, want)
		}
	}
}
