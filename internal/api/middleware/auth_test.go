package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID  = "test-key-dm"
	testIssuer = "https://keycloak.test/realms/artstore"
)

// generateTestKey генерирует RSA ключ для тестов.
func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// buildJWKSetJSON строит JWKS JSON из RSA публичного ключа.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
	data, _ := json.Marshal(jwks)
	return data
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestJWTAuth(t *testing.T, key *rsa.PrivateKey) *JWTAuth {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("не удалось создать keyfunc: %v", err)
	}
	return NewJWTAuthWithKeyfunc(kf, JWTAuthConfig{
		Issuer:         testIssuer,
		AdminGroups:    []string{"artstore-admins"},
		ReadonlyGroups: []string{"artstore-viewers"},
	}, testLogger())
}

// signToken подписывает claims тестовым ключом.
func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = testIssuer
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	claims["iat"] = jwt.NewNumericDate(time.Now())

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func userToken(t *testing.T, key *rsa.PrivateKey, groups ...string) string {
	return signToken(t, key, jwt.MapClaims{
		"sub":                "user-1",
		"preferred_username": "ivanov",
		"groups":             groups,
	})
}

func saToken(t *testing.T, key *rsa.PrivateKey, scope string) string {
	return signToken(t, key, jwt.MapClaims{
		"sub":       "sa-1",
		"client_id": "loader",
		"scope":     scope,
	})
}

// protected оборачивает обработчик в JWT и RBAC middleware.
func protected(auth *JWTAuth, rbac func(http.Handler) http.Handler) http.Handler {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return auth.Middleware()(rbac(ok))
}

func doRequest(h http.Handler, token string) int {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/datamarts", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestJWTAuth_Authentication(t *testing.T) {
	key := generateTestKey(t)
	otherKey := generateTestKey(t)
	auth := newTestJWTAuth(t, key)
	h := protected(auth, RequireRead())

	expired := signToken(t, key, jwt.MapClaims{
		"sub":    "user-1",
		"groups": []string{"artstore-admins"},
		"exp":    jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	wrongIssuer := signToken(t, key, jwt.MapClaims{
		"sub":    "user-1",
		"groups": []string{"artstore-admins"},
		"iss":    "https://evil.test",
	})
	noSub := signToken(t, key, jwt.MapClaims{"groups": []string{"artstore-admins"}})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"без заголовка", "", http.StatusUnauthorized},
		{"не Bearer", "Basic abc", http.StatusUnauthorized},
		{"пустой токен", "Bearer ", http.StatusUnauthorized},
		{"мусор", "Bearer abc.def.ghi", http.StatusUnauthorized},
		{"чужая подпись", "Bearer " + userToken(t, otherKey, "artstore-admins"), http.StatusUnauthorized},
		{"просрочен", "Bearer " + expired, http.StatusUnauthorized},
		{"чужой issuer", "Bearer " + wrongIssuer, http.StatusUnauthorized},
		{"без sub", "Bearer " + noSub, http.StatusUnauthorized},
		{"валидный", "Bearer " + userToken(t, key, "artstore-viewers"), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/datamarts", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("статус = %d, ожидался %d", rec.Code, tt.want)
			}
		})
	}
}

func TestJWTAuth_Authorization(t *testing.T) {
	key := generateTestKey(t)
	auth := newTestJWTAuth(t, key)
	read := protected(auth, RequireRead())
	write := protected(auth, RequireWrite())

	realmAdmin := signToken(t, key, jwt.MapClaims{
		"sub":          "user-2",
		"realm_access": map[string]any{"roles": []string{"offline_access", "admin"}},
	})

	tests := []struct {
		name      string
		token     string
		wantRead  int
		wantWrite int
	}{
		{"администратор", userToken(t, key, "artstore-admins"), http.StatusOK, http.StatusOK},
		{"наблюдатель", userToken(t, key, "artstore-viewers"), http.StatusOK, http.StatusForbidden},
		{"обе группы", userToken(t, key, "artstore-viewers", "artstore-admins"), http.StatusOK, http.StatusOK},
		{"без групп", userToken(t, key, "other"), http.StatusForbidden, http.StatusForbidden},
		{"роль из realm_access", realmAdmin, http.StatusOK, http.StatusOK},
		{"SA delta:read", saToken(t, key, "profile delta:read"), http.StatusOK, http.StatusForbidden},
		{"SA delta:write", saToken(t, key, "delta:write"), http.StatusOK, http.StatusOK},
		{"SA без scope", saToken(t, key, "profile"), http.StatusForbidden, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := doRequest(read, tt.token); got != tt.wantRead {
				t.Errorf("чтение: статус = %d, ожидался %d", got, tt.wantRead)
			}
			if got := doRequest(write, tt.token); got != tt.wantWrite {
				t.Errorf("изменение: статус = %d, ожидался %d", got, tt.wantWrite)
			}
		})
	}
}

func TestRequireRoleOrScope_NoClaims(t *testing.T) {
	h := RequireWrite()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	if got := doRequest(h, ""); got != http.StatusUnauthorized {
		t.Errorf("статус = %d, ожидался 401", got)
	}
}

func TestAuthClaims_Actor(t *testing.T) {
	tests := []struct {
		claims AuthClaims
		want   string
	}{
		{AuthClaims{Subject: "s", PreferredUsername: "ivanov"}, "ivanov"},
		{AuthClaims{Subject: "s", ClientID: "loader"}, "loader"},
		{AuthClaims{Subject: "s"}, "s"},
	}
	for _, tt := range tests {
		if got := tt.claims.Actor(); got != tt.want {
			t.Errorf("Actor() = %q, ожидалось %q", got, tt.want)
		}
	}
}

func TestJWKSReadinessChecker(t *testing.T) {
	key := generateTestKey(t)
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"ok", http.StatusOK, string(buildJWKSetJSON(&key.PublicKey, testKeyID)), "ok"},
		{"нет ключей", http.StatusOK, `{"keys":[]}`, "degraded"},
		{"невалидный JSON", http.StatusOK, `not json`, "degraded"},
		{"ошибка сервера", http.StatusInternalServerError, ``, "fail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			checker, err := NewJWKSReadinessChecker(srv.URL, "", time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if status, msg := checker.CheckReady(t.Context()); status != tt.want {
				t.Errorf("статус = %q (%s), ожидался %q", status, msg, tt.want)
			}
		})
	}
}
