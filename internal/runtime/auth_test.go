package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/voiceplanner/config"
)

func TestEchoAuthMiddlewareScopes(t *testing.T) {
	secret := []byte("test-secret")
	e := echo.New()
	e.GET("/runs", func(c echo.Context) error {
		sub, _ := SubjectFromContext(c.Request().Context())
		return c.String(http.StatusOK, sub)
	}, EchoAuthMiddleware(secret), RequireScopes(ScopeRunsRead))

	do := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	tok, err := SignJWT("agent-1", secret, time.Minute, ScopeRunsRead)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := do(tok)
	if rec.Code != http.StatusOK || rec.Body.String() != "agent-1" {
		t.Fatalf("expected 200 agent-1, got %d %q", rec.Code, rec.Body.String())
	}

	tok, _ = SignJWT("agent-2", secret, time.Minute, ScopeGoalsWrite)
	if rec := do(tok); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing scope, got %d", rec.Code)
	}

	tok, _ = SignJWT("ops", secret, time.Minute, ScopeAdmin)
	if rec := do(tok); rec.Code != http.StatusOK {
		t.Fatalf("expected admin scope to pass, got %d", rec.Code)
	}

	tok, _ = SignJWT("agent-1", []byte("other"), time.Minute, ScopeRunsRead)
	if rec := do(tok); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign signature, got %d", rec.Code)
	}

	tok, _ = SignJWT("agent-1", secret, -time.Minute, ScopeRunsRead)
	if rec := do(tok); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "x", "scopes": []string{ScopeAdmin}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if rec := do(unsigned); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for alg none, got %d", rec.Code)
	}
}

func TestNormaliseScopes(t *testing.T) {
	got := normaliseScopes("goals:read  runs:abort ")
	if len(got) != 2 || got[0] != ScopeGoalsRead || got[1] != ScopeRunsAbort {
		t.Fatalf("unexpected scopes %v", got)
	}
	got = normaliseScopes([]interface{}{" goals:write", 3, ""})
	if len(got) != 1 || got[0] != ScopeGoalsWrite {
		t.Fatalf("unexpected scopes %v", got)
	}
}

func TestLoadJWTSecretAndDSN(t *testing.T) {
	cfg := &config.Config{}
	if _, err := LoadJWTSecret(cfg); err != ErrNoJWTSecret {
		t.Fatalf("expected ErrNoJWTSecret, got %v", err)
	}
	cfg.Server.JWTSecret = "s"
	if b, err := LoadJWTSecret(cfg); err != nil || string(b) != "s" {
		t.Fatalf("unexpected secret %q %v", b, err)
	}

	cfg.Storage.Postgres = config.PostgresConfig{Host: "db", User: "planner", Password: "p@ss", DBName: "voice"}
	dsn, err := BuildPostgresDSN(cfg)
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	if want := "postgres://planner:p%40ss@db:5432/voice?sslmode=disable"; dsn != want {
		t.Fatalf("dsn = %q, want %q", dsn, want)
	}
	cfg.Storage.Postgres.DBName = ""
	if _, err := BuildPostgresDSN(cfg); err == nil {
		t.Fatalf("expected incomplete config to fail")
	}
}

func TestBuildEngineRequiresCollaborator(t *testing.T) {
	if _, err := BuildEngine(context.Background(), &config.Config{}, nil, nil); err != ErrNoCollaborator {
		t.Fatalf("expected ErrNoCollaborator, got %v", err)
	}
}
