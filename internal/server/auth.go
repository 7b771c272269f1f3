package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"ballotbox/internal/auth"
	"ballotbox/internal/repo"
)

const devTokenTTL = 12 * time.Hour

type AuthConfig struct {
	JWTSecret               string
	AllowLegacyCallerHeader bool
	Logger                  *slog.Logger
}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func principalFromRequest(ctx context.Context) (auth.Principal, huma.StatusError) {
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		return p, nil
	}
	return auth.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func authenticateJWT(token string, secret string) (auth.Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return auth.Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return auth.Principal{}, err
	}
	if !parsed.Valid {
		return auth.Principal{}, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return auth.Principal{}, errors.New("subject claim required")
	}
	return auth.Principal{ActorID: claims.Subject, Source: "jwt"}, nil
}

func signDevToken(secret, actorID string, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwt.RegisteredClaims{
		Subject:   actorID,
		Issuer:    "ballotbox-dev",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(devTokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (auth.Principal, error) {
	if strings.TrimSpace(key) == "" {
		return auth.Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return auth.Principal{}, err
	}
	if apiKey.ActorID == "" {
		return auth.Principal{}, errors.New("api key missing actor")
	}
	return auth.Principal{ActorID: apiKey.ActorID, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware resolves the caller for every request under basePath.
// Authorization wins over X-Api-Key, which wins over the legacy header.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "openapi.json"):   true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	logger := cfg.logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			legacyCaller := strings.TrimSpace(req.Header.Get("X-Caller-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					logger.Debug("jwt rejected", "error", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(auth.WithPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					logger.Debug("api key rejected", "error", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(auth.WithPrincipal(req.Context(), principal)))
				return
			}

			if legacyCaller != "" && cfg.AllowLegacyCallerHeader {
				logger.Warn("unauthenticated X-Caller-Id header accepted; this path is deprecated", "caller", legacyCaller)
				ctx := auth.WithPrincipal(req.Context(), auth.Principal{ActorID: legacyCaller, Source: "legacy_header"})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
