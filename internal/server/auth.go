package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"studioline/internal/repo"
)

const (
	devTokenTTL   = 12 * time.Hour
	tokenIssuer   = "studioline-dev"
	tokenAudience = "studioline-api"
)

// Credential sources, reported by /me.
const (
	viaJWT         = "jwt"
	viaAPIKey      = "api_key"
	viaActorHeader = "legacy_header"
)

type AuthConfig struct {
	JWTSecret string
	// AllowLegacyActorHeader trusts X-Actor-Id without credentials. Local use only.
	AllowLegacyActorHeader bool
	Logger                 *slog.Logger
}

// Principal is the crew member behind a request. Roles come from the token
// and are informational; decisions are attributed to ActorID.
type Principal struct {
	ActorID string
	Roles   []string
	Source  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", errUnauthenticated()
}

func errUnauthenticated() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func errBadCredentials() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
}

// credential extracts a principal from one kind of request header. It reports
// present=false when the request does not carry that kind of credential.
type credential func(req *http.Request) (p Principal, present bool, err error)

// authenticator tries each credential in order; the first one present decides.
type authenticator struct {
	secret []byte
	keys   repo.Repo
	log    *slog.Logger
	chain  []credential
	now    func() time.Time
}

func newAuthenticator(cfg AuthConfig, r repo.Repo) *authenticator {
	a := &authenticator{
		secret: []byte(strings.TrimSpace(cfg.JWTSecret)),
		keys:   r,
		log:    cfg.Logger,
		now:    time.Now,
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	a.chain = []credential{a.bearer, a.apiKey}
	if cfg.AllowLegacyActorHeader {
		a.chain = append(a.chain, a.actorHeader)
	}
	return a
}

func (a *authenticator) authenticate(req *http.Request) (Principal, huma.StatusError) {
	for _, c := range a.chain {
		p, present, err := c(req)
		if !present {
			continue
		}
		if err != nil {
			a.log.Debug("credentials rejected", "path", req.URL.Path, "error", err)
			return Principal{}, errBadCredentials()
		}
		return p, nil
	}
	return Principal{}, errUnauthenticated()
}

type crewClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func (a *authenticator) bearer(req *http.Request) (Principal, bool, error) {
	authz := strings.TrimSpace(req.Header.Get("Authorization"))
	if authz == "" {
		return Principal{}, false, nil
	}
	scheme, token, ok := strings.Cut(authz, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return Principal{}, true, errors.New("authorization is not a bearer token")
	}
	if len(a.secret) == 0 {
		return Principal{}, true, errors.New("jwt secret not configured")
	}
	claims := &crewClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Principal{}, true, err
	}
	if claims.Subject == "" {
		return Principal{}, true, errors.New("token has no subject")
	}
	return Principal{ActorID: claims.Subject, Roles: claims.Roles, Source: viaJWT}, true, nil
}

func (a *authenticator) apiKey(req *http.Request) (Principal, bool, error) {
	key := strings.TrimSpace(req.Header.Get("X-Api-Key"))
	if key == "" {
		return Principal{}, false, nil
	}
	stored, err := a.keys.GetAPIKeyByHash(req.Context(), repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, true, err
	}
	if stored.ActorID == "" {
		return Principal{}, true, errors.New("api key has no actor")
	}
	return Principal{ActorID: stored.ActorID, Source: viaAPIKey}, true, nil
}

func (a *authenticator) actorHeader(req *http.Request) (Principal, bool, error) {
	actor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))
	if actor == "" {
		return Principal{}, false, nil
	}
	a.log.Warn("X-Actor-Id accepted without credentials", "actor_id", actor)
	return Principal{ActorID: actor, Source: viaActorHeader}, true, nil
}

// issue mints a dev token for the crew member.
func (a *authenticator) issue(actorID string, roles []string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret not configured; set STUDIOLINE_JWT_SECRET")
	}
	now := a.now()
	claims := crewClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(devTokenTTL)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// middleware guards everything under basePath except health and dev login.
func (a *authenticator) middleware(basePath string) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if (basePath != "" && !strings.HasPrefix(req.URL.Path, basePath)) || open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			p, err := a.authenticate(req)
			if err != nil {
				respondStatusError(w, err)
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
