package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"studioline/internal/repo"
)

func authRequest(headers map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/v0/me", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func rejectionCode(t *testing.T, err huma.StatusError) string {
	t.Helper()
	if err == nil {
		t.Fatalf("expected rejection")
	}
	apiErr, ok := err.(*apiError)
	if !ok || apiErr.GetStatus() != http.StatusUnauthorized {
		t.Fatalf("unexpected error %#v", err)
	}
	return apiErr.Body.Code
}

func TestDevTokensExpireAndAreScoped(t *testing.T) {
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	a := newAuthenticator(AuthConfig{JWTSecret: testSecret}, repo.Repo{})
	a.now = func() time.Time { return now }

	token, err := a.issue("producer", []string{"producer"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, authErr := a.authenticate(authRequest(map[string]string{"Authorization": "Bearer " + token}))
	if authErr != nil {
		t.Fatalf("authenticate: %v", authErr)
	}
	if p.ActorID != "producer" || p.Source != viaJWT || len(p.Roles) != 1 {
		t.Fatalf("unexpected principal %+v", p)
	}

	a.now = func() time.Time { return now.Add(devTokenTTL + time.Minute) }
	_, authErr = a.authenticate(authRequest(map[string]string{"Authorization": "Bearer " + token}))
	if code := rejectionCode(t, authErr); code != "invalid_credentials" {
		t.Fatalf("expired token code = %q", code)
	}

	a.now = func() time.Time { return now }
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "producer",
		Audience:  jwt.ClaimStrings{"another-service"},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, authErr = a.authenticate(authRequest(map[string]string{"Authorization": "Bearer " + foreign}))
	rejectionCode(t, authErr)
}

func TestCredentialChainOrder(t *testing.T) {
	strict := newAuthenticator(AuthConfig{JWTSecret: testSecret}, repo.Repo{})
	_, err := strict.authenticate(authRequest(map[string]string{"X-Actor-Id": "director"}))
	if code := rejectionCode(t, err); code != "unauthorized" {
		t.Fatalf("actor header should be ignored when disabled, got %q", code)
	}
	_, err = strict.authenticate(authRequest(map[string]string{"Authorization": "Basic abc"}))
	if code := rejectionCode(t, err); code != "invalid_credentials" {
		t.Fatalf("basic auth code = %q", code)
	}

	lenient := newAuthenticator(AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true}, repo.Repo{})
	p, err := lenient.authenticate(authRequest(map[string]string{"X-Actor-Id": "director"}))
	if err != nil || p.ActorID != "director" || p.Source != viaActorHeader {
		t.Fatalf("actor header principal = %+v, %v", p, err)
	}
	// a bad token is not rescued by the actor header
	_, err = lenient.authenticate(authRequest(map[string]string{"Authorization": "Bearer nope", "X-Actor-Id": "director"}))
	rejectionCode(t, err)
}
