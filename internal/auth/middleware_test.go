package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

var testNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// newAuthStore seeds an active user "1", a suspended user "2", and a legacy
// token for each.
func newAuthStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(store.Options{})
	err := st.Update(context.Background(), "seed", func(tx *store.Tx) error {
		tx.Users().Put("1", models.User{ID: "1", Username: "alice", Status: models.UserActive})
		tx.Users().Put("2", models.User{ID: "2", Username: "bob", Status: models.UserSuspended})
		tx.AccessTokens().Put("1", models.AccessToken{ID: "1", UserID: "1", TokenEncoded: base64.StdEncoding.EncodeToString([]byte("alice-secret"))})
		tx.AccessTokens().Put("2", models.AccessToken{ID: "2", UserID: "2", TokenEncoded: base64.StdEncoding.EncodeToString([]byte("bob-secret"))})
		expired := testNow.Add(-time.Minute)
		tx.AccessTokens().Put("3", models.AccessToken{ID: "3", UserID: "1", TokenEncoded: base64.StdEncoding.EncodeToString([]byte("stale")), ExpiresAt: &expired})
		return nil
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return st
}

func TestValidateTokenInvalidScenarios(t *testing.T) {
	svc := NewService("test-secret-1234567890", time.Hour)
	other := NewService("different-secret-123", time.Hour)

	tokenFromOtherSecret, err := other.GenerateToken("1", "alice")
	if err != nil {
		t.Fatalf("GenerateToken(other): %v", err)
	}
	validToken, err := svc.GenerateToken("2", "bob")
	if err != nil {
		t.Fatalf("GenerateToken(valid): %v", err)
	}

	tests := []struct {
		name     string
		tokenStr string
	}{
		{name: "malformed token", tokenStr: "not-a-jwt"},
		{name: "wrong signing secret", tokenStr: tokenFromOtherSecret},
		{name: "tampered token", tokenStr: mutateSignature(validToken)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ValidateToken(tc.tokenStr)
			if err != ErrInvalidToken {
				t.Fatalf("ValidateToken() error = %v, want %v", err, ErrInvalidToken)
			}
		})
	}
}

func TestLegacyProvider(t *testing.T) {
	st := newAuthStore(t)
	p := &LegacyProvider{Store: st, Now: func() time.Time { return testNow }}

	tests := []struct {
		name    string
		bearer  string
		wantID  string
		wantErr error
	}{
		{name: "active user", bearer: "alice-secret", wantID: "1"},
		{name: "suspended user", bearer: "bob-secret", wantErr: ErrInactivePrincipal},
		{name: "expired token", bearer: "stale", wantErr: ErrTokenExpired},
		{name: "unknown bearer", bearer: "nope", wantErr: ErrInvalidToken},
		{name: "empty bearer", bearer: "", wantErr: ErrInvalidToken},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := p.Authenticate(context.Background(), tc.bearer)
			if err != tc.wantErr {
				t.Fatalf("Authenticate() error = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr == nil && got.UserID != tc.wantID {
				t.Fatalf("principal.UserID = %q, want %q", got.UserID, tc.wantID)
			}
		})
	}
}

func TestIssuedTokenProvider(t *testing.T) {
	st := newAuthStore(t)
	secret, hash, err := NewIssuedSecret("9")
	if err != nil {
		t.Fatalf("NewIssuedSecret: %v", err)
	}
	err = st.Update(context.Background(), "issue", func(tx *store.Tx) error {
		tx.AccessTokens().Put("9", models.AccessToken{ID: "9", UserID: "1", TokenHash: hash})
		return nil
	})
	if err != nil {
		t.Fatalf("store token: %v", err)
	}
	p := &IssuedTokenProvider{Store: st, Now: func() time.Time { return testNow }}

	got, err := p.Authenticate(context.Background(), secret)
	if err != nil {
		t.Fatalf("Authenticate(valid): %v", err)
	}
	if got.UserID != "1" || got.Method != "issued" {
		t.Fatalf("principal = %+v, want user 1 via issued", got)
	}
	if _, err := p.Authenticate(context.Background(), secret+"x"); err != ErrInvalidToken {
		t.Fatalf("Authenticate(wrong secret) error = %v, want %v", err, ErrInvalidToken)
	}
	if _, err := p.Authenticate(context.Background(), "alice-secret"); err != ErrInvalidToken {
		t.Fatalf("Authenticate(legacy bearer) error = %v, want %v", err, ErrInvalidToken)
	}
}

func TestChainStopsOnRecognizedFailure(t *testing.T) {
	st := newAuthStore(t)
	sessions := NewService("test-secret-1234567890", time.Hour)
	chain := Chain{
		&LegacyProvider{Store: st, Now: func() time.Time { return testNow }},
		&SessionProvider{Store: st, Sessions: sessions},
	}

	token, err := sessions.GenerateToken("1", "alice")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	got, err := chain.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate(session): %v", err)
	}
	if got.Method != "session" {
		t.Fatalf("principal.Method = %q, want session", got.Method)
	}

	if _, err := chain.Authenticate(context.Background(), "bob-secret"); err != ErrInactivePrincipal {
		t.Fatalf("Authenticate(suspended) error = %v, want %v", err, ErrInactivePrincipal)
	}
	if _, err := chain.Authenticate(context.Background(), "garbage"); err != ErrInvalidToken {
		t.Fatalf("Authenticate(garbage) error = %v, want %v", err, ErrInvalidToken)
	}
}

func TestMiddlewarePassesThroughWithoutBearerToken(t *testing.T) {
	p := &LegacyProvider{Store: newAuthStore(t)}

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing auth header"},
		{name: "non bearer auth header", header: "Basic abc123"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			nextCalled := false
			handler := Middleware(p)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				nextCalled = true
				if principal := GetPrincipal(r.Context()); principal != nil {
					t.Fatalf("GetPrincipal() = %+v, want nil", principal)
				}
				w.WriteHeader(http.StatusNoContent)
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if !nextCalled {
				t.Fatal("next handler was not called")
			}
			if rec.Code != http.StatusNoContent {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
			}
		})
	}
}

func TestMiddlewareRejectsInvalidBearerToken(t *testing.T) {
	p := &LegacyProvider{Store: newAuthStore(t)}
	nextCalled := false
	handler := Middleware(p)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		nextCalled = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer bad-token")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if nextCalled {
		t.Fatal("next handler should not be called when token is invalid")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if !strings.Contains(rec.Body.String(), `"error":"invalid token"`) {
		t.Fatalf("response body = %q, want invalid token error", rec.Body.String())
	}
}

func TestMiddlewareAddsPrincipalToContextForValidToken(t *testing.T) {
	p := &LegacyProvider{Store: newAuthStore(t), Now: func() time.Time { return testNow }}

	nextCalled := false
	handler := Middleware(p)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		principal := GetPrincipal(r.Context())
		if principal == nil {
			t.Fatal("GetPrincipal() = nil, want principal")
		}
		if principal.UserID != "1" || principal.Username != "alice" {
			t.Fatalf("principal = %+v, want user_id=1 username=alice", principal)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer alice-secret")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !nextCalled {
		t.Fatal("next handler was not called")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestRequireAuthRejectsUnauthenticatedRequests(t *testing.T) {
	nextCalled := false
	handler := RequireAuth(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		nextCalled = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if nextCalled {
		t.Fatal("next handler should not be called for unauthenticated request")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if !strings.Contains(rec.Body.String(), `"error":"authentication required"`) {
		t.Fatalf("response body = %q, want authentication required error", rec.Body.String())
	}
}

func TestRequireAuthAllowsAuthenticatedRequests(t *testing.T) {
	nextCalled := false
	handler := RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		if GetPrincipal(r.Context()) == nil {
			t.Fatal("GetPrincipal() = nil, want principal")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithPrincipal(req.Context(), &Principal{UserID: "77", Username: "dana"}))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !nextCalled {
		t.Fatal("next handler was not called")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

// mutateSignature swaps a character in the middle of the JWT signature so
// the decoded bytes always change.
func mutateSignature(token string) string {
	i := strings.LastIndex(token, ".") + 5
	if i >= len(token) {
		return token + "x"
	}
	replacement := byte('A')
	if token[i] == replacement {
		replacement = 'B'
	}
	return token[:i] + string(replacement) + token[i+1:]
}
