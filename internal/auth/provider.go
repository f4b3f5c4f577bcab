package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/odvcencio/forgesim/internal/models"
	"github.com/odvcencio/forgesim/internal/store"
)

// Principal is a verified caller.
type Principal struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	// Method names the provider that verified the bearer.
	Method string `json:"method"`
}

// Provider turns a bearer string into a verified principal. Providers return
// ErrInvalidToken for bearers they do not recognize.
type Provider interface {
	Authenticate(ctx context.Context, bearer string) (*Principal, error)
}

// activePrincipal loads userID and rejects accounts that are not active.
func activePrincipal(tx *store.Tx, userID, method string) (*Principal, error) {
	u, ok := tx.Users().Get(userID)
	if !ok {
		return nil, ErrInvalidToken
	}
	if u.Status != models.UserActive {
		return nil, ErrInactivePrincipal
	}
	return &Principal{UserID: u.ID, Username: u.Username, Method: method}, nil
}

func expired(t models.AccessToken, now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// LegacyProvider accepts seeded tokens whose token_encoded column holds the
// base64 form of the bearer. It is a lookup key, not a credential check.
type LegacyProvider struct {
	Store *store.Store
	Now   func() time.Time
}

func (p *LegacyProvider) Authenticate(ctx context.Context, bearer string) (*Principal, error) {
	if bearer == "" {
		return nil, ErrInvalidToken
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(bearer))
	var principal *Principal
	err := p.Store.View(ctx, "authenticate_legacy", func(tx *store.Tx) error {
		tok, ok := tx.AccessTokens().Find(func(t models.AccessToken) bool {
			return t.TokenEncoded != "" && t.TokenEncoded == encoded
		})
		if !ok {
			return ErrInvalidToken
		}
		if expired(tok, nowOf(p.Now)) {
			return ErrTokenExpired
		}
		var err error
		principal, err = activePrincipal(tx, tok.UserID, "legacy")
		return err
	})
	return principal, err
}

// IssuedTokenProvider accepts secrets minted by IssueAccessToken.
type IssuedTokenProvider struct {
	Store *store.Store
	Now   func() time.Time
}

func (p *IssuedTokenProvider) Authenticate(ctx context.Context, bearer string) (*Principal, error) {
	tokenID, ok := ParseIssuedSecret(bearer)
	if !ok {
		return nil, ErrInvalidToken
	}
	var principal *Principal
	err := p.Store.View(ctx, "authenticate_issued", func(tx *store.Tx) error {
		tok, ok := tx.AccessTokens().Get(tokenID)
		if !ok || tok.TokenHash == "" {
			return ErrInvalidToken
		}
		if err := CheckIssuedSecret(tok.TokenHash, bearer); err != nil {
			return ErrInvalidToken
		}
		if expired(tok, nowOf(p.Now)) {
			return ErrTokenExpired
		}
		var err error
		principal, err = activePrincipal(tx, tok.UserID, "issued")
		return err
	})
	return principal, err
}

// SessionProvider accepts session JWTs signed by Service.
type SessionProvider struct {
	Store    *store.Store
	Sessions *Service
}

func (p *SessionProvider) Authenticate(ctx context.Context, bearer string) (*Principal, error) {
	claims, err := p.Sessions.ValidateToken(bearer)
	if err != nil {
		return nil, err
	}
	var principal *Principal
	err = p.Store.View(ctx, "authenticate_session", func(tx *store.Tx) error {
		var err error
		principal, err = activePrincipal(tx, claims.UserID, "session")
		return err
	})
	return principal, err
}

// Chain tries each provider in order. The first success wins; an expired or
// inactive verdict stops the search, since the bearer was recognized.
type Chain []Provider

func (c Chain) Authenticate(ctx context.Context, bearer string) (*Principal, error) {
	for _, p := range c {
		principal, err := p.Authenticate(ctx, bearer)
		switch {
		case err == nil:
			return principal, nil
		case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrInactivePrincipal):
			return nil, err
		}
	}
	return nil, ErrInvalidToken
}

func nowOf(now func() time.Time) time.Time {
	if now == nil {
		return time.Now().UTC()
	}
	return now()
}
