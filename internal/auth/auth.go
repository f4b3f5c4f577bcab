package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInactivePrincipal  = errors.New("account is not active")
)

// IssuedTokenPrefix marks bearer secrets minted by the platform.
const IssuedTokenPrefix = "fst_"

type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service signs and validates session JWTs.
type Service struct {
	secret   []byte
	duration time.Duration
}

func NewService(secret string, duration time.Duration) *Service {
	return &Service{
		secret:   []byte(secret),
		duration: duration,
	}
}

func (s *Service) Duration() time.Duration { return s.duration }

func (s *Service) GenerateToken(userID, username string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.duration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// NewIssuedSecret mints the bearer secret for access token tokenID and its
// bcrypt hash. Only the hash is stored.
func NewIssuedSecret(tokenID string) (secret, hash string, err error) {
	secret = IssuedTokenPrefix + tokenID + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash token: %w", err)
	}
	return secret, string(h), nil
}

// CheckIssuedSecret compares a presented secret against a stored hash.
func CheckIssuedSecret(hash, secret string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// ParseIssuedSecret extracts the token id from a platform-issued secret.
func ParseIssuedSecret(secret string) (tokenID string, ok bool) {
	rest, ok := strings.CutPrefix(secret, IssuedTokenPrefix)
	if !ok {
		return "", false
	}
	tokenID, _, ok = strings.Cut(rest, "_")
	return tokenID, ok && tokenID != ""
}
