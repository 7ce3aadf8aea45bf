package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Default token lifetime when the caller does not specify one.
const defaultTokenTTL = 1 * time.Hour

// tokenClaims is the JWT payload for derived access tokens. The wire
// format is a convenience; the database record is authoritative for
// revocation and expiry, checked on every call.
type tokenClaims struct {
	UserID int64  `json:"uid"`
	Scope  string `json:"scope"`
	jwt.RegisteredClaims
}

// CreateAccessToken derives a short-lived capability token from the
// user's active grant. The signed token string is returned once; only
// the record (never the signature material) is persisted.
func (m *manager) CreateAccessToken(ctx context.Context, userID int64, opts TokenOptions) (*AccessToken, string, error) {
	grant, err := m.store.GetActiveGrantByUser(ctx, userID)
	if err != nil {
		return nil, "", err
	}

	scope := opts.Scope
	if scope == "" {
		scope = ScopeRead
	}
	switch scope {
	case ScopeRead, ScopeWrite, ScopeAdmin:
	default:
		return nil, "", fmt.Errorf("%w: unknown token scope %q", ErrInvalidGrant, scope)
	}

	ttl := defaultTokenTTL
	if opts.ExpiresInSeconds > 0 {
		ttl = time.Duration(opts.ExpiresInSeconds) * time.Second
	}

	now := m.now()
	token := &AccessToken{
		ID:          "tok-" + uuid.New().String(),
		UserID:      userID,
		GrantID:     grant.ID,
		Scope:       scope,
		IPAllowlist: opts.IPAllowlist,
		ExpiresAt:   now.Add(ttl).Unix(),
		CreatedAt:   now.Unix(),
	}

	if err := m.store.CreateToken(ctx, token); err != nil {
		return nil, "", err
	}

	claims := tokenClaims{
		UserID: userID,
		Scope:  scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        token.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "fileharbor",
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.defaults.TokenSecret))
	if err != nil {
		return nil, "", fmt.Errorf("failed to sign access token: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"token_id": token.ID,
		"scope":    scope,
	}).Info("Created access token")

	return token, signed, nil
}

// ListAccessTokens returns the user's tokens, revoked ones included.
func (m *manager) ListAccessTokens(ctx context.Context, userID int64) ([]*AccessToken, error) {
	return m.store.ListTokensByUser(ctx, userID)
}

// RevokeAccessToken marks a token revoked. The revocation is effective
// for the immediately following validation.
func (m *manager) RevokeAccessToken(ctx context.Context, userID int64, tokenID string) error {
	token, err := m.store.GetToken(ctx, tokenID)
	if err != nil {
		return err
	}
	if token.UserID != userID {
		return ErrTokenNotFound
	}

	if err := m.store.RevokeToken(ctx, tokenID); err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"token_id": tokenID,
	}).Info("Revoked access token")
	return nil
}

// ValidateToken verifies a token string and returns the token record and
// its parent grant. Signature verification comes first, then the
// database record decides revocation, expiry and the IP allowlist, so a
// revoked token fails without any propagation delay.
func (m *manager) ValidateToken(ctx context.Context, tokenString, clientIP string) (*AccessToken, *AccessGrant, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(m.defaults.TokenSecret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, nil, ErrInvalidCredentials
	}

	token, err := m.store.GetToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}

	if token.IsRevoked {
		return nil, nil, ErrTokenRevoked
	}
	if m.now().Unix() > token.ExpiresAt {
		return nil, nil, ErrTokenExpired
	}
	if len(token.IPAllowlist) > 0 && !ipAllowed(token.IPAllowlist, clientIP) {
		return nil, nil, ErrInvalidCredentials
	}

	grant, err := m.store.GetActiveGrantByUser(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}
	if grant.Expired(m.now().Unix()) {
		return nil, nil, ErrGrantExpired
	}

	if err := m.store.IncrementTokenUsage(ctx, token.ID); err != nil {
		m.logger.WithError(err).Warn("Failed to increment token usage counter")
	}

	return token, grant, nil
}

// ScopeAllows reports whether a token scope covers an action.
func ScopeAllows(scope string, action Action) bool {
	switch scope {
	case ScopeAdmin:
		return true
	case ScopeWrite:
		return action == ActionWrite || action == ActionDelete ||
			action == ActionRead || action == ActionList || action == ActionHead
	case ScopeRead:
		return action == ActionRead || action == ActionList || action == ActionHead
	}
	return false
}

func ipAllowed(allowlist []string, ip string) bool {
	for _, allowed := range allowlist {
		if allowed == ip {
			return true
		}
	}
	return false
}
