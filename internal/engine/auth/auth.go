package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrDeclined is returned when the signer refuses to issue a token.
var ErrDeclined = errors.New("authorization declined")

// Authorizer issues the proof a party attaches to fund, accept and release
// actions. Anything non-empty it returns counts as authorization.
type Authorizer interface {
	Authorize(ctx context.Context, actorID, contractID string) (string, error)
}

// Decline refuses every request.
type Decline struct{}

func (Decline) Authorize(_ context.Context, actorID, contractID string) (string, error) {
	return "", fmt.Errorf("%s on %s: %w", actorID, contractID, ErrDeclined)
}

// Claims binds a token to one actor and one contract.
type Claims struct {
	jwt.RegisteredClaims
	ContractID string `json:"cid"`
}

// WalletSigner mints short-lived HS256 tokens in place of a wallet signature.
type WalletSigner struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	Now    func() time.Time
}

func (s WalletSigner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s WalletSigner) Authorize(_ context.Context, actorID, contractID string) (string, error) {
	if len(s.Secret) == 0 {
		return "", errors.New("signing secret not configured")
	}
	if strings.TrimSpace(actorID) == "" || strings.TrimSpace(contractID) == "" {
		return "", fmt.Errorf("actor and contract are required: %w", ErrDeclined)
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   actorID,
			Issuer:    s.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ContractID: contractID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
	if err != nil {
		return "", fmt.Errorf("sign authorization: %w", err)
	}
	return token, nil
}

// Verify parses a token minted by Authorize and checks it was issued for
// actorID on contractID.
func (s WalletSigner) Verify(token, actorID, contractID string) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	claims := Claims{}
	parsed, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.Secret, nil
	})
	if err != nil {
		return Claims{}, err
	}
	if !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if claims.Subject != actorID || claims.ContractID != contractID {
		return Claims{}, fmt.Errorf("token issued for %s on %s", claims.Subject, claims.ContractID)
	}
	return claims, nil
}
