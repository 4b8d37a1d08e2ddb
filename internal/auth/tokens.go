package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/frahmantamala/fieldguard/internal/core/ids"
)

// TokenGenerator creates and validates signed tokens.
type TokenGenerator interface {
	GenerateAccessToken(userID, role string) (token string, expiresAt time.Time, err error)
	GenerateRefreshToken(userID, role, familyID string) (token string, expiresAt time.Time, err error)
	ValidateAccessToken(tokenString string) (*Claims, error)
	ValidateRefreshToken(tokenString string) (*Claims, error)
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

type JWTTokenGenerator struct {
	AccessTokenSecret  []byte
	RefreshTokenSecret []byte
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	Issuer             string
	now                func() time.Time
}

func NewJWTTokenGenerator(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration, issuer string) *JWTTokenGenerator {
	return &JWTTokenGenerator{
		AccessTokenSecret:  []byte(accessSecret),
		RefreshTokenSecret: []byte(refreshSecret),
		AccessTokenTTL:     accessTTL,
		RefreshTokenTTL:    refreshTTL,
		Issuer:             issuer,
		now:                time.Now,
	}
}

func (j *JWTTokenGenerator) GenerateAccessToken(userID, role string) (string, time.Time, error) {
	return j.sign(j.AccessTokenSecret, j.AccessTokenTTL, userID, role, "")
}

// GenerateRefreshToken signs a refresh token. Every token carries a unique jti so
// two tokens minted in the same second never collide.
func (j *JWTTokenGenerator) GenerateRefreshToken(userID, role, familyID string) (string, time.Time, error) {
	return j.sign(j.RefreshTokenSecret, j.RefreshTokenTTL, userID, role, familyID)
}

func (j *JWTTokenGenerator) sign(secret []byte, ttl time.Duration, userID, role, familyID string) (string, time.Time, error) {
	now := j.now()
	expiresAt := now.Add(ttl)

	claims := &Claims{
		Role:     role,
		FamilyID: familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ids.New(),
			Issuer:    j.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenString, expiresAt, nil
}

// ValidateAccessToken rejects refresh tokens even when both secrets are the same.
func (j *JWTTokenGenerator) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := j.validate(tokenString, j.AccessTokenSecret)
	if err != nil {
		return nil, err
	}
	if claims.FamilyID != "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (j *JWTTokenGenerator) ValidateRefreshToken(tokenString string) (*Claims, error) {
	claims, err := j.validate(tokenString, j.RefreshTokenSecret)
	if err != nil {
		return nil, err
	}
	if claims.FamilyID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (j *JWTTokenGenerator) validate(tokenString string, secret []byte) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
	}
	if j.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
