package models

import (
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rohanthewiz/serr"
)

const (
	// TokenExpirationHours keeps field devices logged in for a week so an
	// offline stretch doesn't force re-authentication mid-round.
	TokenExpirationHours = 24 * 7

	TokenIssuer = "navigator"

	// JWTSecretEnvVar is the environment variable containing the signing key.
	JWTSecretEnvVar = "NAVIGATOR_JWT_SECRET"

	MinSecretLength = 32
)

var jwtSecret []byte

// TokenClaims extends the standard claims with the user's GUID, which is
// the key the sync endpoints partition operations by.
type TokenClaims struct {
	jwt.RegisteredClaims
	UserGUID string `json:"user_guid"`
	Username string `json:"username"`
}

// InitJWT loads the signing key from the environment. Must be called before
// any token operation. Falls back to a development-only key when unset.
func InitJWT() error {
	secret := os.Getenv(JWTSecretEnvVar)
	if secret == "" {
		secret = "development-only-secret-do-not-use-in-production"
	}
	if len(secret) < MinSecretLength {
		return serr.New("JWT secret must be at least 32 characters")
	}
	jwtSecret = []byte(secret)
	return nil
}

// GenerateToken creates a signed JWT for the authenticated user.
func GenerateToken(user *User) (string, error) {
	if len(jwtSecret) == 0 {
		return "", serr.New("JWT not initialized - call InitJWT first")
	}

	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   user.GUID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour * TokenExpirationHours)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
		UserGUID: user.GUID,
		Username: user.Username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(jwtSecret)
	if err != nil {
		return "", serr.Wrap(err, "failed to sign token")
	}
	return signed, nil
}

// ValidateToken parses and validates a token string, returning its claims.
func ValidateToken(tokenString string) (*TokenClaims, error) {
	if len(jwtSecret) == 0 {
		return nil, serr.New("JWT not initialized - call InitJWT first")
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, serr.New("unexpected signing method")
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, serr.Wrap(err, "failed to parse token")
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, serr.New("invalid token claims")
	}
	return claims, nil
}
