// Package auth verifies the bearer tokens presented on REST requests and on
// the WebSocket handshake. Issuing tokens for real users is someone else's
// job; Sign exists for tooling and tests.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rongwang/shipprep-server/internal/common"
	"github.com/rongwang/shipprep-server/internal/models"
)

// Verifier checks HMAC-signed JWTs against a shared secret
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses tokenString and returns the identity it carries. Every
// failure wraps common.ErrUnauthorized.
func (v *Verifier) Verify(tokenString string) (models.Identity, error) {
	if tokenString == "" {
		return models.Identity{}, fmt.Errorf("%w: authentication required", common.ErrUnauthorized)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return models.Identity{}, fmt.Errorf("%w: invalid token", common.ErrUnauthorized)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return models.Identity{}, fmt.Errorf("%w: invalid token claims", common.ErrUnauthorized)
	}

	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return models.Identity{}, fmt.Errorf("%w: invalid user ID in token", common.ErrUnauthorized)
	}
	role, _ := claims["role"].(string)

	return models.Identity{UserID: userID, Role: role}, nil
}

// Sign mints a token for id that expires after ttl
func Sign(secret string, id models.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  id.UserID,
		"role": id.Role,
		"exp":  now.Add(ttl).Unix(),
		"iat":  now.Unix(),
	})
	return token.SignedString([]byte(secret))
}

// TokenFromRequest extracts the bearer credential from the Authorization
// header or, when allowQuery is set, from the token query parameter. Browsers
// cannot set headers on a WebSocket handshake, hence the query fallback.
func TokenFromRequest(r *http.Request, allowQuery bool) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", fmt.Errorf("%w: invalid token format", common.ErrUnauthorized)
		}
		return parts[1], nil
	}
	if allowQuery {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, nil
		}
	}
	return "", fmt.Errorf("%w: authentication required", common.ErrUnauthorized)
}
