package auth

import (
	"errors"
	"fmt"

	"github.com/chatkit/relay/internal/types"
	"github.com/golang-jwt/jwt"
)

var (
	// ErrMissingSecret means the server was started without a signing
	// secret. Every verification fails until the process is fixed.
	ErrMissingSecret  = errors.New("signing secret not configured")
	ErrMissingToken   = errors.New("missing token")
	ErrInvalidToken   = errors.New("invalid token")
	ErrMalformedClaim = errors.New("token has no subject claim")
)

const (
	subjectClaim     = "sub"
	emailClaim       = "email"
	displayNameClaim = "name"
)

// Verifier validates bearer tokens against a shared signing secret and
// extracts the identity they carry.
type Verifier struct {
	signingKey []byte
}

func NewVerifier(signingKey []byte) *Verifier {
	return &Verifier{signingKey: signingKey}
}

func (v *Verifier) Verify(tokenString string) (types.Identity, error) {
	if len(v.signingKey) == 0 {
		return types.Identity{}, ErrMissingSecret
	}

	if tokenString == "" {
		return types.Identity{}, ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}

		return v.signingKey, nil
	})
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}

	if !token.Valid {
		return types.Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.Identity{}, ErrMalformedClaim
	}

	sub, ok := claims[subjectClaim].(string)
	if !ok || sub == "" {
		return types.Identity{}, ErrMalformedClaim
	}

	identity := types.Identity{Id: sub}
	if email, ok := claims[emailClaim].(string); ok {
		identity.Email = email
	}
	if name, ok := claims[displayNameClaim].(string); ok {
		identity.DisplayName = name
	}

	return identity, nil
}
