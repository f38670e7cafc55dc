// Package auth signs and verifies the HS256 JWTs handed to pilots.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/diracgrid/pilotauth/internal/common"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Properties granted to every pilot token.
const (
	PropertyLimitedDelegation = "LimitedDelegation"
	PropertyGenericPilot      = "GenericPilot"
)

// PilotProperties returns the properties a pilot token carries.
func PilotProperties() []string {
	return []string{PropertyLimitedDelegation, PropertyGenericPilot}
}

// PilotScope builds the scope string for a pilot of vo, e.g.
// "vo:lhcb property:LimitedDelegation property:GenericPilot".
func PilotScope(vo string) string {
	parts := []string{"vo:" + vo}
	for _, p := range PilotProperties() {
		parts = append(parts, "property:"+p)
	}
	return strings.Join(parts, " ")
}

// Claims is the payload of both access and refresh tokens. Subject is the
// pilot job reference; ID is the token's jti.
type Claims struct {
	jwt.RegisteredClaims
	PreferredUsername string   `json:"preferred_username,omitempty"`
	VO                string   `json:"vo"`
	Scope             string   `json:"scope"`
	DiracProperties   []string `json:"dirac_properties,omitempty"`
	TokenType         string   `json:"token_type"`
}

// CreateToken signs claims with HS256.
func CreateToken(claims *Claims, secretKey []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// ParseToken verifies signature, issuer and expiry (against now) and returns
// the claims. Expired tokens yield common.ErrTokenExpired; anything else
// wrong yields common.ErrInvalidToken.
func ParseToken(tokenString string, secretKey []byte, issuer string, now time.Time) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return secretKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		return nil, common.ErrInvalidToken
	}

	if !token.Valid || claims.Subject == "" {
		return nil, common.ErrInvalidToken
	}

	return claims, nil
}
