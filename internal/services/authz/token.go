package authz

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "evidence-vault"

// Claims 是 bearer token 的载荷：sub 为主体 ID，role 为角色。
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken 签发 HS256 token。
func IssueToken(secret []byte, p Principal, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	if !p.Role.Valid() {
		return "", fmt.Errorf("unknown role %q", p.Role)
	}
	claims := Claims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken 校验签名、有效期与角色，返回主体。
func ParseToken(secret []byte, raw string) (Principal, error) {
	if len(secret) == 0 {
		return Principal{}, errors.New("jwt secret is empty")
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return Principal{}, errors.New("parse token: missing subject or unknown role")
	}
	return Principal{ID: claims.Subject, Role: claims.Role}, nil
}
