// Package auth issues and verifies moderator tokens and maps moderator roles
// to their permission sets. Participants never authenticate; only the
// administrative surface does.
package auth

import (
	"time"

	"github.com/ember-chat/ember-chat/types"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type Permission string

const (
	PermViewMessages   Permission = "view_messages"
	PermDeleteMessages Permission = "delete_messages"
	PermPinMessages    Permission = "pin_messages"
	PermKickUsers      Permission = "kick_users"
	PermViewStats      Permission = "view_stats"

	// admin-only
	PermBanUsers       Permission = "ban_users"
	PermBlockAddresses Permission = "block_addresses"
	PermAnnounce       Permission = "announce"
)

// moderatorPermissions is the fixed permission subset of the moderator role.
// Admins bypass the check entirely.
var moderatorPermissions = map[Permission]struct{}{
	PermViewMessages:   {},
	PermDeleteMessages: {},
	PermPinMessages:    {},
	PermKickUsers:      {},
	PermViewStats:      {},
}

// HasPermission reports whether the given role may perform perm.
func HasPermission(role string, perm Permission) bool {
	switch role {
	case types.RoleAdmin:
		return true
	case types.RoleModerator:
		_, ok := moderatorPermissions[perm]
		return ok
	default:
		return false
	}
}

type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs a token for the moderator, valid for ttl.
func IssueToken(secret []byte, m *types.Moderator, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		Username: m.Username,
		Role:     m.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyToken parses and validates a moderator token.
func VerifyToken(secret []byte, tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, types.WrapError(types.KindForbidden, "invalid token", err)
	}
	return claims, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
