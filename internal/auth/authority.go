// Package auth issues and verifies session bearer tokens using HS256 JWTs.
// The gateway core only consumes the Verify side; Issue* backs the REST
// endpoints that hand tokens to clients before they open a socket.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"classmon/pkg/types"
)

// Claims is the token payload shared by teacher and student tokens.
// Student tokens additionally embed the display profile so the handshake
// never has to look the student up.
type Claims struct {
	jwt.RegisteredClaims
	UserID      string     `json:"userId"`
	Role        types.Role `json:"role"`
	SessionCode string     `json:"sessionCode"`
	StudentName string     `json:"studentName,omitempty"`
	RollNo      string     `json:"rollNo,omitempty"`
	Class       string     `json:"class,omitempty"`
}

// Authority signs and verifies session tokens with a shared secret.
type Authority struct {
	secret []byte
	now    func() time.Time
}

// NewAuthority builds an Authority. An empty secret is a configuration fault
// and must keep the process from starting.
func NewAuthority(secret string) (*Authority, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Authority{secret: []byte(secret), now: time.Now}, nil
}

// IssueTeacher mints the token returned to the teacher that created a session.
func (a *Authority) IssueTeacher(sessionCode, adminPC string, ttl time.Duration) (string, error) {
	return a.sign(Claims{
		RegisteredClaims: a.registered(ttl),
		UserID:           adminPC,
		Role:             types.RoleTeacher,
		SessionCode:      sessionCode,
	})
}

// IssueStudent mints the token returned to a joining student, embedding the
// profile fields the handshake will surface to the teacher.
func (a *Authority) IssueStudent(sessionCode string, profile types.StudentProfile, ttl time.Duration) (string, error) {
	return a.sign(Claims{
		RegisteredClaims: a.registered(ttl),
		UserID:           profile.StudentID,
		Role:             types.RoleStudent,
		SessionCode:      sessionCode,
		StudentName:      profile.StudentName,
		RollNo:           profile.RollNo,
		Class:            profile.Class,
	})
}

// Verify parses and validates a bearer token (signature, expiry, method) and
// resolves the identity it carries. Implements interfaces.TokenVerifier.
func (a *Authority) Verify(token string) (*types.Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" || claims.SessionCode == "" {
		return nil, ErrInvalidToken
	}
	if claims.Role != types.RoleTeacher && claims.Role != types.RoleStudent {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidToken, claims.Role)
	}

	id := &types.Identity{
		UserID:      claims.UserID,
		Role:        claims.Role,
		SessionCode: claims.SessionCode,
	}
	if claims.Role == types.RoleStudent {
		id.Profile = types.StudentProfile{
			StudentID:   claims.UserID,
			StudentName: claims.StudentName,
			RollNo:      claims.RollNo,
			Class:       claims.Class,
		}
		if id.Profile.StudentName == "" {
			id.Profile.StudentName = claims.UserID
		}
	}
	return id, nil
}

func (a *Authority) registered(ttl time.Duration) jwt.RegisteredClaims {
	now := a.now().UTC()
	return jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (a *Authority) sign(claims Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return token, nil
}
