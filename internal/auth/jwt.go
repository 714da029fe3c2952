package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const AnonymousSubject = "anonymous"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carries the diver identity. The subject is the standard sub claim.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier resolves the subject of a request. With no secret configured it
// trusts the subject_id query parameter, which is only meant for local use.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(strings.TrimSpace(secret)), now: time.Now}
}

// Enabled reports whether tokens are checked.
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Issue signs an HS256 token for subjectID.
func (v *Verifier) Issue(subjectID string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", errors.New("auth: no signing secret configured")
	}
	now := v.now()
	claims := &Claims{
		Role: "diver",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Validate parses tokenString and returns its claims.
func (v *Verifier) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Subject extracts the subject from the Authorization header or the token
// query parameter (browsers cannot set headers on websocket upgrades).
func (v *Verifier) Subject(r *http.Request) (string, error) {
	if !v.Enabled() {
		if id := strings.TrimSpace(r.URL.Query().Get("subject_id")); id != "" {
			return id, nil
		}
		return AnonymousSubject, nil
	}

	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			token = strings.TrimSpace(rest)
		}
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return "", ErrMissingToken
	}
	claims, err := v.Validate(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
