package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/adwski/signal-relay/backend/model"
	"github.com/golang-jwt/jwt/v5"
)

const (
	roleClaim  = "role"
	tokenParam = "token"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Authenticator resolves identity of a connecting client.
type Authenticator interface {
	Authenticate(r *http.Request) (model.Identity, error)
}

// Insecure trusts user_id and role query parameters. Development only.
type Insecure struct{}

func (Insecure) Authenticate(r *http.Request) (model.Identity, error) {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		return model.Identity{}, ErrMissingCredentials
	}
	return model.Identity{
		UserID: model.UserID(userID),
		Role:   model.ParseRole(q.Get("role")),
	}, nil
}

// JWT verifies HS256 tokens. The sub claim is the user id, the optional
// role claim is the role.
type JWT struct {
	secret []byte
}

func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret)}
}

func (j *JWT) Authenticate(r *http.Request) (model.Identity, error) {
	tok := bearer(r)
	if tok == "" {
		return model.Identity{}, ErrMissingCredentials
	}
	return j.Verify(tok)
}

func (j *JWT) Verify(tok string) (model.Identity, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return model.Identity{}, errors.Join(ErrInvalidToken, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return model.Identity{}, ErrInvalidToken
	}
	role, _ := claims[roleClaim].(string)
	return model.Identity{
		UserID: model.UserID(sub),
		Role:   model.ParseRole(role),
	}, nil
}

// Sign issues a token for identity. Used by tooling and tests.
func (j *JWT) Sign(ident model.Identity, claims jwt.MapClaims) (string, error) {
	if ident.UserID == "" {
		return "", ErrMissingCredentials
	}
	c := jwt.MapClaims{"sub": string(ident.UserID)}
	for k, v := range claims {
		c[k] = v
	}
	if ident.Role != model.RoleUnknown {
		c[roleClaim] = string(ident.Role)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(j.secret)
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get(tokenParam)
}
