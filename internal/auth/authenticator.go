package auth

import (
	"errors"
	"net/http"
	"strings"

	"workspace-collab/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// ErrUnauthorized is returned for every verification failure. Callers must not
// tell clients why a token was rejected.
var ErrUnauthorized = errors.New("unauthorized")

// Claims is the access-token payload issued by the auth service
type Claims struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Credential holds every place a bearer token may arrive from.
// The first non-empty source wins: header, then auth payload, then query.
type Credential struct {
	AuthorizationHeader string
	AuthToken           string
	QueryToken          string
}

// CredentialFromRequest reads the header and ?token= query parameter of a
// WebSocket upgrade request.
func CredentialFromRequest(r *http.Request) Credential {
	return Credential{
		AuthorizationHeader: r.Header.Get("Authorization"),
		QueryToken:          r.URL.Query().Get("token"),
	}
}

// ExtractToken returns the first present token, or "" when none is present
func ExtractToken(c Credential) string {
	const prefix = "bearer "
	if h := strings.TrimSpace(c.AuthorizationHeader); len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		if tok := strings.TrimSpace(h[len(prefix):]); tok != "" {
			return tok
		}
	}
	if tok := strings.TrimSpace(c.AuthToken); tok != "" {
		return tok
	}
	return strings.TrimSpace(c.QueryToken)
}

// JWTAuthenticator verifies HMAC-signed access tokens against a shared secret
type JWTAuthenticator struct {
	secret []byte
	parser *jwt.Parser
	log    zerolog.Logger
}

func NewJWTAuthenticator(secret string, log zerolog.Logger) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
		),
		log: log.With().Str("component", "auth").Logger(),
	}
}

// Verify checks signature and expiry and returns the token claims
func (a *JWTAuthenticator) Verify(token string) (*Claims, error) {
	if token == "" || len(a.secret) == 0 {
		return nil, ErrUnauthorized
	}

	claims := &Claims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		a.log.Debug().Str("reason", rejectReason(err)).Msg("token rejected")
		return nil, ErrUnauthorized
	}
	if !parsed.Valid || claims.Subject == "" {
		a.log.Debug().Str("reason", "missing subject").Msg("token rejected")
		return nil, ErrUnauthorized
	}

	return claims, nil
}

// Authenticate extracts a token from c and verifies it
func (a *JWTAuthenticator) Authenticate(c Credential) (models.Identity, error) {
	claims, err := a.Verify(ExtractToken(c))
	if err != nil {
		return models.Identity{}, err
	}
	return models.Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Name:   claims.Name,
	}, nil
}

// rejectReason is only for server-side logs
func rejectReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad signature"
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return "expired or not yet valid"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing claim"
	default:
		return "invalid"
	}
}
