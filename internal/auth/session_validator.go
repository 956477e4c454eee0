package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	bearerPrefix          = "Bearer "
	accessTokenQueryParam = "access_token"
	defaultClockSkew      = 30 * time.Second
)

var (
	ErrMissingSessionSigningKey = errors.New("auth: signing secret required")
	ErrMissingSessionIssuer     = errors.New("auth: issuer required")
	ErrMissingSessionToken      = errors.New("auth: bearer token required")
	ErrInvalidSessionToken      = errors.New("auth: invalid bearer token")
	ErrExpiredSessionToken      = errors.New("auth: bearer token expired")
	ErrMissingSessionSubject    = errors.New("auth: token carries no user")
)

// SessionClaims is the bearer token payload. Tokens are minted by the external
// auth service; InstaPlus only verifies them.
type SessionClaims struct {
	UserID          string `json:"user_id"`
	Username        string `json:"username"`
	UserEmail       string `json:"user_email"`
	UserDisplayName string `json:"user_display_name"`
	UserAvatarURL   string `json:"user_avatar_url"`
	jwt.RegisteredClaims
}

type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
	// ClockSkew tolerated on exp, nbf and iat. Zero selects 30s.
	ClockSkew time.Duration
}

// SessionValidator verifies HS256 bearer tokens from the Authorization header
// or, for WebSocket upgrades, the access_token query parameter.
type SessionValidator struct {
	secret []byte
	parser *jwt.Parser
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	switch {
	case len(cfg.SigningSecret) == 0:
		return nil, ErrMissingSessionSigningKey
	case strings.TrimSpace(cfg.Issuer) == "":
		return nil, ErrMissingSessionIssuer
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(strings.TrimSpace(cfg.Issuer)),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(defaultClockSkew),
	}
	if cfg.ClockSkew > 0 {
		options = append(options, jwt.WithLeeway(cfg.ClockSkew))
	}
	if cfg.Clock != nil {
		options = append(options, jwt.WithTimeFunc(cfg.Clock))
	}
	return &SessionValidator{
		secret: append([]byte(nil), cfg.SigningSecret...),
		parser: jwt.NewParser(options...),
	}, nil
}

// ValidateToken verifies token and returns its claims. Expired tokens yield
// ErrExpiredSessionToken so callers can log them at a lower level.
func (v *SessionValidator) ValidateToken(token string) (SessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}
	var claims SessionClaims
	if _, err := v.parser.ParseWithClaims(token, &claims, v.key); err != nil {
		return SessionClaims{}, classifyParseError(err)
	}
	if strings.TrimSpace(claims.Subject) == "" && strings.TrimSpace(claims.UserID) == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	return v.ValidateToken(ExtractToken(r))
}

// ExtractToken returns the raw token carried by the request, if any.
func ExtractToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	if r.URL == nil {
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get(accessTokenQueryParam))
}

func (v *SessionValidator) key(*jwt.Token) (interface{}, error) {
	return v.secret, nil
}

func classifyParseError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpiredSessionToken
	}
	return fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
}
