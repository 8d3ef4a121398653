package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/taskgate/pkg/models"
)

var (
	ErrAuthDisabled       = errors.New("auth disabled")
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidKey         = errors.New("invalid api key")
	ErrInvalidTokenFormat = errors.New("invalid token format")
	ErrInvalidTokenIssuer = errors.New("invalid token issuer")
	ErrTokenExpired       = errors.New("token expired")
	ErrInvalidTokenClaims = errors.New("invalid token claims")
)

// Source tags which authority vouched for an identity.
type Source string

const (
	// SourceLocal identities were verified against the local signing key.
	SourceLocal Source = "local"
	// SourceFederated identities were accepted on claims from the allow-listed
	// federated authority without signature verification.
	SourceFederated Source = "federated"
)

// Result is the outcome of authenticating one credential. It is built per
// request and never persisted.
type Result struct {
	User   *models.User `json:"user"`
	Err    error        `json:"-"`
	Source Source       `json:"source,omitempty"`
}

// OK reports whether the credential was accepted.
func (r Result) OK() bool {
	return r.Err == nil && r.User != nil
}

// Error returns the failure message, or "" on success.
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func failed(err error) Result {
	return Result{Err: err}
}

// Config configures authentication helpers.
type Config struct {
	JWTSecret   string          `yaml:"jwt_secret"`
	JWTIssuer   string          `yaml:"jwt_issuer"`
	TokenExpiry time.Duration   `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig  `yaml:"api_keys"`
	Federated   FederatedConfig `yaml:"federated"`
}

// APIKeyConfig declares a static API key and associated identity.
type APIKeyConfig struct {
	Key      string `yaml:"key"`
	UserID   string `yaml:"user_id"`
	TenantID string `yaml:"tenant_id"`
	Email    string `yaml:"email"`
	Name     string `yaml:"name"`
}

// Service validates local JWTs, federated tokens and API keys.
type Service struct {
	jwt       *JWTService
	federated *FederatedVerifier
	apiKeys   map[string]*models.User
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
		service.jwt.issuer = strings.TrimSpace(cfg.JWTIssuer)
	}
	if cfg.Federated.Enabled() {
		service.federated = NewFederatedVerifier(cfg.Federated)
	}
	service.apiKeys = buildAPIKeyMap(cfg.APIKeys)
	return service
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || s.federated != nil || len(s.apiKeys) > 0)
}

// Authenticate validates a bearer token, trying the local authority first
// and falling back to the federated claims policy.
func (s *Service) Authenticate(ctx context.Context, token string) Result {
	if s == nil {
		return failed(ErrAuthDisabled)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return failed(ErrMissingCredentials)
	}
	if s.jwt != nil {
		if user, err := s.jwt.Validate(token); err == nil {
			return Result{User: user, Source: SourceLocal}
		}
	}
	if s.federated == nil {
		return failed(ErrInvalidToken)
	}
	user, err := s.federated.Verify(token)
	if err != nil {
		return failed(err)
	}
	return Result{User: user, Source: SourceFederated}
}

// GenerateJWT issues a signed local token for the given user.
func (s *Service) GenerateJWT(user *models.User) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(user)
}

// ValidateAPIKey validates an API key and returns a local-source result.
// Uses constant-time comparison to prevent timing attacks.
func (s *Service) ValidateAPIKey(key string) Result {
	if s == nil || len(s.apiKeys) == 0 {
		return failed(ErrAuthDisabled)
	}
	inputKey := strings.TrimSpace(key)
	var matchedUser *models.User
	for storedKey, user := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(inputKey), []byte(storedKey)) == 1 {
			matchedUser = user
		}
	}
	if matchedUser == nil {
		return failed(ErrInvalidKey)
	}
	clone := *matchedUser
	return Result{User: &clone, Source: SourceLocal}
}

func buildAPIKeyMap(keys []APIKeyConfig) map[string]*models.User {
	out := map[string]*models.User{}
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		userID := strings.TrimSpace(entry.UserID)
		if userID == "" {
			sum := sha256.Sum256([]byte(key))
			userID = "api_" + hex.EncodeToString(sum[:8])
		}
		out[key] = &models.User{
			ID:       userID,
			TenantID: strings.TrimSpace(entry.TenantID),
			Email:    strings.TrimSpace(entry.Email),
			Name:     strings.TrimSpace(entry.Name),
			Role:     "service",
		}
	}
	return out
}
