package auth

import (
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/taskgate/pkg/models"
)

// FederatedConfig allow-lists the second identity authority.
type FederatedConfig struct {
	// ProjectRef is the federated project identifier expected in the issuer.
	ProjectRef string `yaml:"project_ref"`
	// Issuer, when set, must equal the iss claim exactly.
	Issuer string `yaml:"issuer"`
	// Domain, when set, pins the issuer host to <ref>.<Domain>.
	Domain string `yaml:"domain"`
	// Role is the role claim required on federated tokens.
	Role string `yaml:"role"`
}

// Enabled reports whether a federated authority is configured.
func (c FederatedConfig) Enabled() bool {
	return strings.TrimSpace(c.ProjectRef) != "" || strings.TrimSpace(c.Issuer) != ""
}

// FederatedVerifier accepts tokens from the federated authority on their
// claims alone. There is no shared key with that authority, so signatures
// are NOT checked: identity binding relies on the issuer allow-list, the
// expiry and the authenticated role. Identities it returns are tagged
// SourceFederated so callers can apply stricter policy to them.
type FederatedVerifier struct {
	projectRef string
	issuer     string
	domain     string
	role       string
	parser     *jwt.Parser
	now        func() time.Time
}

// NewFederatedVerifier builds a verifier for the allow-listed authority.
func NewFederatedVerifier(cfg FederatedConfig) *FederatedVerifier {
	role := strings.TrimSpace(cfg.Role)
	if role == "" {
		role = "authenticated"
	}
	return &FederatedVerifier{
		projectRef: strings.TrimSpace(cfg.ProjectRef),
		issuer:     strings.TrimSpace(cfg.Issuer),
		domain:     strings.ToLower(strings.Trim(strings.TrimSpace(cfg.Domain), ".")),
		role:       role,
		parser:     jwt.NewParser(),
		now:        time.Now,
	}
}

// Verify applies the claims policy in order: format, issuer, expiry, claims.
func (v *FederatedVerifier) Verify(token string) (*models.User, error) {
	if strings.Count(token, ".") != 2 {
		return nil, ErrInvalidTokenFormat
	}
	claims := jwt.MapClaims{}
	if _, _, err := v.parser.ParseUnverified(token, claims); err != nil {
		return nil, ErrInvalidTokenFormat
	}

	iss, err := claims.GetIssuer()
	if err != nil || !v.trustedIssuer(iss) {
		return nil, ErrInvalidTokenIssuer
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, ErrInvalidTokenClaims
	}
	if exp != nil && !v.now().Before(exp.Time) {
		return nil, ErrTokenExpired
	}

	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" || exp == nil {
		return nil, ErrInvalidTokenClaims
	}
	role, _ := claims["role"].(string)
	if role != v.role {
		return nil, ErrInvalidTokenClaims
	}

	email, _ := claims["email"].(string)
	aud, _ := claims.GetAudience()
	return &models.User{
		ID:       sub,
		Email:    strings.TrimSpace(email),
		Role:     role,
		Audience: []string(aud),
	}, nil
}

func (v *FederatedVerifier) trustedIssuer(iss string) bool {
	iss = strings.TrimSpace(iss)
	if iss == "" {
		return false
	}
	if v.issuer != "" && iss == v.issuer {
		return true
	}
	if v.projectRef == "" {
		return false
	}
	if v.domain != "" {
		u, err := url.Parse(iss)
		if err != nil || strings.ToLower(u.Hostname()) != v.projectRef+"."+v.domain {
			return false
		}
	}
	return IssuerRef(iss) == v.projectRef
}

// IssuerRef extracts the project reference from an issuer claim. Issuers look
// like https://<ref>.<authority-domain>/auth/v1; a bare reference is returned
// unchanged.
func IssuerRef(iss string) string {
	iss = strings.TrimSpace(iss)
	if !strings.Contains(iss, "://") {
		return iss
	}
	u, err := url.Parse(iss)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if i := strings.IndexByte(host, '.'); i > 0 {
		return host[:i]
	}
	return host
}
