package models

// User is the identity bound to an authenticated request.
type User struct {
	ID       string   `json:"id"`
	Email    string   `json:"email,omitempty"`
	Name     string   `json:"name,omitempty"`
	Role     string   `json:"role,omitempty"`
	Audience []string `json:"aud,omitempty"`
	// TenantID scopes credit and runs. Defaults to ID when the credential carries no tenant.
	TenantID string `json:"tenantId,omitempty"`
}

// Tenant returns the tenant the user spends against.
func (u *User) Tenant() string {
	if u == nil {
		return ""
	}
	if u.TenantID != "" {
		return u.TenantID
	}
	return u.ID
}
