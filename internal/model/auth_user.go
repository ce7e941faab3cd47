package model

// AuthUser is the in-memory representation of an authenticated principal,
// populated at token validation time from the auth provider or the local
// users table.
type AuthUser struct {
	UserID      string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"`
	// Provider is "supabase" or "local".
	Provider string `json:"provider"`
}

func NewAuthUser(userID, email, displayName string) *AuthUser {
	return &AuthUser{
		UserID:      userID,
		Email:       email,
		DisplayName: displayName,
		Role:        "authenticated",
		Provider:    "local",
	}
}

// AnonymousUserID is the principal used by tool servers started without a user.
const AnonymousUserID = "anonymous"
