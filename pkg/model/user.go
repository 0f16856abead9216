package model

// User is the directory-service view of an identity. The chat core never
// stores these; they are looked up on demand.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
	IsActive    bool   `json:"is_active"`
}
