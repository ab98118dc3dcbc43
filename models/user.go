package models

import "time"

// User represents a user in the system
type User struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email,omitempty"`
	Phone     string     `json:"phone,omitempty"`
	Password  string     `json:"-"` // Never send password in JSON
	Avatar    string     `json:"avatar"`
	Status    string     `json:"status"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// UserResponse is the safe version of User for API responses
type UserResponse struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email,omitempty"`
	Phone     string     `json:"phone,omitempty"`
	Avatar    string     `json:"avatar"`
	Status    string     `json:"status"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	Online    bool       `json:"online"`
}

// ToResponse converts User to UserResponse. Online is filled in by the
// caller from the presence registry.
func (u *User) ToResponse() UserResponse {
	return UserResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Phone:     u.Phone,
		Avatar:    u.Avatar,
		Status:    u.Status,
		LastSeen:  u.LastSeen,
		CreatedAt: u.CreatedAt,
	}
}

// ProfileUpdate holds the optional fields of a profile edit. Empty fields
// are left untouched.
type ProfileUpdate struct {
	Username string `json:"username"`
	Phone    string `json:"phone"`
	Status   string `json:"status"`
	Avatar   string `json:"avatar"`
}
