package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is the profile view the coordinator needs: display identity for
// match notifications plus the online mirror maintained on connect and
// disconnect. Account management lives in a separate service.
type User struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	IsOnline    bool      `json:"is_online"`
	LastSeen    time.Time `json:"last_seen"`
	CreatedAt   time.Time `json:"created_at"`
}

// BestName returns the most presentable name available, falling back the
// way the original client did: display name, then username, then email.
func (u *User) BestName() string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.Username != "":
		return u.Username
	case u.Email != "":
		return u.Email
	default:
		return "Unknown"
	}
}
