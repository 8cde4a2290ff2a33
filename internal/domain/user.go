package domain

import (
	"strings"
	"time"
)

// UserProfile is the snapshot of a platform user as last seen. It is upserted
// whenever a profile field drifts between inbound messages.
type UserProfile struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FullName joins the name parts the platform provides.
func (u UserProfile) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
