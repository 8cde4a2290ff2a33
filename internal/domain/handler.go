package domain

import "time"

// Handler is a user registered to answer tickets from the staff side.
// The authorized operator set is the static admin allow-list united with the
// active handler registry.
type Handler struct {
	UserID       int64
	Username     string
	Active       bool
	RegisteredAt time.Time
}
