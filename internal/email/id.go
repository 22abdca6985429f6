package email

import "github.com/google/uuid"

// NewID returns a new message id. Ids are UUIDv7 so they sort by creation
// time and never collide within a process.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
