package domain

import "time"

// SharedCluster is a globally visible, non-reservable cluster endpoint.
// Participants access it with their own demo-user credentials.
type SharedCluster struct {
	ID        string
	Name      string
	URL       string
	CreatedAt time.Time
}
