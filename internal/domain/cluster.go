package domain

import "time"

// Cluster is a reservable workshop target environment.
type Cluster struct {
	ID         string
	Name       string
	URL        string
	Username   string
	Password   string
	IsReserved bool
	ReservedBy *string
	ReservedAt *time.Time
	CreatedAt  time.Time
}
