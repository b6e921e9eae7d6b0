package domain

import "time"

// DemoUser is a reservable credential pair handed out alongside a Cluster.
// The pool is global: every demo user account exists on every cluster.
type DemoUser struct {
	ID         string
	Username   string
	Password   string
	IsReserved bool
	ReservedBy *string
	ReservedAt *time.Time
	CreatedAt  time.Time
}
