package domain

import "time"

// Participant is a workshop account. ClusterID and DemoUserID are either
// both set or both nil; a half-bound participant is never persisted.
type Participant struct {
	ID           string
	Email        string
	PasswordHash []byte
	ClusterID    *string
	DemoUserID   *string
	SessionToken *string
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// Bound reports whether the participant holds a cluster/demo-user pair.
func (p *Participant) Bound() bool {
	return p.ClusterID != nil && p.DemoUserID != nil
}
