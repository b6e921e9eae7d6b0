package domain

// ResourceCounts aggregates reservation state over one resource pool.
type ResourceCounts struct {
	Total     int `json:"total"`
	Reserved  int `json:"reserved"`
	Available int `json:"available"`
}

// PoolStats is the operator view over the whole store.
type PoolStats struct {
	Clusters          ResourceCounts `json:"clusters"`
	DemoUsers         ResourceCounts `json:"demo_users"`
	Participants      int            `json:"participants"`
	BoundParticipants int            `json:"bound_participants"`
}
