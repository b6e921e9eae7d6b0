package repository

import (
	"context"
	"time"

	"github.com/rhpds/workshop-allocator/internal/domain"
)

// ClusterRepository persists reservable clusters. The Reserve/Release pair
// are conditional updates: each applies atomically iff the record is in the
// expected state and reports whether the write took effect.
type ClusterRepository interface {
	CreateCluster(ctx context.Context, cluster *domain.Cluster) error
	GetClusterByID(ctx context.Context, id string) (*domain.Cluster, error)
	GetClusterByName(ctx context.Context, name string) (*domain.Cluster, error)
	ListUnreservedClusters(ctx context.Context) ([]domain.Cluster, error)
	ReserveCluster(ctx context.Context, id, participantID string, at time.Time) (bool, error)
	ReleaseCluster(ctx context.Context, id, participantID string) (bool, error)
}

// DemoUserRepository persists the demo-user credential pool.
type DemoUserRepository interface {
	CreateDemoUser(ctx context.Context, user *domain.DemoUser) error
	GetDemoUserByID(ctx context.Context, id string) (*domain.DemoUser, error)
	GetDemoUserByUsername(ctx context.Context, username string) (*domain.DemoUser, error)
	ListUnreservedDemoUsers(ctx context.Context) ([]domain.DemoUser, error)
	ReserveDemoUser(ctx context.Context, id, participantID string, at time.Time) (bool, error)
	ReleaseDemoUser(ctx context.Context, id, participantID string) (bool, error)
}

// SharedClusterRepository stores the shared cluster endpoint.
type SharedClusterRepository interface {
	CreateSharedCluster(ctx context.Context, cluster *domain.SharedCluster) error
	GetSharedCluster(ctx context.Context) (*domain.SharedCluster, error)
	GetSharedClusterByName(ctx context.Context, name string) (*domain.SharedCluster, error)
}

// ParticipantRepository persists workshop accounts and their bindings.
// BindParticipant writes cluster, demo user, session token and last login in
// a single statement so a half-bound row is never observable.
type ParticipantRepository interface {
	CreateParticipant(ctx context.Context, participant *domain.Participant) error
	GetParticipantByID(ctx context.Context, id string) (*domain.Participant, error)
	GetParticipantByEmail(ctx context.Context, email string) (*domain.Participant, error)
	GetParticipantBySessionToken(ctx context.Context, token string) (*domain.Participant, error)
	BindParticipant(ctx context.Context, id, clusterID, demoUserID, token string, at time.Time) error
	UpdateSessionToken(ctx context.Context, id, token string, at time.Time) error
	ClearSessionToken(ctx context.Context, token string) (bool, error)
	ClearBinding(ctx context.Context, id string) error
}

// StatsRepository exposes live aggregate counts for the admin read-model.
type StatsRepository interface {
	CountClusters(ctx context.Context) (domain.ResourceCounts, error)
	CountDemoUsers(ctx context.Context) (domain.ResourceCounts, error)
	CountParticipants(ctx context.Context) (total int, bound int, err error)
}
