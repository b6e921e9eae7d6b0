// Package memory provides a mutex-guarded in-memory implementation of the
// store interfaces. It backs the service tests and lets the API run without
// PostgreSQL for single-process workshop demos. Every method returns copies
// so callers cannot mutate stored state behind the lock.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rhpds/workshop-allocator/internal/domain"
	"github.com/rhpds/workshop-allocator/internal/repository"
)

// Store holds all four entity sets behind a single mutex, which makes each
// conditional update trivially atomic.
type Store struct {
	mu             sync.Mutex
	clusters       map[string]*domain.Cluster
	demoUsers      map[string]*domain.DemoUser
	sharedClusters map[string]*domain.SharedCluster
	participants   map[string]*domain.Participant
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		clusters:       make(map[string]*domain.Cluster),
		demoUsers:      make(map[string]*domain.DemoUser),
		sharedClusters: make(map[string]*domain.SharedCluster),
		participants:   make(map[string]*domain.Participant),
	}
}

var (
	_ repository.ClusterRepository       = (*Store)(nil)
	_ repository.DemoUserRepository      = (*Store)(nil)
	_ repository.SharedClusterRepository = (*Store)(nil)
	_ repository.ParticipantRepository   = (*Store)(nil)
	_ repository.StatsRepository         = (*Store)(nil)
)

func copyCluster(c *domain.Cluster) *domain.Cluster {
	dup := *c
	dup.ReservedBy = copyString(c.ReservedBy)
	dup.ReservedAt = copyTime(c.ReservedAt)
	return &dup
}

func copyDemoUser(u *domain.DemoUser) *domain.DemoUser {
	dup := *u
	dup.ReservedBy = copyString(u.ReservedBy)
	dup.ReservedAt = copyTime(u.ReservedAt)
	return &dup
}

func copyParticipant(p *domain.Participant) *domain.Participant {
	dup := *p
	dup.PasswordHash = append([]byte(nil), p.PasswordHash...)
	dup.ClusterID = copyString(p.ClusterID)
	dup.DemoUserID = copyString(p.DemoUserID)
	dup.SessionToken = copyString(p.SessionToken)
	dup.LastLogin = copyTime(p.LastLogin)
	return &dup
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateCluster inserts a cluster. The name is unique, matching the schema
// constraint the SQL backend enforces.
func (s *Store) CreateCluster(_ context.Context, cluster *domain.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusters[cluster.ID]; ok {
		return repository.ErrConflict
	}
	for _, c := range s.clusters {
		if c.Name == cluster.Name {
			return repository.ErrConflict
		}
	}
	s.clusters[cluster.ID] = copyCluster(cluster)
	return nil
}

// GetClusterByID fetches a cluster by identifier.
func (s *Store) GetClusterByID(_ context.Context, id string) (*domain.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyCluster(c), nil
}

// GetClusterByName fetches a cluster by its unique name.
func (s *Store) GetClusterByName(_ context.Context, name string) (*domain.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clusters {
		if c.Name == name {
			return copyCluster(c), nil
		}
	}
	return nil, repository.ErrNotFound
}

// ListUnreservedClusters enumerates clusters currently free.
func (s *Store) ListUnreservedClusters(_ context.Context) ([]domain.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clusters := make([]domain.Cluster, 0)
	for _, c := range s.clusters {
		if !c.IsReserved {
			clusters = append(clusters, *copyCluster(c))
		}
	}
	return clusters, nil
}

// ReserveCluster marks a cluster reserved iff it is still free.
func (s *Store) ReserveCluster(_ context.Context, id, participantID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	if !ok || c.IsReserved {
		return false, nil
	}
	c.IsReserved = true
	c.ReservedBy = &participantID
	reservedAt := at
	c.ReservedAt = &reservedAt
	return true, nil
}

// ReleaseCluster frees a cluster iff held by the given participant.
func (s *Store) ReleaseCluster(_ context.Context, id, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	if !ok || !c.IsReserved || c.ReservedBy == nil || *c.ReservedBy != participantID {
		return false, nil
	}
	c.IsReserved = false
	c.ReservedBy = nil
	c.ReservedAt = nil
	return true, nil
}

// CreateDemoUser inserts a demo-user credential pair. The username is unique.
func (s *Store) CreateDemoUser(_ context.Context, user *domain.DemoUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.demoUsers[user.ID]; ok {
		return repository.ErrConflict
	}
	for _, u := range s.demoUsers {
		if u.Username == user.Username {
			return repository.ErrConflict
		}
	}
	s.demoUsers[user.ID] = copyDemoUser(user)
	return nil
}

// GetDemoUserByID fetches a demo user by identifier.
func (s *Store) GetDemoUserByID(_ context.Context, id string) (*domain.DemoUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.demoUsers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyDemoUser(u), nil
}

// GetDemoUserByUsername fetches a demo user by its unique username.
func (s *Store) GetDemoUserByUsername(_ context.Context, username string) (*domain.DemoUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.demoUsers {
		if u.Username == username {
			return copyDemoUser(u), nil
		}
	}
	return nil, repository.ErrNotFound
}

// ListUnreservedDemoUsers enumerates credential pairs currently free.
func (s *Store) ListUnreservedDemoUsers(_ context.Context) ([]domain.DemoUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]domain.DemoUser, 0)
	for _, u := range s.demoUsers {
		if !u.IsReserved {
			users = append(users, *copyDemoUser(u))
		}
	}
	return users, nil
}

// ReserveDemoUser marks a demo user reserved iff it is still free.
func (s *Store) ReserveDemoUser(_ context.Context, id, participantID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.demoUsers[id]
	if !ok || u.IsReserved {
		return false, nil
	}
	u.IsReserved = true
	u.ReservedBy = &participantID
	reservedAt := at
	u.ReservedAt = &reservedAt
	return true, nil
}

// ReleaseDemoUser frees a demo user iff held by the given participant.
func (s *Store) ReleaseDemoUser(_ context.Context, id, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.demoUsers[id]
	if !ok || !u.IsReserved || u.ReservedBy == nil || *u.ReservedBy != participantID {
		return false, nil
	}
	u.IsReserved = false
	u.ReservedBy = nil
	u.ReservedAt = nil
	return true, nil
}

// CreateSharedCluster inserts the shared cluster endpoint. The name is unique.
func (s *Store) CreateSharedCluster(_ context.Context, cluster *domain.SharedCluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sharedClusters[cluster.ID]; ok {
		return repository.ErrConflict
	}
	for _, sc := range s.sharedClusters {
		if sc.Name == cluster.Name {
			return repository.ErrConflict
		}
	}
	dup := *cluster
	s.sharedClusters[cluster.ID] = &dup
	return nil
}

// GetSharedCluster returns the oldest configured shared cluster.
func (s *Store) GetSharedCluster(_ context.Context) (*domain.SharedCluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *domain.SharedCluster
	for _, sc := range s.sharedClusters {
		if oldest == nil || sc.CreatedAt.Before(oldest.CreatedAt) {
			oldest = sc
		}
	}
	if oldest == nil {
		return nil, repository.ErrNotFound
	}
	dup := *oldest
	return &dup, nil
}

// GetSharedClusterByName returns a shared cluster by its unique name.
func (s *Store) GetSharedClusterByName(_ context.Context, name string) (*domain.SharedCluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.sharedClusters {
		if sc.Name == name {
			dup := *sc
			return &dup, nil
		}
	}
	return nil, repository.ErrNotFound
}

// CreateParticipant inserts a workshop account. The email is unique; a second
// insert for the same address fails so concurrent first-sight logins cannot
// register the participant twice.
func (s *Store) CreateParticipant(_ context.Context, participant *domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[participant.ID]; ok {
		return repository.ErrConflict
	}
	for _, p := range s.participants {
		if p.Email == participant.Email {
			return repository.ErrConflict
		}
	}
	s.participants[participant.ID] = copyParticipant(participant)
	return nil
}

// GetParticipantByID fetches a participant by identifier.
func (s *Store) GetParticipantByID(_ context.Context, id string) (*domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyParticipant(p), nil
}

// GetParticipantByEmail fetches a participant by unique email.
func (s *Store) GetParticipantByEmail(_ context.Context, email string) (*domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.Email == email {
			return copyParticipant(p), nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetParticipantBySessionToken resolves a session token to its participant.
func (s *Store) GetParticipantBySessionToken(_ context.Context, token string) (*domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.SessionToken != nil && *p.SessionToken == token {
			return copyParticipant(p), nil
		}
	}
	return nil, repository.ErrNotFound
}

// BindParticipant records a binding, token and login time in one step.
func (s *Store) BindParticipant(_ context.Context, id, clusterID, demoUserID, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.ClusterID = &clusterID
	p.DemoUserID = &demoUserID
	p.SessionToken = &token
	lastLogin := at
	p.LastLogin = &lastLogin
	return nil
}

// UpdateSessionToken overwrites the session token and login time.
func (s *Store) UpdateSessionToken(_ context.Context, id, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.SessionToken = &token
	lastLogin := at
	p.LastLogin = &lastLogin
	return nil
}

// ClearSessionToken removes a session token iff some participant holds it.
func (s *Store) ClearSessionToken(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants {
		if p.SessionToken != nil && *p.SessionToken == token {
			p.SessionToken = nil
			return true, nil
		}
	}
	return false, nil
}

// ClearBinding drops the participant's cluster/demo-user references.
func (s *Store) ClearBinding(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.ClusterID = nil
	p.DemoUserID = nil
	return nil
}

// CountClusters aggregates reservation counts over the cluster pool.
func (s *Store) CountClusters(_ context.Context) (domain.ResourceCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts domain.ResourceCounts
	for _, c := range s.clusters {
		counts.Total++
		if c.IsReserved {
			counts.Reserved++
		}
	}
	counts.Available = counts.Total - counts.Reserved
	return counts, nil
}

// CountDemoUsers aggregates reservation counts over the demo-user pool.
func (s *Store) CountDemoUsers(_ context.Context) (domain.ResourceCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts domain.ResourceCounts
	for _, u := range s.demoUsers {
		counts.Total++
		if u.IsReserved {
			counts.Reserved++
		}
	}
	counts.Available = counts.Total - counts.Reserved
	return counts, nil
}

// CountParticipants returns total accounts and how many hold a binding.
func (s *Store) CountParticipants(_ context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total, bound int
	for _, p := range s.participants {
		total++
		if p.Bound() {
			bound++
		}
	}
	return total, bound, nil
}
