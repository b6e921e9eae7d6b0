// Package allocator implements the reserve/release algorithm binding a
// participant to one free cluster and one free demo user. All mutual
// exclusion is delegated to the store's conditional updates; the service
// itself holds no locks around allocation.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"log/slog"

	"github.com/rhpds/workshop-allocator/internal/domain"
	"github.com/rhpds/workshop-allocator/internal/repository"
)

var (
	// ErrExhausted means no free cluster/demo-user pair survived a full
	// candidate traversal. Callers may retry later.
	ErrExhausted = errors.New("allocator: no resources available")
	// ErrNoBinding means the participant holds no cluster/demo-user pair.
	ErrNoBinding = errors.New("allocator: participant has no binding")
)

// Notifier is told whenever pool occupancy changes.
type Notifier interface {
	PoolChanged()
}

// Assignment is a bound cluster/demo-user pair plus the freshly minted
// session token. Resumed is set when the pair was already held and no new
// reservation happened.
type Assignment struct {
	Cluster  domain.Cluster
	DemoUser domain.DemoUser
	Token    string
	Resumed  bool
}

// Service runs allocations against the store.
type Service struct {
	clusters     repository.ClusterRepository
	demoUsers    repository.DemoUserRepository
	participants repository.ParticipantRepository
	shared       repository.SharedClusterRepository
	newToken     func() (string, error)
	logger       *slog.Logger
	notifier     Notifier

	// rng feeds candidate shuffling; guarded because *rand.Rand is not
	// safe for concurrent use.
	rngMu sync.Mutex
	rng   *rand.Rand
}

// New constructs a Service. A nil rng gets a randomly seeded source; tests
// pass a fixed seed to pin the traversal order. notifier may be nil.
func New(
	clusters repository.ClusterRepository,
	demoUsers repository.DemoUserRepository,
	participants repository.ParticipantRepository,
	shared repository.SharedClusterRepository,
	newToken func() (string, error),
	rng *rand.Rand,
	logger *slog.Logger,
	notifier Notifier,
) *Service {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		clusters:     clusters,
		demoUsers:    demoUsers,
		participants: participants,
		shared:       shared,
		newToken:     newToken,
		rng:          rng,
		logger:       logger,
		notifier:     notifier,
	}
}

// Assign binds the participant to a free cluster/demo-user pair, or resumes
// an existing binding. A new session token is minted either way.
func (s *Service) Assign(ctx context.Context, participant *domain.Participant) (*Assignment, error) {
	if participant.Bound() {
		assignment, ok, err := s.resume(ctx, participant)
		if err != nil {
			return nil, err
		}
		if ok {
			return assignment, nil
		}
	}

	candidates, err := s.clusters.ListUnreservedClusters(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unreserved clusters: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrExhausted
	}
	s.shuffleClusters(candidates)

	now := time.Now().UTC()
	for i := range candidates {
		cluster := &candidates[i]
		won, err := s.clusters.ReserveCluster(ctx, cluster.ID, participant.ID, now)
		if err != nil {
			return nil, fmt.Errorf("reserve cluster %s: %w", cluster.Name, err)
		}
		if !won {
			// Lost the race for this cluster; try the next candidate.
			continue
		}
		assignment, err := s.completePair(ctx, participant, cluster, now)
		if err != nil {
			return nil, err
		}
		if assignment == nil {
			continue
		}
		s.logger.Info("participant assigned",
			"participant_id", participant.ID,
			"cluster", assignment.Cluster.Name,
			"demo_user", assignment.DemoUser.Username)
		s.poolChanged()
		return assignment, nil
	}
	return nil, ErrExhausted
}

// completePair reserves a demo user for an already-reserved cluster and
// commits the binding. It returns (nil, nil) when the caller should move on
// to the next cluster candidate; the cluster reservation is rolled back
// before every such return and before every error return, so the store never
// keeps a cluster reserved without a demo user bound.
func (s *Service) completePair(ctx context.Context, participant *domain.Participant, cluster *domain.Cluster, now time.Time) (*Assignment, error) {
	demoUser, err := s.pickDemoUser(ctx)
	if err != nil {
		s.rollbackCluster(ctx, cluster.ID, participant.ID)
		return nil, err
	}
	if demoUser == nil {
		s.rollbackCluster(ctx, cluster.ID, participant.ID)
		return nil, nil
	}

	won, err := s.demoUsers.ReserveDemoUser(ctx, demoUser.ID, participant.ID, now)
	if err != nil {
		s.rollbackCluster(ctx, cluster.ID, participant.ID)
		return nil, fmt.Errorf("reserve demo user %s: %w", demoUser.Username, err)
	}
	if !won {
		s.rollbackCluster(ctx, cluster.ID, participant.ID)
		return nil, nil
	}

	token, err := s.newToken()
	if err != nil {
		s.rollbackDemoUser(ctx, demoUser.ID, participant.ID)
		s.rollbackCluster(ctx, cluster.ID, participant.ID)
		return nil, fmt.Errorf("mint session token: %w", err)
	}
	if err := s.participants.BindParticipant(ctx, participant.ID, cluster.ID, demoUser.ID, token, now); err != nil {
		s.rollbackDemoUser(ctx, demoUser.ID, participant.ID)
		s.rollbackCluster(ctx, cluster.ID, participant.ID)
		return nil, fmt.Errorf("bind participant: %w", err)
	}

	bound := *cluster
	bound.IsReserved = true
	bound.ReservedBy = &participant.ID
	reservedAt := now
	bound.ReservedAt = &reservedAt
	held := *demoUser
	held.IsReserved = true
	held.ReservedBy = &participant.ID
	held.ReservedAt = &reservedAt
	return &Assignment{Cluster: bound, DemoUser: held, Token: token}, nil
}

// pickDemoUser selects one currently-free demo user uniformly at random.
// Returns nil when the pool is empty.
func (s *Service) pickDemoUser(ctx context.Context) (*domain.DemoUser, error) {
	free, err := s.demoUsers.ListUnreservedDemoUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unreserved demo users: %w", err)
	}
	if len(free) == 0 {
		return nil, nil
	}
	s.rngMu.Lock()
	idx := s.rng.IntN(len(free))
	s.rngMu.Unlock()
	return &free[idx], nil
}

// resume re-validates an existing binding. When both halves are still
// reserved by this participant, a fresh token is minted and the pair
// returned, avoiding a needless reallocation on repeat logins. Stale
// references are cleared so a fresh allocation can run.
func (s *Service) resume(ctx context.Context, participant *domain.Participant) (*Assignment, bool, error) {
	cluster, err := s.clusters.GetClusterByID(ctx, *participant.ClusterID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, false, fmt.Errorf("load bound cluster: %w", err)
	}
	demoUser, duErr := s.demoUsers.GetDemoUserByID(ctx, *participant.DemoUserID)
	if duErr != nil && !errors.Is(duErr, repository.ErrNotFound) {
		return nil, false, fmt.Errorf("load bound demo user: %w", duErr)
	}

	if cluster == nil || demoUser == nil || !heldBy(cluster.IsReserved, cluster.ReservedBy, participant.ID) ||
		!heldBy(demoUser.IsReserved, demoUser.ReservedBy, participant.ID) {
		s.logger.Warn("stale binding cleared", "participant_id", participant.ID)
		if err := s.participants.ClearBinding(ctx, participant.ID); err != nil {
			return nil, false, fmt.Errorf("clear stale binding: %w", err)
		}
		return nil, false, nil
	}

	token, err := s.newToken()
	if err != nil {
		return nil, false, fmt.Errorf("mint session token: %w", err)
	}
	if err := s.participants.UpdateSessionToken(ctx, participant.ID, token, time.Now().UTC()); err != nil {
		return nil, false, fmt.Errorf("refresh session token: %w", err)
	}
	s.logger.Info("binding resumed", "participant_id", participant.ID, "cluster", cluster.Name)
	return &Assignment{Cluster: *cluster, DemoUser: *demoUser, Token: token, Resumed: true}, true, nil
}

// Release frees the participant's cluster and demo user and clears the
// binding references. The session token, if any, is left untouched.
func (s *Service) Release(ctx context.Context, participant *domain.Participant) error {
	if !participant.Bound() {
		return ErrNoBinding
	}
	clusterFreed, err := s.clusters.ReleaseCluster(ctx, *participant.ClusterID, participant.ID)
	if err != nil {
		return fmt.Errorf("release cluster: %w", err)
	}
	demoUserFreed, err := s.demoUsers.ReleaseDemoUser(ctx, *participant.DemoUserID, participant.ID)
	if err != nil {
		return fmt.Errorf("release demo user: %w", err)
	}
	if !clusterFreed || !demoUserFreed {
		s.logger.Warn("release found records not held by participant",
			"participant_id", participant.ID, "cluster_freed", clusterFreed, "demo_user_freed", demoUserFreed)
	}
	if err := s.participants.ClearBinding(ctx, participant.ID); err != nil {
		return fmt.Errorf("clear binding: %w", err)
	}
	s.logger.Info("binding released", "participant_id", participant.ID)
	s.poolChanged()
	return nil
}

// Current returns the participant's bound cluster and demo user.
func (s *Service) Current(ctx context.Context, participant *domain.Participant) (*domain.Cluster, *domain.DemoUser, error) {
	if !participant.Bound() {
		return nil, nil, ErrNoBinding
	}
	cluster, err := s.clusters.GetClusterByID(ctx, *participant.ClusterID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrNoBinding
		}
		return nil, nil, err
	}
	demoUser, err := s.demoUsers.GetDemoUserByID(ctx, *participant.DemoUserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrNoBinding
		}
		return nil, nil, err
	}
	return cluster, demoUser, nil
}

// SharedAccess returns the shared cluster endpoint together with the
// caller's own demo-user credentials.
func (s *Service) SharedAccess(ctx context.Context, participant *domain.Participant) (*domain.SharedCluster, *domain.DemoUser, error) {
	shared, err := s.shared.GetSharedCluster(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !participant.Bound() {
		return nil, nil, ErrNoBinding
	}
	demoUser, err := s.demoUsers.GetDemoUserByID(ctx, *participant.DemoUserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrNoBinding
		}
		return nil, nil, err
	}
	return shared, demoUser, nil
}

func (s *Service) shuffleClusters(clusters []domain.Cluster) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	s.rng.Shuffle(len(clusters), func(i, j int) {
		clusters[i], clusters[j] = clusters[j], clusters[i]
	})
}

func (s *Service) rollbackCluster(ctx context.Context, clusterID, participantID string) {
	if _, err := s.clusters.ReleaseCluster(ctx, clusterID, participantID); err != nil {
		s.logger.Error("cluster rollback failed", "cluster_id", clusterID, "error", err)
	}
}

func (s *Service) rollbackDemoUser(ctx context.Context, demoUserID, participantID string) {
	if _, err := s.demoUsers.ReleaseDemoUser(ctx, demoUserID, participantID); err != nil {
		s.logger.Error("demo user rollback failed", "demo_user_id", demoUserID, "error", err)
	}
}

func (s *Service) poolChanged() {
	if s.notifier != nil {
		s.notifier.PoolChanged()
	}
}

func heldBy(reserved bool, reservedBy *string, participantID string) bool {
	return reserved && reservedBy != nil && *reservedBy == participantID
}
