package allocator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/rhpds/workshop-allocator/internal/domain"
	"github.com/rhpds/workshop-allocator/internal/repository/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type tokenCounter struct {
	mu sync.Mutex
	n  int
}

func (tc *tokenCounter) next() (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.n++
	return fmt.Sprintf("token-%04d", tc.n), nil
}

func newTestService(store *memory.Store, seed uint64) *Service {
	tc := &tokenCounter{}
	rng := rand.New(rand.NewPCG(seed, seed))
	return New(store, store, store, store, tc.next, rng, testLogger(), nil)
}

func seedPool(t *testing.T, store *memory.Store, clusters, demoUsers int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < clusters; i++ {
		err := store.CreateCluster(ctx, &domain.Cluster{
			ID:        fmt.Sprintf("cluster-id-%02d", i+1),
			Name:      fmt.Sprintf("cluster-%02d", i+1),
			URL:       fmt.Sprintf("https://api.cluster-%02d.example.com:6443", i+1),
			CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("seed cluster: %v", err)
		}
	}
	for i := 0; i < demoUsers; i++ {
		err := store.CreateDemoUser(ctx, &domain.DemoUser{
			ID:        fmt.Sprintf("demo-id-%02d", i+1),
			Username:  fmt.Sprintf("demo%02d", i+1),
			Password:  "openshift",
			CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("seed demo user: %v", err)
		}
	}
}

func addParticipant(t *testing.T, store *memory.Store, id string) *domain.Participant {
	t.Helper()
	participant := &domain.Participant{
		ID:        id,
		Email:     id + "@example.com",
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateParticipant(context.Background(), participant); err != nil {
		t.Fatalf("seed participant: %v", err)
	}
	return participant
}

func TestAssignBindsFreePair(t *testing.T) {
	store := memory.New()
	seedPool(t, store, 1, 1)
	svc := newTestService(store, 1)
	participant := addParticipant(t, store, "p1")

	assignment, err := svc.Assign(context.Background(), participant)
	if err != nil {
		t.Fatalf("Assign returned error: %v", err)
	}
	if assignment.Token == "" {
		t.Fatal("expected a session token")
	}
	if !assignment.Cluster.IsReserved || assignment.Cluster.ReservedBy == nil || *assignment.Cluster.ReservedBy != "p1" {
		t.Fatalf("assignment cluster not marked reserved by participant: %+v", assignment.Cluster)
	}

	cluster, err := store.GetClusterByID(context.Background(), assignment.Cluster.ID)
	if err != nil {
		t.Fatalf("load cluster: %v", err)
	}
	if !cluster.IsReserved || cluster.ReservedBy == nil || *cluster.ReservedBy != "p1" || cluster.ReservedAt == nil {
		t.Fatalf("stored cluster not reserved consistently: %+v", cluster)
	}
	demoUser, err := store.GetDemoUserByID(context.Background(), assignment.DemoUser.ID)
	if err != nil {
		t.Fatalf("load demo user: %v", err)
	}
	if !demoUser.IsReserved || demoUser.ReservedBy == nil || *demoUser.ReservedBy != "p1" {
		t.Fatalf("stored demo user not reserved consistently: %+v", demoUser)
	}

	stored, err := store.GetParticipantByID(context.Background(), "p1")
	if err != nil {
		t.Fatalf("load participant: %v", err)
	}
	if !stored.Bound() {
		t.Fatal("participant should be bound after assignment")
	}
	if stored.SessionToken == nil || *stored.SessionToken != assignment.Token {
		t.Fatalf("stored session token mismatch: %v", stored.SessionToken)
	}
	if stored.LastLogin == nil {
		t.Fatal("last login not recorded")
	}
}

func TestAssignFailsWhenNoClusters(t *testing.T) {
	store := memory.New()
	seedPool(t, store, 0, 5)
	svc := newTestService(store, 1)
	participant := addParticipant(t, store, "p1")

	_, err := svc.Assign(context.Background(), participant)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	stored, _ := store.GetParticipantByID(context.Background(), "p1")
	if stored.Bound() {
		t.Fatal("participant must not be bound after exhaustion")
	}
}

func TestAssignRollsBackClusterWhenNoDemoUsers(t *testing.T) {
	store := memory.New()
	seedPool(t, store, 2, 0)
	svc := newTestService(store, 1)
	participant := addParticipant(t, store, "p1")

	_, err := svc.Assign(context.Background(), participant)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	free, err := store.ListUnreservedClusters(context.Background())
	if err != nil {
		t.Fatalf("list clusters: %v", err)
	}
	if len(free) != 2 {
		t.Fatalf("expected both clusters freed after rollback, %d free", len(free))
	}
}

func TestAssignResumesExistingBinding(t *testing.T) {
	store := memory.New()
	seedPool(t, store, 3, 3)
	svc := newTestService(store, 7)
	participant := addParticipant(t, store, "p1")

	first, err := svc.Assign(context.Background(), participant)
	if err != nil {
		t.Fatalf("first Assign: %v", err)
	}

	// Simulate a repeat login: reload the participant as the gate would.
	reloaded, err := store.GetParticipantByID(context.Background(), "p1")
	if err != nil {
		t.Fatalf("reload participant: %v", err)
	}
	second, err := svc.Assign(context.Background(), reloaded)
	if err != nil {
		t.Fatalf("second Assign: %v", err)
	}

	if first.Cluster.ID != second.Cluster.ID || first.DemoUser.ID != second.DemoUser.ID {
		t.Fatalf("repeat login changed the binding: %s/%s vs %s/%s",
			first.Cluster.ID, first.DemoUser.ID, second.Cluster.ID, second.DemoUser.ID)
	}
	if first.Token == second.Token {
		t.Fatal("repeat login must mint a fresh token")
	}
	if first.Resumed {
		t.Fatal("fresh allocation must not report Resumed")
	}
	if !second.Resumed {
		t.Fatal("repeat login must report Resumed")
	}

	counts, err := store.CountClusters(context.Background())
	if err != nil {
		t.Fatalf("count clusters: %v", err)
	}
	if counts.Reserved != 1 {
		t.Fatalf("repeat login consumed extra clusters: %d reserved", counts.Reserved)
	}
}

func TestAssignReplacesStaleBinding(t *testing.T) {
	store := memory.New()
	seedPool(t, store, 2, 2)
	svc := newTestService(store, 3)
	participant := addParticipant(t, store, "p1")

	first, err := svc.Assign(context.Background(), participant)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	// A wipe-and-reprovision can free resources out from under bindings.
	if _, err := store.ReleaseCluster(context.Background(), first.Cluster.ID, "p1"); err != nil {
		t.Fatalf("force release cluster: %v", err)
	}
	if _, err := store.ReleaseDemoUser(context.Background(), first.DemoUser.ID, "p1"); err != nil {
		t.Fatalf("force release demo user: %v", err)
	}

	reloaded, _ := store.GetParticipantByID(context.Background(), "p1")
	second, err := svc.Assign(context.Background(), reloaded)
	if err != nil {
		t.Fatalf("Assign after stale binding: %v", err)
	}

	stored, _ := store.GetParticipantByID(context.Background(), "p1")
	if !stored.Bound() {
		t.Fatal("participant should be rebound")
	}
	cluster, err := store.GetClusterByID(context.Background(), second.Cluster.ID)
	if err != nil {
		t.Fatalf("load cluster: %v", err)
	}
	if !cluster.IsReserved || *cluster.ReservedBy != "p1" {
		t.Fatalf("rebound cluster not reserved by participant: %+v", cluster)
	}
}

func TestReleaseFreesExactlyOnePair(t *testing.T) {
	store := memory.New()
	seedPool(t, store, 2, 2)
	svc := newTestService(store, 5)
	p1 := addParticipant(t, store, "p1")
	p2 := addParticipant(t, store, "p2")

	if _, err := svc.Assign(context.Background(), p1); err != nil {
		t.Fatalf("assign p1: %v", err)
	}
	a2, err := svc.Assign(context.Background(), p2)
	if err != nil {
		t.Fatalf("assign p2: %v", err)
	}

	bound1, _ := store.GetParticipantByID(context.Background(), "p1")
	if err := svc.Release(context.Background(), bound1); err != nil {
		t.Fatalf("Release: %v", err)
	}

	counts, _ := store.CountClusters(context.Background())
	if counts.Reserved != 1 {
		t.Fatalf("expected 1 cluster still reserved, got %d", counts.Reserved)
	}
	cluster2, _ := store.GetClusterByID(context.Background(), a2.Cluster.ID)
	if !cluster2.IsReserved {
		t.Fatal("release freed the wrong cluster")
	}

	after, _ := store.GetParticipantByID(context.Background(), "p1")
	if after.Bound() {
		t.Fatal("release must clear the participant's references")
	}

	if err := svc.Release(context.Background(), after); !errors.Is(err, ErrNoBinding) {
		t.Fatalf("second release should report ErrNoBinding, got %v", err)
	}
}

func TestReleasePreservesSessionToken(t *testing.T) {
	store := memory.New()
	seedPool(t, store, 1, 1)
	svc := newTestService(store, 2)
	participant := addParticipant(t, store, "p1")

	if _, err := svc.Assign(context.Background(), participant); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	bound, _ := store.GetParticipantByID(context.Background(), "p1")
	if err := svc.Release(context.Background(), bound); err != nil {
		t.Fatalf("Release: %v", err)
	}
	after, _ := store.GetParticipantByID(context.Background(), "p1")
	if after.SessionToken == nil {
		t.Fatal("release must not invalidate the session token")
	}
}

func TestCurrentReportsNoBinding(t *testing.T) {
	store := memory.New()
	svc := newTestService(store, 1)
	participant := addParticipant(t, store, "p1")

	if _, _, err := svc.Current(context.Background(), participant); !errors.Is(err, ErrNoBinding) {
		t.Fatalf("expected ErrNoBinding, got %v", err)
	}
}

func TestSharedAccessUsesCallerCredentials(t *testing.T) {
	store := memory.New()
	seedPool(t, store, 1, 1)
	if err := store.CreateSharedCluster(context.Background(), &domain.SharedCluster{
		ID:        "shared-id",
		Name:      "shared",
		URL:       "https://api.shared.example.com:6443",
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed shared cluster: %v", err)
	}
	svc := newTestService(store, 1)
	participant := addParticipant(t, store, "p1")

	assignment, err := svc.Assign(context.Background(), participant)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	bound, _ := store.GetParticipantByID(context.Background(), "p1")
	shared, demoUser, err := svc.SharedAccess(context.Background(), bound)
	if err != nil {
		t.Fatalf("SharedAccess: %v", err)
	}
	if shared.Name != "shared" {
		t.Fatalf("unexpected shared cluster: %+v", shared)
	}
	if demoUser.Username != assignment.DemoUser.Username {
		t.Fatalf("shared access must borrow the caller's demo user, got %s", demoUser.Username)
	}
}

// TestConcurrentLoginsNeverOversubscribe drives 25 participants against 5
// clusters at once; after retries settle, exactly 5 hold distinct pairs and
// the rest see exhaustion.
func TestConcurrentLoginsNeverOversubscribe(t *testing.T) {
	const (
		numClusters     = 5
		numDemoUsers    = 20
		numParticipants = 25
	)
	store := memory.New()
	seedPool(t, store, numClusters, numDemoUsers)
	svc := newTestService(store, 42)

	participants := make([]*domain.Participant, numParticipants)
	for i := range participants {
		participants[i] = addParticipant(t, store, fmt.Sprintf("p%02d", i+1))
	}

	type outcome struct {
		assignment *Assignment
		err        error
	}
	outcomes := make([]outcome, numParticipants)

	var wg sync.WaitGroup
	for i := range participants {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			assignment, err := svc.Assign(context.Background(), participants[idx])
			outcomes[idx] = outcome{assignment: assignment, err: err}
		}(i)
	}
	wg.Wait()

	// A loser that released a cluster mid-race can leave it free while
	// another participant already gave up; retries must converge on full
	// occupancy without ever exceeding it.
	for i := range outcomes {
		if outcomes[i].err != nil {
			if !errors.Is(outcomes[i].err, ErrExhausted) {
				t.Fatalf("unexpected error for participant %d: %v", i, outcomes[i].err)
			}
			assignment, err := svc.Assign(context.Background(), participants[i])
			outcomes[i] = outcome{assignment: assignment, err: err}
		}
	}

	seenClusters := make(map[string]string)
	seenDemoUsers := make(map[string]string)
	var successes, exhausted int
	for i, o := range outcomes {
		switch {
		case o.err == nil:
			successes++
			pid := participants[i].ID
			if prev, dup := seenClusters[o.assignment.Cluster.ID]; dup {
				t.Fatalf("cluster %s handed to both %s and %s", o.assignment.Cluster.ID, prev, pid)
			}
			seenClusters[o.assignment.Cluster.ID] = pid
			if prev, dup := seenDemoUsers[o.assignment.DemoUser.ID]; dup {
				t.Fatalf("demo user %s handed to both %s and %s", o.assignment.DemoUser.ID, prev, pid)
			}
			seenDemoUsers[o.assignment.DemoUser.ID] = pid
		case errors.Is(o.err, ErrExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", o.err)
		}
	}
	if successes != numClusters {
		t.Fatalf("expected %d successful bindings, got %d", numClusters, successes)
	}
	if exhausted != numParticipants-numClusters {
		t.Fatalf("expected %d exhausted logins, got %d", numParticipants-numClusters, exhausted)
	}

	clusterCounts, _ := store.CountClusters(context.Background())
	if clusterCounts.Reserved != numClusters {
		t.Fatalf("expected all %d clusters reserved, got %d", numClusters, clusterCounts.Reserved)
	}
	demoCounts, _ := store.CountDemoUsers(context.Background())
	if demoCounts.Reserved != numClusters {
		t.Fatalf("expected %d demo users reserved, got %d", numClusters, demoCounts.Reserved)
	}
}

// TestNoOrphanedReservations interleaves assigns and releases and checks the
// reserved sets always mirror the participants' bindings.
func TestNoOrphanedReservations(t *testing.T) {
	const rounds = 50
	store := memory.New()
	seedPool(t, store, 3, 6)
	svc := newTestService(store, 9)

	ids := []string{"p1", "p2", "p3", "p4"}
	for _, id := range ids {
		addParticipant(t, store, id)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(pid string) {
			defer wg.Done()
			ctx := context.Background()
			for i := 0; i < rounds; i++ {
				participant, err := store.GetParticipantByID(ctx, pid)
				if err != nil {
					t.Errorf("load %s: %v", pid, err)
					return
				}
				if _, err := svc.Assign(ctx, participant); err != nil && !errors.Is(err, ErrExhausted) {
					t.Errorf("assign %s: %v", pid, err)
					return
				}
				participant, err = store.GetParticipantByID(ctx, pid)
				if err != nil {
					t.Errorf("reload %s: %v", pid, err)
					return
				}
				if participant.Bound() {
					if err := svc.Release(ctx, participant); err != nil && !errors.Is(err, ErrNoBinding) {
						t.Errorf("release %s: %v", pid, err)
						return
					}
				}
			}
		}(id)
	}
	wg.Wait()

	ctx := context.Background()
	clusterCounts, _ := store.CountClusters(ctx)
	demoCounts, _ := store.CountDemoUsers(ctx)
	_, bound, err := store.CountParticipants(ctx)
	if err != nil {
		t.Fatalf("count participants: %v", err)
	}
	if clusterCounts.Reserved != bound {
		t.Fatalf("%d clusters reserved but %d participants bound", clusterCounts.Reserved, bound)
	}
	if demoCounts.Reserved != bound {
		t.Fatalf("%d demo users reserved but %d participants bound", demoCounts.Reserved, bound)
	}
}
