package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rhpds/workshop-allocator/internal/domain"
	"github.com/rhpds/workshop-allocator/internal/repository"
)

func TestReserveClusterIsCompareAndSet(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := store.CreateCluster(ctx, &domain.Cluster{ID: "c1", Name: "cluster-01", CreatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}

	won, err := store.ReserveCluster(ctx, "c1", "p1", now)
	if err != nil || !won {
		t.Fatalf("first reserve should win: won=%v err=%v", won, err)
	}
	won, err = store.ReserveCluster(ctx, "c1", "p2", now)
	if err != nil {
		t.Fatalf("second reserve errored: %v", err)
	}
	if won {
		t.Fatal("second reserve must lose, record already reserved")
	}

	cluster, _ := store.GetClusterByID(ctx, "c1")
	if cluster.ReservedBy == nil || *cluster.ReservedBy != "p1" {
		t.Fatalf("loser overwrote the reservation: %+v", cluster)
	}
}

func TestReleaseClusterChecksHolder(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()
	_ = store.CreateCluster(ctx, &domain.Cluster{ID: "c1", Name: "cluster-01", CreatedAt: now})
	_, _ = store.ReserveCluster(ctx, "c1", "p1", now)

	released, err := store.ReleaseCluster(ctx, "c1", "p2")
	if err != nil {
		t.Fatalf("release errored: %v", err)
	}
	if released {
		t.Fatal("release by non-holder must not apply")
	}
	released, _ = store.ReleaseCluster(ctx, "c1", "p1")
	if !released {
		t.Fatal("release by holder must apply")
	}
	cluster, _ := store.GetClusterByID(ctx, "c1")
	if cluster.IsReserved || cluster.ReservedBy != nil || cluster.ReservedAt != nil {
		t.Fatalf("release left reservation fields set: %+v", cluster)
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()
	_ = store.CreateCluster(ctx, &domain.Cluster{ID: "c1", Name: "cluster-01", CreatedAt: now})

	const contenders = 32
	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			won, err := store.ReserveCluster(ctx, "c1", fmt.Sprintf("p%d", n), now)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestCreateRejectsDuplicateUniqueKeys(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.CreateParticipant(ctx, &domain.Participant{ID: "id-1", Email: "dup@example.com", CreatedAt: now}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := store.CreateParticipant(ctx, &domain.Participant{ID: "id-2", Email: "dup@example.com", CreatedAt: now})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("duplicate email must conflict, got %v", err)
	}
	total, _, err := store.CountParticipants(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 1 {
		t.Fatalf("participants stored with identical email: %d", total)
	}

	_ = store.CreateCluster(ctx, &domain.Cluster{ID: "c1", Name: "cluster-01", CreatedAt: now})
	if err := store.CreateCluster(ctx, &domain.Cluster{ID: "c2", Name: "cluster-01", CreatedAt: now}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("duplicate cluster name must conflict, got %v", err)
	}
	if err := store.CreateCluster(ctx, &domain.Cluster{ID: "c1", Name: "cluster-02", CreatedAt: now}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("duplicate cluster id must conflict, got %v", err)
	}

	_ = store.CreateDemoUser(ctx, &domain.DemoUser{ID: "d1", Username: "demo01", CreatedAt: now})
	if err := store.CreateDemoUser(ctx, &domain.DemoUser{ID: "d2", Username: "demo01", CreatedAt: now}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("duplicate demo username must conflict, got %v", err)
	}

	_ = store.CreateSharedCluster(ctx, &domain.SharedCluster{ID: "s1", Name: "shared", CreatedAt: now})
	if err := store.CreateSharedCluster(ctx, &domain.SharedCluster{ID: "s2", Name: "shared", CreatedAt: now}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("duplicate shared name must conflict, got %v", err)
	}
}

func TestClearSessionTokenReportsMiss(t *testing.T) {
	store := New()
	ctx := context.Background()
	_ = store.CreateParticipant(ctx, &domain.Participant{ID: "p1", Email: "a@example.com", CreatedAt: time.Now().UTC()})
	_ = store.BindParticipant(ctx, "p1", "c1", "d1", "tok", time.Now().UTC())

	cleared, err := store.ClearSessionToken(ctx, "tok")
	if err != nil || !cleared {
		t.Fatalf("expected token cleared: cleared=%v err=%v", cleared, err)
	}
	cleared, err = store.ClearSessionToken(ctx, "tok")
	if err != nil {
		t.Fatalf("second clear errored: %v", err)
	}
	if cleared {
		t.Fatal("clearing an absent token must report false")
	}
}

func TestLookupsReturnErrNotFound(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.GetClusterByName(ctx, "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("cluster by name: %v", err)
	}
	if _, err := store.GetParticipantByEmail(ctx, "nope@example.com"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("participant by email: %v", err)
	}
	if _, err := store.GetSharedCluster(ctx); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("shared cluster: %v", err)
	}
}

func TestReturnsCopies(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()
	_ = store.CreateCluster(ctx, &domain.Cluster{ID: "c1", Name: "cluster-01", CreatedAt: now})

	cluster, _ := store.GetClusterByID(ctx, "c1")
	cluster.Name = "mutated"
	cluster.IsReserved = true

	again, _ := store.GetClusterByID(ctx, "c1")
	if again.Name != "cluster-01" || again.IsReserved {
		t.Fatalf("store state leaked through returned pointer: %+v", again)
	}
}
