// Package seed loads the declarative pool file into the store. Loading is
// idempotent: records whose unique key already exists are skipped, never
// overwritten, so re-running against a partially loaded store is safe.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"sigs.k8s.io/yaml"

	"github.com/rhpds/workshop-allocator/internal/domain"
	"github.com/rhpds/workshop-allocator/internal/repository"
)

// PoolFile is the on-disk pool description. All sections are optional.
type PoolFile struct {
	SharedCluster *SharedClusterSpec `json:"shared_cluster,omitempty"`
	Clusters      []ClusterSpec      `json:"clusters,omitempty"`
	DemoUsers     []DemoUserSpec     `json:"demo_users,omitempty"`
}

// SharedClusterSpec describes the shared cluster endpoint.
type SharedClusterSpec struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// ClusterSpec describes one reservable cluster. The unique name is derived
// from the static username when present, otherwise from the list position.
type ClusterSpec struct {
	ClusterURL string `json:"cluster_url"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
}

// DemoUserSpec is one credential pair for the demo-user pool.
type DemoUserSpec struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Report counts what a load run added and what it skipped.
type Report struct {
	ClustersAdded    int `json:"clusters_added"`
	ClustersSkipped  int `json:"clusters_skipped"`
	DemoUsersAdded   int `json:"demo_users_added"`
	DemoUsersSkipped int `json:"demo_users_skipped"`
	SharedAdded      int `json:"shared_clusters_added"`
	SharedSkipped    int `json:"shared_clusters_skipped"`
}

const defaultSharedName = "shared"

// Service ingests pool files.
type Service struct {
	clusters  repository.ClusterRepository
	demoUsers repository.DemoUserRepository
	shared    repository.SharedClusterRepository
	logger    *slog.Logger
}

// New constructs a Service.
func New(clusters repository.ClusterRepository, demoUsers repository.DemoUserRepository, shared repository.SharedClusterRepository, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{clusters: clusters, demoUsers: demoUsers, shared: shared, logger: logger}
}

// LoadFile reads and applies a pool file from disk.
func (s Service) LoadFile(ctx context.Context, path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("read pool file: %w", err)
	}
	return s.Load(ctx, data)
}

// Load parses and applies a pool description.
func (s Service) Load(ctx context.Context, data []byte) (Report, error) {
	var pool PoolFile
	if err := yaml.UnmarshalStrict(data, &pool); err != nil {
		return Report{}, fmt.Errorf("parse pool file: %w", err)
	}
	return s.Apply(ctx, &pool)
}

// Apply creates every record from the pool description that does not exist
// yet, keyed by unique name/username.
func (s Service) Apply(ctx context.Context, pool *PoolFile) (Report, error) {
	var report Report
	now := time.Now().UTC()

	if pool.SharedCluster != nil {
		added, err := s.applyShared(ctx, pool.SharedCluster, now)
		if err != nil {
			return report, err
		}
		if added {
			report.SharedAdded++
		} else {
			report.SharedSkipped++
		}
	}

	for i, spec := range pool.Clusters {
		if strings.TrimSpace(spec.ClusterURL) == "" {
			return report, fmt.Errorf("cluster entry %d: cluster_url is required", i+1)
		}
		added, err := s.applyCluster(ctx, spec, deriveClusterName(spec, i), now)
		if err != nil {
			return report, err
		}
		if added {
			report.ClustersAdded++
		} else {
			report.ClustersSkipped++
		}
	}

	for i, spec := range pool.DemoUsers {
		if strings.TrimSpace(spec.Username) == "" {
			return report, fmt.Errorf("demo user entry %d: username is required", i+1)
		}
		added, err := s.applyDemoUser(ctx, spec, now)
		if err != nil {
			return report, err
		}
		if added {
			report.DemoUsersAdded++
		} else {
			report.DemoUsersSkipped++
		}
	}

	s.logger.Info("pool load complete",
		"clusters_added", report.ClustersAdded, "clusters_skipped", report.ClustersSkipped,
		"demo_users_added", report.DemoUsersAdded, "demo_users_skipped", report.DemoUsersSkipped,
		"shared_added", report.SharedAdded, "shared_skipped", report.SharedSkipped)
	return report, nil
}

func (s Service) applyShared(ctx context.Context, spec *SharedClusterSpec, now time.Time) (bool, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = defaultSharedName
	}
	_, err := s.shared.GetSharedClusterByName(ctx, name)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return false, fmt.Errorf("look up shared cluster %q: %w", name, err)
	}
	cluster := &domain.SharedCluster{
		ID:        uuid.NewString(),
		Name:      name,
		URL:       spec.URL,
		CreatedAt: now,
	}
	if err := s.shared.CreateSharedCluster(ctx, cluster); err != nil {
		return false, fmt.Errorf("create shared cluster %q: %w", name, err)
	}
	return true, nil
}

func (s Service) applyCluster(ctx context.Context, spec ClusterSpec, name string, now time.Time) (bool, error) {
	_, err := s.clusters.GetClusterByName(ctx, name)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return false, fmt.Errorf("look up cluster %q: %w", name, err)
	}
	cluster := &domain.Cluster{
		ID:        uuid.NewString(),
		Name:      name,
		URL:       spec.ClusterURL,
		Username:  spec.Username,
		Password:  spec.Password,
		CreatedAt: now,
	}
	if err := s.clusters.CreateCluster(ctx, cluster); err != nil {
		return false, fmt.Errorf("create cluster %q: %w", name, err)
	}
	return true, nil
}

func (s Service) applyDemoUser(ctx context.Context, spec DemoUserSpec, now time.Time) (bool, error) {
	_, err := s.demoUsers.GetDemoUserByUsername(ctx, spec.Username)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return false, fmt.Errorf("look up demo user %q: %w", spec.Username, err)
	}
	user := &domain.DemoUser{
		ID:        uuid.NewString(),
		Username:  spec.Username,
		Password:  spec.Password,
		CreatedAt: now,
	}
	if err := s.demoUsers.CreateDemoUser(ctx, user); err != nil {
		return false, fmt.Errorf("create demo user %q: %w", spec.Username, err)
	}
	return true, nil
}

func deriveClusterName(spec ClusterSpec, index int) string {
	if username := strings.TrimSpace(spec.Username); username != "" {
		return "cluster-" + username
	}
	return fmt.Sprintf("cluster-%02d", index+1)
}
