// Package admin exposes live aggregate counts over the store and pushes
// snapshots to websocket subscribers when pool occupancy changes.
package admin

import (
	"context"
	"encoding/json"

	"log/slog"

	"github.com/rhpds/workshop-allocator/internal/domain"
	"github.com/rhpds/workshop-allocator/internal/repository"
	"github.com/rhpds/workshop-allocator/internal/ws"
)

// Service computes pool statistics. Counts are read from the store on every
// call; reservation state changes continuously, so nothing is cached.
type Service struct {
	stats   repository.StatsRepository
	hub     *ws.Hub
	logger  *slog.Logger
	changes chan struct{}
}

// New constructs a Service. hub may be nil when no streaming is wanted.
func New(stats repository.StatsRepository, hub *ws.Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		stats:   stats,
		hub:     hub,
		logger:  logger,
		changes: make(chan struct{}, 1),
	}
}

// Stats returns current totals for both pools and the participant counts.
func (s *Service) Stats(ctx context.Context) (domain.PoolStats, error) {
	clusters, err := s.stats.CountClusters(ctx)
	if err != nil {
		return domain.PoolStats{}, err
	}
	demoUsers, err := s.stats.CountDemoUsers(ctx)
	if err != nil {
		return domain.PoolStats{}, err
	}
	total, bound, err := s.stats.CountParticipants(ctx)
	if err != nil {
		return domain.PoolStats{}, err
	}
	return domain.PoolStats{
		Clusters:          clusters,
		DemoUsers:         demoUsers,
		Participants:      total,
		BoundParticipants: bound,
	}, nil
}

// PoolChanged signals that occupancy changed. Signals are coalesced; the
// broadcast loop re-reads the store, so dropping duplicates loses nothing.
func (s *Service) PoolChanged() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Snapshot marshals current stats for streaming subscribers.
func (s *Service) Snapshot(ctx context.Context) ([]byte, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stats)
}

// Run broadcasts a stats snapshot to the hub on every change signal until
// the context is canceled.
func (s *Service) Run(ctx context.Context) {
	if s.hub == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.changes:
			payload, err := s.Snapshot(ctx)
			if err != nil {
				s.logger.Error("stats snapshot failed", "error", err)
				continue
			}
			s.hub.Broadcast(payload)
		}
	}
}
