package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhpds/workshop-allocator/internal/domain"
	"github.com/rhpds/workshop-allocator/internal/repository"
)

// Repository implements the store interfaces on PostgreSQL. Conditional
// updates are single UPDATE statements whose WHERE clause carries the
// expected state; the database serializes writes per row, so checking the
// affected count is sufficient for the compare-and-set contract.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ClusterRepository       = (*Repository)(nil)
	_ repository.DemoUserRepository      = (*Repository)(nil)
	_ repository.SharedClusterRepository = (*Repository)(nil)
	_ repository.ParticipantRepository   = (*Repository)(nil)
	_ repository.StatsRepository         = (*Repository)(nil)
)

// uniqueViolation is the PostgreSQL error code for a unique-constraint hit.
const uniqueViolation = "23505"

// insertErr maps unique-constraint violations onto the conflict sentinel.
func insertErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return repository.ErrConflict
	}
	return err
}

const clusterColumns = `id, name, url, username, password, is_reserved, reserved_by, reserved_at, created_at`

func scanCluster(row pgx.Row) (*domain.Cluster, error) {
	var c domain.Cluster
	err := row.Scan(&c.ID, &c.Name, &c.URL, &c.Username, &c.Password, &c.IsReserved, &c.ReservedBy, &c.ReservedAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// CreateCluster inserts a cluster.
func (r *Repository) CreateCluster(ctx context.Context, cluster *domain.Cluster) error {
	const query = `INSERT INTO clusters (id, name, url, username, password, is_reserved, reserved_by, reserved_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query, cluster.ID, cluster.Name, cluster.URL, cluster.Username, cluster.Password,
		cluster.IsReserved, cluster.ReservedBy, cluster.ReservedAt, cluster.CreatedAt)
	return insertErr(err)
}

// GetClusterByID fetches a cluster by identifier.
func (r *Repository) GetClusterByID(ctx context.Context, id string) (*domain.Cluster, error) {
	const query = `SELECT ` + clusterColumns + ` FROM clusters WHERE id = $1`
	return scanCluster(r.pool.QueryRow(ctx, query, id))
}

// GetClusterByName fetches a cluster by its unique name.
func (r *Repository) GetClusterByName(ctx context.Context, name string) (*domain.Cluster, error) {
	const query = `SELECT ` + clusterColumns + ` FROM clusters WHERE name = $1`
	return scanCluster(r.pool.QueryRow(ctx, query, name))
}

// ListUnreservedClusters enumerates clusters currently free for allocation.
func (r *Repository) ListUnreservedClusters(ctx context.Context) ([]domain.Cluster, error) {
	const query = `SELECT ` + clusterColumns + ` FROM clusters WHERE is_reserved = FALSE ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clusters := make([]domain.Cluster, 0)
	for rows.Next() {
		var c domain.Cluster
		if err := rows.Scan(&c.ID, &c.Name, &c.URL, &c.Username, &c.Password, &c.IsReserved, &c.ReservedBy, &c.ReservedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

// ReserveCluster marks a cluster reserved iff it is still free.
func (r *Repository) ReserveCluster(ctx context.Context, id, participantID string, at time.Time) (bool, error) {
	const query = `UPDATE clusters SET is_reserved = TRUE, reserved_by = $2, reserved_at = $3
		WHERE id = $1 AND is_reserved = FALSE`
	tag, err := r.pool.Exec(ctx, query, id, participantID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseCluster frees a cluster iff it is held by the given participant.
func (r *Repository) ReleaseCluster(ctx context.Context, id, participantID string) (bool, error) {
	const query = `UPDATE clusters SET is_reserved = FALSE, reserved_by = NULL, reserved_at = NULL
		WHERE id = $1 AND is_reserved = TRUE AND reserved_by = $2`
	tag, err := r.pool.Exec(ctx, query, id, participantID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const demoUserColumns = `id, username, password, is_reserved, reserved_by, reserved_at, created_at`

func scanDemoUser(row pgx.Row) (*domain.DemoUser, error) {
	var u domain.DemoUser
	err := row.Scan(&u.ID, &u.Username, &u.Password, &u.IsReserved, &u.ReservedBy, &u.ReservedAt, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateDemoUser inserts a demo-user credential pair.
func (r *Repository) CreateDemoUser(ctx context.Context, user *domain.DemoUser) error {
	const query = `INSERT INTO demo_users (id, username, password, is_reserved, reserved_by, reserved_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Username, user.Password, user.IsReserved, user.ReservedBy, user.ReservedAt, user.CreatedAt)
	return insertErr(err)
}

// GetDemoUserByID fetches a demo user by identifier.
func (r *Repository) GetDemoUserByID(ctx context.Context, id string) (*domain.DemoUser, error) {
	const query = `SELECT ` + demoUserColumns + ` FROM demo_users WHERE id = $1`
	return scanDemoUser(r.pool.QueryRow(ctx, query, id))
}

// GetDemoUserByUsername fetches a demo user by its unique username.
func (r *Repository) GetDemoUserByUsername(ctx context.Context, username string) (*domain.DemoUser, error) {
	const query = `SELECT ` + demoUserColumns + ` FROM demo_users WHERE username = $1`
	return scanDemoUser(r.pool.QueryRow(ctx, query, username))
}

// ListUnreservedDemoUsers enumerates credential pairs free for allocation.
func (r *Repository) ListUnreservedDemoUsers(ctx context.Context) ([]domain.DemoUser, error) {
	const query = `SELECT ` + demoUserColumns + ` FROM demo_users WHERE is_reserved = FALSE ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.DemoUser, 0)
	for rows.Next() {
		var u domain.DemoUser
		if err := rows.Scan(&u.ID, &u.Username, &u.Password, &u.IsReserved, &u.ReservedBy, &u.ReservedAt, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ReserveDemoUser marks a demo user reserved iff it is still free.
func (r *Repository) ReserveDemoUser(ctx context.Context, id, participantID string, at time.Time) (bool, error) {
	const query = `UPDATE demo_users SET is_reserved = TRUE, reserved_by = $2, reserved_at = $3
		WHERE id = $1 AND is_reserved = FALSE`
	tag, err := r.pool.Exec(ctx, query, id, participantID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseDemoUser frees a demo user iff it is held by the given participant.
func (r *Repository) ReleaseDemoUser(ctx context.Context, id, participantID string) (bool, error) {
	const query = `UPDATE demo_users SET is_reserved = FALSE, reserved_by = NULL, reserved_at = NULL
		WHERE id = $1 AND is_reserved = TRUE AND reserved_by = $2`
	tag, err := r.pool.Exec(ctx, query, id, participantID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CreateSharedCluster inserts the shared cluster endpoint.
func (r *Repository) CreateSharedCluster(ctx context.Context, cluster *domain.SharedCluster) error {
	const query = `INSERT INTO shared_clusters (id, name, url, created_at) VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, cluster.ID, cluster.Name, cluster.URL, cluster.CreatedAt)
	return insertErr(err)
}

// GetSharedCluster returns the oldest configured shared cluster.
func (r *Repository) GetSharedCluster(ctx context.Context) (*domain.SharedCluster, error) {
	const query = `SELECT id, name, url, created_at FROM shared_clusters ORDER BY created_at LIMIT 1`
	return r.scanSharedCluster(r.pool.QueryRow(ctx, query))
}

// GetSharedClusterByName returns a shared cluster by its unique name.
func (r *Repository) GetSharedClusterByName(ctx context.Context, name string) (*domain.SharedCluster, error) {
	const query = `SELECT id, name, url, created_at FROM shared_clusters WHERE name = $1`
	return r.scanSharedCluster(r.pool.QueryRow(ctx, query, name))
}

func (r *Repository) scanSharedCluster(row pgx.Row) (*domain.SharedCluster, error) {
	var sc domain.SharedCluster
	if err := row.Scan(&sc.ID, &sc.Name, &sc.URL, &sc.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &sc, nil
}

const participantColumns = `id, email, password_hash, cluster_id, demo_user_id, session_token, created_at, last_login`

func scanParticipant(row pgx.Row) (*domain.Participant, error) {
	var p domain.Participant
	err := row.Scan(&p.ID, &p.Email, &p.PasswordHash, &p.ClusterID, &p.DemoUserID, &p.SessionToken, &p.CreatedAt, &p.LastLogin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreateParticipant inserts a workshop account.
func (r *Repository) CreateParticipant(ctx context.Context, participant *domain.Participant) error {
	const query = `INSERT INTO participants (id, email, password_hash, cluster_id, demo_user_id, session_token, created_at, last_login)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, participant.ID, participant.Email, participant.PasswordHash,
		participant.ClusterID, participant.DemoUserID, participant.SessionToken, participant.CreatedAt, participant.LastLogin)
	return insertErr(err)
}

// GetParticipantByID fetches a participant by identifier.
func (r *Repository) GetParticipantByID(ctx context.Context, id string) (*domain.Participant, error) {
	const query = `SELECT ` + participantColumns + ` FROM participants WHERE id = $1`
	return scanParticipant(r.pool.QueryRow(ctx, query, id))
}

// GetParticipantByEmail fetches a participant by unique email.
func (r *Repository) GetParticipantByEmail(ctx context.Context, email string) (*domain.Participant, error) {
	const query = `SELECT ` + participantColumns + ` FROM participants WHERE email = $1`
	return scanParticipant(r.pool.QueryRow(ctx, query, email))
}

// GetParticipantBySessionToken resolves a session token to its participant.
func (r *Repository) GetParticipantBySessionToken(ctx context.Context, token string) (*domain.Participant, error) {
	const query = `SELECT ` + participantColumns + ` FROM participants WHERE session_token = $1`
	return scanParticipant(r.pool.QueryRow(ctx, query, token))
}

// BindParticipant records a cluster/demo-user pair, session token and login
// time in one write.
func (r *Repository) BindParticipant(ctx context.Context, id, clusterID, demoUserID, token string, at time.Time) error {
	const query = `UPDATE participants SET cluster_id = $2, demo_user_id = $3, session_token = $4, last_login = $5
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, clusterID, demoUserID, token, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateSessionToken overwrites the session token, invalidating any prior one.
func (r *Repository) UpdateSessionToken(ctx context.Context, id, token string, at time.Time) error {
	const query = `UPDATE participants SET session_token = $2, last_login = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, token, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ClearSessionToken removes a session token iff some participant holds it.
func (r *Repository) ClearSessionToken(ctx context.Context, token string) (bool, error) {
	const query = `UPDATE participants SET session_token = NULL WHERE session_token = $1`
	tag, err := r.pool.Exec(ctx, query, token)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClearBinding drops the participant's cluster/demo-user references.
func (r *Repository) ClearBinding(ctx context.Context, id string) error {
	const query = `UPDATE participants SET cluster_id = NULL, demo_user_id = NULL WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CountClusters aggregates reservation counts over the cluster pool.
func (r *Repository) CountClusters(ctx context.Context) (domain.ResourceCounts, error) {
	const query = `SELECT COUNT(1), COUNT(1) FILTER (WHERE is_reserved) FROM clusters`
	return r.scanCounts(ctx, query)
}

// CountDemoUsers aggregates reservation counts over the demo-user pool.
func (r *Repository) CountDemoUsers(ctx context.Context) (domain.ResourceCounts, error) {
	const query = `SELECT COUNT(1), COUNT(1) FILTER (WHERE is_reserved) FROM demo_users`
	return r.scanCounts(ctx, query)
}

func (r *Repository) scanCounts(ctx context.Context, query string) (domain.ResourceCounts, error) {
	var counts domain.ResourceCounts
	if err := r.pool.QueryRow(ctx, query).Scan(&counts.Total, &counts.Reserved); err != nil {
		return domain.ResourceCounts{}, err
	}
	counts.Available = counts.Total - counts.Reserved
	return counts, nil
}

// CountParticipants returns total accounts and how many hold a binding.
func (r *Repository) CountParticipants(ctx context.Context) (int, int, error) {
	const query = `SELECT COUNT(1), COUNT(1) FILTER (WHERE cluster_id IS NOT NULL AND demo_user_id IS NOT NULL) FROM participants`
	var total, bound int
	if err := r.pool.QueryRow(ctx, query).Scan(&total, &bound); err != nil {
		return 0, 0, err
	}
	return total, bound, nil
}
