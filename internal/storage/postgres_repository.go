package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"livesight/internal/models"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, &StorageError{Op: "open", Err: errors.New("postgres dsn required")}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("parse postgres config: %w", err)}
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			id BIGINT PRIMARY KEY,
			service TEXT NOT NULL,
			channel TEXT NOT NULL,
			path TEXT NOT NULL,
			hidden BOOLEAN NOT NULL DEFAULT FALSE,
			afk_count INTEGER NOT NULL DEFAULT 0,
			promoted BOOLEAN NOT NULL DEFAULT FALSE,
			title TEXT NOT NULL DEFAULT '',
			thumbnail TEXT NOT NULL DEFAULT '',
			live BOOLEAN NOT NULL DEFAULT FALSE,
			viewers BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			twitch_id BIGINT NOT NULL DEFAULT 0,
			name TEXT NOT NULL,
			stream_path TEXT NOT NULL DEFAULT '',
			service TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT '',
			last_ip TEXT NOT NULL DEFAULT '',
			last_seen TIMESTAMPTZ,
			left_chat BOOLEAN NOT NULL DEFAULT FALSE,
			is_banned BOOLEAN NOT NULL DEFAULT FALSE,
			ban_reason TEXT NOT NULL DEFAULT '',
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS banned_streams (
			channel TEXT NOT NULL,
			service TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (channel, service)
		)`,
		`CREATE TABLE IF NOT EXISTS banned_ip_ranges (
			range_start TEXT NOT NULL,
			range_end TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (range_start, range_end)
		)`,
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return &StorageError{Op: "ensure schema", Err: err}
		}
	}
	return nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return &StorageError{Op: "ping", Err: err}
	}
	return nil
}

// Stream identities are 48-bit, so the int64 round trip through BIGINT never
// overflows.
func (r *postgresRepository) UpsertStream(ctx context.Context, stream models.Stream) (models.Stream, error) {
	now := time.Now().UTC()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO streams (id, service, channel, path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			service = EXCLUDED.service,
			channel = EXCLUDED.channel,
			path = EXCLUDED.path,
			updated_at = EXCLUDED.updated_at
		RETURNING id, service, channel, path, hidden, afk_count, promoted,
			title, thumbnail, live, viewers, created_at, updated_at`,
		int64(stream.ID), stream.Service, stream.Channel, stream.Path, now)
	return scanStream(row)
}

func (r *postgresRepository) GetStream(ctx context.Context, id uint64) (models.Stream, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, service, channel, path, hidden, afk_count, promoted,
			title, thumbnail, live, viewers, created_at, updated_at
		FROM streams WHERE id = $1`, int64(id))
	return scanStream(row)
}

func (r *postgresRepository) ListStreams(ctx context.Context) ([]models.Stream, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, service, channel, path, hidden, afk_count, promoted,
			title, thumbnail, live, viewers, created_at, updated_at
		FROM streams ORDER BY id`)
	if err != nil {
		return nil, &StorageError{Op: "list streams", Err: err}
	}
	defer rows.Close()
	var streams []models.Stream
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		streams = append(streams, stream)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list streams", Err: err}
	}
	return streams, nil
}

func (r *postgresRepository) TouchStreamStatus(ctx context.Context, id uint64, title, thumbnail string, live bool, viewers uint32) (models.Stream, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE streams SET title = $2, thumbnail = $3, live = $4, viewers = $5, updated_at = $6
		WHERE id = $1
		RETURNING id, service, channel, path, hidden, afk_count, promoted,
			title, thumbnail, live, viewers, created_at, updated_at`,
		int64(id), title, thumbnail, live, int64(viewers), time.Now().UTC())
	return scanStream(row)
}

func (r *postgresRepository) SetStreamAFK(ctx context.Context, id uint64, delta int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE streams
		SET afk_count = GREATEST(afk_count + $2, 0), updated_at = $3
		WHERE id = $1`, int64(id), delta, time.Now().UTC())
	if err != nil {
		return &StorageError{Op: "set afk", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) GetUser(ctx context.Context, id string) (models.User, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, twitch_id, name, stream_path, service, channel, last_ip,
			COALESCE(last_seen, 'epoch'::timestamptz), left_chat, is_banned,
			ban_reason, is_admin, created_at, updated_at
		FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (r *postgresRepository) UpsertUser(ctx context.Context, user models.User) (models.User, error) {
	if user.ID == "" {
		return models.User{}, &StorageError{Op: "upsert user", Err: errors.New("user id required")}
	}
	now := time.Now().UTC()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO users (id, twitch_id, name, stream_path, service, channel,
			last_ip, last_seen, left_chat, is_banned, ban_reason, is_admin,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (id) DO UPDATE SET
			twitch_id = EXCLUDED.twitch_id,
			name = EXCLUDED.name,
			stream_path = EXCLUDED.stream_path,
			service = EXCLUDED.service,
			channel = EXCLUDED.channel,
			last_ip = EXCLUDED.last_ip,
			last_seen = EXCLUDED.last_seen,
			left_chat = EXCLUDED.left_chat,
			is_banned = EXCLUDED.is_banned,
			ban_reason = EXCLUDED.ban_reason,
			is_admin = EXCLUDED.is_admin,
			updated_at = EXCLUDED.updated_at
		RETURNING id, twitch_id, name, stream_path, service, channel, last_ip,
			COALESCE(last_seen, 'epoch'::timestamptz), left_chat, is_banned,
			ban_reason, is_admin, created_at, updated_at`,
		user.ID, user.TwitchID, user.Name, user.StreamPath, user.Service,
		user.Channel, user.LastIP, user.LastSeen, user.LeftChat, user.IsBanned,
		user.BanReason, user.IsAdmin, now)
	return scanUser(row)
}

func (r *postgresRepository) IsStreamBanned(ctx context.Context, channel, service string) (bool, error) {
	var banned bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM banned_streams WHERE channel = $1 AND service = $2)`,
		channel, service).Scan(&banned)
	if err != nil {
		return false, &StorageError{Op: "stream ban check", Err: err}
	}
	return banned, nil
}

func (r *postgresRepository) AddBannedStream(ctx context.Context, ban models.BannedStream) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO banned_streams (channel, service, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (channel, service) DO UPDATE SET
			reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at`,
		ban.Channel, ban.Service, ban.Reason, now)
	if err != nil {
		return &StorageError{Op: "add stream ban", Err: err}
	}
	return nil
}

// IsIPBanned scans the ranges in Go rather than SQL so both drivers share the
// same strictly-between semantics.
func (r *postgresRepository) IsIPBanned(ctx context.Context, addr string) (bool, error) {
	candidate := net.ParseIP(addr)
	if candidate == nil {
		return false, &StorageError{Op: "ip ban check", Err: fmt.Errorf("invalid address %q", addr)}
	}
	candidate = candidate.To16()
	rows, err := r.pool.Query(ctx, `SELECT range_start, range_end FROM banned_ip_ranges`)
	if err != nil {
		return false, &StorageError{Op: "ip ban check", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var start, end string
		if err := rows.Scan(&start, &end); err != nil {
			return false, &StorageError{Op: "ip ban check", Err: err}
		}
		lower := net.ParseIP(start)
		upper := net.ParseIP(end)
		if lower == nil || upper == nil {
			continue
		}
		if bytes.Compare(lower.To16(), candidate) < 0 && bytes.Compare(candidate, upper.To16()) < 0 {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, &StorageError{Op: "ip ban check", Err: err}
	}
	return false, nil
}

func (r *postgresRepository) AddBannedIPRange(ctx context.Context, ban models.BannedIPRange) error {
	if net.ParseIP(ban.Start) == nil || net.ParseIP(ban.End) == nil {
		return &StorageError{Op: "add ip ban", Err: fmt.Errorf("invalid range %q-%q", ban.Start, ban.End)}
	}
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO banned_ip_ranges (range_start, range_end, note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (range_start, range_end) DO UPDATE SET
			note = EXCLUDED.note, updated_at = EXCLUDED.updated_at`,
		ban.Start, ban.End, ban.Note, now)
	if err != nil {
		return &StorageError{Op: "add ip ban", Err: err}
	}
	return nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (models.Stream, error) {
	var (
		stream  models.Stream
		id      int64
		viewers int64
	)
	err := row.Scan(&id, &stream.Service, &stream.Channel, &stream.Path,
		&stream.Hidden, &stream.AFKCount, &stream.Promoted, &stream.Title,
		&stream.Thumbnail, &stream.Live, &viewers, &stream.CreatedAt,
		&stream.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Stream{}, ErrNotFound
		}
		return models.Stream{}, &StorageError{Op: "scan stream", Err: err}
	}
	stream.ID = uint64(id)
	stream.Viewers = uint32(viewers)
	return stream, nil
}

func scanUser(row rowScanner) (models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.TwitchID, &user.Name, &user.StreamPath,
		&user.Service, &user.Channel, &user.LastIP, &user.LastSeen,
		&user.LeftChat, &user.IsBanned, &user.BanReason, &user.IsAdmin,
		&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, &StorageError{Op: "scan user", Err: err}
	}
	return user, nil
}
