package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"crm-backend/internal/geo"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FindIdentity(ctx context.Context, identifier string) (Identity, error) {
	identifier = strings.TrimSpace(identifier)

	var identity Identity
	var lockedUntil, lastLoginAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, username, full_name, role, password_hash, is_active,
		       failed_attempts, locked_until, last_login_at
		FROM users
		WHERE LOWER(email) = LOWER($1) OR LOWER(username) = LOWER($1)
		ORDER BY (LOWER(email) = LOWER($1)) DESC
		LIMIT 1
	`, identifier).Scan(
		&identity.ID, &identity.Email, &identity.Username, &identity.Name, &identity.Role,
		&identity.PasswordHash, &identity.Active, &identity.FailedAttempts, &lockedUntil, &lastLoginAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, ErrIdentityNotFound
		}
		return Identity{}, fmt.Errorf("query identity: %w", err)
	}
	identity.LockedUntil = timePtr(lockedUntil)
	identity.LastLoginAt = timePtr(lastLoginAt)

	return identity, nil
}

// UpsertIdentity creates or updates the identity with the given email.
func (r *Repository) UpsertIdentity(ctx context.Context, identity Identity) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid v7: %w", err)
	}

	var storedID string
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, username, full_name, role, password_hash, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
		ON CONFLICT ((LOWER(email))) DO UPDATE
		SET username = EXCLUDED.username,
		    full_name = EXCLUDED.full_name,
		    role = EXCLUDED.role,
		    password_hash = EXCLUDED.password_hash,
		    is_active = TRUE,
		    updated_at = EXCLUDED.updated_at
		RETURNING id
	`, id.String(), identity.Email, identity.Username, identity.Name, identity.Role, identity.PasswordHash, time.Now().UTC()).Scan(&storedID)
	if err != nil {
		return "", fmt.Errorf("upsert identity: %w", err)
	}

	return storedID, nil
}

func (r *Repository) RecordFailedAttempt(ctx context.Context, identityID string, maxAttempts int, lockDuration time.Duration, now time.Time) (FailedAttempt, error) {
	now = now.UTC().Truncate(time.Microsecond)
	lockUntil := now.Add(lockDuration)

	var attempt FailedAttempt
	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		WITH before_update AS (
			SELECT id, locked_until AS previous_lock
			FROM users
			WHERE id = $1
			FOR UPDATE
		)
		UPDATE users u
		SET failed_attempts = u.failed_attempts + 1,
		    locked_until = CASE
		        WHEN u.failed_attempts + 1 >= $2 AND (u.locked_until IS NULL OR u.locked_until <= $4) THEN $3
		        ELSE u.locked_until
		    END,
		    updated_at = $4
		FROM before_update
		WHERE u.id = before_update.id
		RETURNING u.failed_attempts, u.locked_until, u.locked_until IS DISTINCT FROM before_update.previous_lock
	`, identityID, maxAttempts, lockUntil, now).Scan(&attempt.FailedAttempts, &lockedUntil, &attempt.JustLocked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FailedAttempt{}, ErrIdentityNotFound
		}
		return FailedAttempt{}, fmt.Errorf("record failed attempt: %w", err)
	}
	attempt.LockedUntil = timePtr(lockedUntil)

	return attempt, nil
}

func (r *Repository) ResetFailedAttempts(ctx context.Context, identityID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET failed_attempts = 0, locked_until = NULL, last_login_at = $2, updated_at = $2
		WHERE id = $1
	`, identityID, now.UTC())
	if err != nil {
		return fmt.Errorf("reset failed attempts: %w", err)
	}

	return nil
}

func (r *Repository) InsertSession(ctx context.Context, session Session) error {
	return insertSession(ctx, r.db, session)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSession(ctx context.Context, db execer, session Session) error {
	loc := locationColumns(session.Location)
	_, err := db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (
			id, user_id, token_hash, expires_at, absolute_expires_at, ip_address, user_agent,
			location_city, location_region, location_country, location_lat, location_lng, location_timezone,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		session.ID, session.IdentityID, session.TokenHash, session.ExpiresAt.UTC(), session.AbsoluteExpiresAt.UTC(),
		session.IP, session.Device,
		loc.city, loc.region, loc.country, loc.lat, loc.lng, loc.timezone,
		session.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

func (r *Repository) FindSessionOwner(ctx context.Context, tokenHash string) (SessionOwner, error) {
	var owner SessionOwner
	var loc locationRow
	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT rt.id, rt.user_id, rt.token_hash, rt.expires_at, rt.absolute_expires_at,
		       rt.ip_address, rt.user_agent, rt.created_at,
		       rt.location_city, rt.location_region, rt.location_country,
		       rt.location_lat, rt.location_lng, rt.location_timezone,
		       u.email, u.username, u.full_name, u.role, u.is_active, u.locked_until
		FROM refresh_tokens rt
		JOIN users u ON u.id = rt.user_id
		WHERE rt.token_hash = $1
	`, tokenHash).Scan(
		&owner.Session.ID, &owner.Session.IdentityID, &owner.Session.TokenHash,
		&owner.Session.ExpiresAt, &owner.Session.AbsoluteExpiresAt,
		&owner.Session.IP, &owner.Session.Device, &owner.Session.CreatedAt,
		&loc.city, &loc.region, &loc.country, &loc.lat, &loc.lng, &loc.timezone,
		&owner.Identity.Email, &owner.Identity.Username, &owner.Identity.Name, &owner.Identity.Role,
		&owner.Identity.Active, &lockedUntil,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionOwner{}, ErrInvalidRefreshToken
		}
		return SessionOwner{}, fmt.Errorf("query refresh token: %w", err)
	}
	owner.Identity.ID = owner.Session.IdentityID
	owner.Identity.LockedUntil = timePtr(lockedUntil)
	owner.Session.Location = loc.location(owner.Session.IP)

	return owner, nil
}

func (r *Repository) DeleteSession(ctx context.Context, tokenHash string) (string, error) {
	var identityID string
	err := r.db.QueryRowContext(ctx, `
		DELETE FROM refresh_tokens
		WHERE token_hash = $1
		RETURNING user_id
	`, tokenHash).Scan(&identityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("delete refresh token: %w", err)
	}

	return identityID, nil
}

func (r *Repository) DeleteSessionsForIdentity(ctx context.Context, identityID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, identityID)
	if err != nil {
		return 0, fmt.Errorf("delete identity refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("identity refresh tokens rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) DeleteDeviceSessions(ctx context.Context, identityID, device string, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens
		WHERE user_id = $1
		  AND user_agent = $2
		  AND expires_at > $3
	`, identityID, device, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete device refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("device refresh tokens rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) ListSessions(ctx context.Context, identityID string, now time.Time) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, token_hash, expires_at, absolute_expires_at, ip_address, user_agent, created_at,
		       location_city, location_region, location_country, location_lat, location_lng, location_timezone
		FROM refresh_tokens
		WHERE user_id = $1
		  AND expires_at > $2
		  AND absolute_expires_at > $2
		ORDER BY created_at DESC
	`, identityID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query refresh tokens: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var session Session
		var loc locationRow
		if err := rows.Scan(
			&session.ID, &session.IdentityID, &session.TokenHash, &session.ExpiresAt, &session.AbsoluteExpiresAt,
			&session.IP, &session.Device, &session.CreatedAt,
			&loc.city, &loc.region, &loc.country, &loc.lat, &loc.lng, &loc.timezone,
		); err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		session.Location = loc.location(session.IP)
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh tokens: %w", err)
	}

	return sessions, nil
}

func (r *Repository) UpdateSessionLocation(ctx context.Context, sessionID string, location geo.Location) error {
	loc := locationColumns(&location)
	_, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET location_city = $2, location_region = $3, location_country = $4,
		    location_lat = $5, location_lng = $6, location_timezone = $7
		WHERE id = $1
	`, sessionID, loc.city, loc.region, loc.country, loc.lat, loc.lng, loc.timezone)
	if err != nil {
		return fmt.Errorf("update refresh token location: %w", err)
	}

	return nil
}

func (r *Repository) ReplaceSession(ctx context.Context, oldHash, identityID string, now time.Time, next func(storedAbsolute time.Time) Session) (Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("begin refresh rotation tx: %w", err)
	}
	defer tx.Rollback()

	var storedAbsolute time.Time
	err = tx.QueryRowContext(ctx, `
		DELETE FROM refresh_tokens
		WHERE token_hash = $1
		  AND user_id = $2
		  AND expires_at > $3
		  AND absolute_expires_at > $3
		RETURNING absolute_expires_at
	`, oldHash, identityID, now.UTC()).Scan(&storedAbsolute)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrInvalidRefreshToken
		}
		return Session{}, fmt.Errorf("delete rotated refresh token: %w", err)
	}

	session := next(storedAbsolute.UTC())
	if err := insertSession(ctx, tx, session); err != nil {
		return Session{}, err
	}

	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("commit refresh rotation tx: %w", err)
	}

	return session, nil
}

// PurgeExpiredSessions deletes rows past either expiry, batchSize rows per
// statement, until none remain.
func (r *Repository) PurgeExpiredSessions(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	var total int64
	for {
		res, err := r.db.ExecContext(ctx, `
			WITH stale AS (
				SELECT id
				FROM refresh_tokens
				WHERE expires_at <= $1 OR absolute_expires_at <= $1
				ORDER BY created_at ASC
				LIMIT $2
			)
			DELETE FROM refresh_tokens t
			USING stale
			WHERE t.id = stale.id
		`, now.UTC(), batchSize)
		if err != nil {
			return total, fmt.Errorf("delete stale refresh tokens: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("stale refresh tokens rows affected: %w", err)
		}
		total += affected
		if affected < int64(batchSize) {
			return total, nil
		}
	}
}

func (r *Repository) TokenStats(ctx context.Context, now time.Time) (TokenStats, error) {
	var stats TokenStats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE expires_at > $1 AND absolute_expires_at > $1),
			COUNT(*) FILTER (WHERE expires_at <= $1 OR absolute_expires_at <= $1),
			COUNT(DISTINCT user_id) FILTER (WHERE expires_at > $1 AND absolute_expires_at > $1)
		FROM refresh_tokens
	`, now.UTC()).Scan(&stats.ActiveTokens, &stats.ExpiredTokens, &stats.ActiveUsers)
	if err != nil {
		return TokenStats{}, fmt.Errorf("query refresh token stats: %w", err)
	}

	return stats, nil
}

type locationRow struct {
	city     sql.NullString
	region   sql.NullString
	country  sql.NullString
	lat      sql.NullFloat64
	lng      sql.NullFloat64
	timezone sql.NullString
}

func locationColumns(location *geo.Location) locationRow {
	if location == nil {
		return locationRow{}
	}
	return locationRow{
		city:     sql.NullString{String: location.City, Valid: location.City != ""},
		region:   sql.NullString{String: location.RegionName, Valid: location.RegionName != ""},
		country:  sql.NullString{String: location.Country, Valid: location.Country != ""},
		lat:      sql.NullFloat64{Float64: location.Lat, Valid: location.Country != ""},
		lng:      sql.NullFloat64{Float64: location.Lng, Valid: location.Country != ""},
		timezone: sql.NullString{String: location.Timezone, Valid: location.Timezone != ""},
	}
}

func (l locationRow) location(ip string) *geo.Location {
	if !l.country.Valid && !l.city.Valid {
		return nil
	}
	return &geo.Location{
		IP:         ip,
		City:       l.city.String,
		RegionName: l.region.String,
		Country:    l.country.String,
		Lat:        l.lat.Float64,
		Lng:        l.lng.Float64,
		Timezone:   l.timezone.String,
	}
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

var (
	_ IdentityRepository = (*Repository)(nil)
	_ SessionRepository  = (*Repository)(nil)
)
