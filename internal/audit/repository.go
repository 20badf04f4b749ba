package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository stores events in the security_events table and answers the
// history queries used by geo anomaly detection.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Record(ctx context.Context, event Event) error {
	id := event.ID
	if id == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate security event id: %w", err)
		}
		id = generated.String()
	}

	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode security event metadata: %w", err)
	}

	createdAt := event.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO security_events (
			id, event_type, category, severity, user_id, email, ip_address,
			user_agent, success, message, country, metadata, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		id,
		string(event.Type),
		string(event.Category),
		string(event.Severity),
		nullString(event.UserID),
		nullString(event.Email),
		nullString(event.IP),
		nullString(event.UserAgent),
		event.Success,
		event.Message,
		nullString(event.Country),
		encoded,
		createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}

	return nil
}

// TypicalCountries returns the user's most frequent login countries since
// the given time, most frequent first.
func (r *Repository) TypicalCountries(ctx context.Context, userID string, since time.Time, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT country
		FROM security_events
		WHERE user_id = $1
		  AND event_type = $2
		  AND country IS NOT NULL
		  AND created_at >= $3
		GROUP BY country
		ORDER BY COUNT(*) DESC, MAX(created_at) DESC
		LIMIT $4
	`, userID, string(EventLoginGeo), since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query typical countries: %w", err)
	}
	defer rows.Close()

	var countries []string
	for rows.Next() {
		var country string
		if err := rows.Scan(&country); err != nil {
			return nil, fmt.Errorf("scan typical country: %w", err)
		}
		countries = append(countries, country)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate typical countries: %w", err)
	}

	return countries, nil
}

// DeleteOlderThan removes events created before cutoff, batchSize rows per
// statement, until none remain.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	var total int64
	for {
		res, err := r.db.ExecContext(ctx, `
			WITH stale AS (
				SELECT id
				FROM security_events
				WHERE created_at < $1
				ORDER BY created_at ASC
				LIMIT $2
			)
			DELETE FROM security_events e
			USING stale
			WHERE e.id = stale.id
		`, cutoff.UTC(), batchSize)
		if err != nil {
			return total, fmt.Errorf("delete stale security events: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("stale security events rows affected: %w", err)
		}
		total += affected
		if affected < int64(batchSize) {
			return total, nil
		}
	}
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
