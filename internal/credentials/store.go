package credentials

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLStore is the production Store: the api_keys table in the shared
// sqlite database, keyed by credential kind ("anthropic", ...).
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore builds a SQLStore against the shared store connection.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// GetAPIKey looks up kind's row, satisfying the Store interface Resolver
// checks ahead of the credentials file.
func (s *SQLStore) GetAPIKey(ctx context.Context, kind string) (Record, bool, error) {
	var rec Record
	var refreshToken, scope sql.NullString
	var expiresAt sql.NullInt64

	row := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope FROM api_keys WHERE kind = ?`, kind)
	if err := row.Scan(&rec.AccessToken, &refreshToken, &expiresAt, &scope); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("get api key %q: %w", kind, err)
	}
	rec.RefreshToken = refreshToken.String
	rec.Scope = scope.String
	if expiresAt.Valid {
		rec.ExpiresAt = &expiresAt.Int64
	}
	return rec, true, nil
}

// Upsert writes or replaces kind's row, e.g. after a refresh-token exchange.
func (s *SQLStore) Upsert(ctx context.Context, kind string, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (kind, access_token, refresh_token, expires_at, scope)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(kind) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scope = excluded.scope`,
		kind, rec.AccessToken, nullableString(rec.RefreshToken), rec.ExpiresAt, nullableString(rec.Scope))
	if err != nil {
		return fmt.Errorf("upsert api key %q: %w", kind, err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
