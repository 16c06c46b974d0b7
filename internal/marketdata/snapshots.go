package marketdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/database"
)

// SnapshotRepo persists last-known-good upstream payloads in cache.db so
// the cache can serve Stale values across restarts.
type SnapshotRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// NewSnapshotRepo creates a snapshot repository
func NewSnapshotRepo(db *database.DB, log zerolog.Logger) *SnapshotRepo {
	return &SnapshotRepo{
		db:  db,
		log: log.With().Str("repo", "snapshots").Logger(),
	}
}

// Save upserts the payload for a source key
func (r *SnapshotRepo) Save(source string, fetchedAt time.Time, payload []byte) error {
	_, err := r.db.Exec(`
		INSERT INTO source_snapshots (source, fetched_at, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			fetched_at = excluded.fetched_at,
			payload = excluded.payload`,
		source, fetchedAt.Unix(), payload)
	if err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", source, err)
	}
	return nil
}

// Load returns the stored payload and fetch time for a source key.
// Missing rows return ok=false without error.
func (r *SnapshotRepo) Load(source string) (payload []byte, fetchedAt time.Time, ok bool, err error) {
	var ts int64
	err = r.db.QueryRow(`
		SELECT fetched_at, payload FROM source_snapshots WHERE source = ?`,
		source).Scan(&ts, &payload)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("failed to load snapshot for %s: %w", source, err)
	}
	return payload, time.Unix(ts, 0), true, nil
}

// All returns every stored source key
func (r *SnapshotRepo) All() ([]string, error) {
	rows, err := r.db.Query(`SELECT source FROM source_snapshots ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}
