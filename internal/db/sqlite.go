/*
   STAVbot - Statute Transcript Analysis and Verification bot
   Copyright (C) 2025  Unbewohnte (Kasyanov Nikolay Alexeevich)

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.

   You should have received a copy of the GNU General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package db

import (
	"Unbewohnte/STAVbot/internal/statute"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultRetention is how long a cached statute is served before it has to
// be fetched again.
const DefaultRetention = 30 * 24 * time.Hour

type DB struct {
	*sql.DB
	retention time.Duration
	threshold float64
	now       func() time.Time
	keyLocks  sync.Map
}

type Option func(*DB)

// WithRetention overrides DefaultRetention. Non-positive values are ignored.
func WithRetention(retention time.Duration) Option {
	return func(db *DB) {
		if retention > 0 {
			db.retention = retention
		}
	}
}

// WithDefaultThreshold sets the discrepancy threshold given to new users.
func WithDefaultThreshold(threshold float64) Option {
	return func(db *DB) {
		db.threshold = threshold
	}
}

func WithClock(now func() time.Time) Option {
	return func(db *DB) {
		db.now = now
	}
}

func NewDB(path string, opts ...Option) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", statute.ErrStoreUnavailable, err)
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", statute.ErrStoreUnavailable, err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS statutes (
			id TEXT PRIMARY KEY,
			title TEXT,
			full_text TEXT,
			url TEXT,
			last_updated INTEGER NOT NULL,
			embedding BLOB
		);
		CREATE INDEX IF NOT EXISTS idx_statutes_updated ON statutes(last_updated);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS user_configs (
			user_id INTEGER PRIMARY KEY,
			discrepancy_threshold REAL DEFAULT 0.6,
			sentence_context BOOLEAN DEFAULT 0
		);`,
	)
	if err != nil {
		db.Close()
		return nil, err
	}

	store := &DB{
		DB:        db,
		retention: DefaultRetention,
		threshold: DefaultDiscrepancyThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

func (db *DB) Retention() time.Duration {
	return db.retention
}

// lockKey serializes writes to a single statute row.
func (db *DB) lockKey(id string) func() {
	value, _ := db.keyLocks.LoadOrStore(id, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func normalizeKey(id string) string {
	return strings.TrimSpace(id)
}

const statuteColumns = `id, title, full_text, url, last_updated, embedding`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatute(row rowScanner) (*statute.Record, error) {
	var (
		record    statute.Record
		updated   int64
		embedding []byte
		title     sql.NullString
		fullText  sql.NullString
		url       sql.NullString
	)

	if err := row.Scan(&record.ID, &title, &fullText, &url, &updated, &embedding); err != nil {
		return nil, err
	}

	record.Title = title.String
	record.FullText = fullText.String
	record.URL = url.String
	record.LastUpdated = time.Unix(updated, 0).UTC()

	if len(embedding) > 0 {
		vector, err := DecodeEmbedding(embedding)
		if err != nil {
			return nil, err
		}
		record.Embedding = vector
	}

	return &record, nil
}

// GetStatute returns the cached statute with the given id, or nil when there
// is none or the cached copy has outlived the retention window.
func (db *DB) GetStatute(ctx context.Context, id string) (*statute.Record, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+statuteColumns+` FROM statutes WHERE id = ?`,
		normalizeKey(id),
	)

	record, err := scanStatute(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", statute.ErrStoreUnavailable, err)
	}

	if record.Stale(db.now(), db.retention) {
		return nil, nil
	}

	return record, nil
}

// PutStatute inserts or replaces the statute, stamping it with the current
// time. record.LastUpdated is updated to the stored value.
func (db *DB) PutStatute(ctx context.Context, record *statute.Record) error {
	record.ID = normalizeKey(record.ID)
	if record.ID == "" {
		return fmt.Errorf("empty statute id")
	}

	unlock := db.lockKey(record.ID)
	defer unlock()

	record.LastUpdated = db.now().UTC().Truncate(time.Second)

	var embedding any
	if len(record.Embedding) > 0 {
		embedding = EncodeEmbedding(record.Embedding)
	}

	_, err := db.ExecContext(ctx, `
		REPLACE INTO statutes (`+statuteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Title,
		record.FullText,
		record.URL,
		record.LastUpdated.Unix(),
		embedding,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", statute.ErrStoreUnavailable, err)
	}

	return nil
}

// SetStatuteEmbedding attaches an embedding to an already cached statute.
func (db *DB) SetStatuteEmbedding(ctx context.Context, id string, embedding []float32) error {
	id = normalizeKey(id)

	unlock := db.lockKey(id)
	defer unlock()

	_, err := db.ExecContext(ctx,
		"UPDATE statutes SET embedding = ? WHERE id = ?",
		EncodeEmbedding(embedding),
		id,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", statute.ErrStoreUnavailable, err)
	}

	return nil
}

// AllStatutes lists every cached statute, stale ones included.
func (db *DB) AllStatutes(ctx context.Context) ([]statute.Record, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+statuteColumns+` FROM statutes ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", statute.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var records []statute.Record
	for rows.Next() {
		record, err := scanStatute(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}

	return records, rows.Err()
}

func (db *DB) CountStatutes(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM statutes").Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteStatute removes a statute from the cache. Reports whether a row existed.
func (db *DB) DeleteStatute(ctx context.Context, id string) (bool, error) {
	id = normalizeKey(id)

	unlock := db.lockKey(id)
	defer unlock()

	result, err := db.ExecContext(ctx, "DELETE FROM statutes WHERE id = ?", id)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteStaleStatutes removes every row older than the retention window.
func (db *DB) DeleteStaleStatutes(ctx context.Context) (int64, error) {
	cutoff := db.now().Add(-db.retention).Unix()
	result, err := db.ExecContext(ctx, "DELETE FROM statutes WHERE last_updated < ?", cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func (db *DB) GetUserConfig(userID int64) (*UserConfig, error) {
	config := &UserConfig{}

	err := db.QueryRow(`
        SELECT 
            user_id,
            discrepancy_threshold,
            sentence_context
        FROM user_configs
        WHERE user_id = ?`, userID).Scan(
		&config.UserID,
		&config.DiscrepancyThreshold,
		&config.SentenceContext,
	)

	if err == sql.ErrNoRows {
		config = DefaultUserConfig(userID)
		config.DiscrepancyThreshold = db.threshold
		if err := db.SaveUserConfig(config); err != nil {
			return nil, err
		}
		return config, nil
	}
	if err != nil {
		return nil, err
	}

	return config, nil
}

func (db *DB) SaveUserConfig(config *UserConfig) error {
	_, err := db.Exec(`
        REPLACE INTO user_configs (
            user_id,
            discrepancy_threshold,
            sentence_context
        ) VALUES (?, ?, ?)`,
		config.UserID,
		config.DiscrepancyThreshold,
		config.SentenceContext,
	)
	return err
}
