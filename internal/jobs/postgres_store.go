package jobs

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore は PostgreSQL の templates テーブルを StatusStore として扱います。
//
//	CREATE TABLE templates (
//	    id         TEXT PRIMARY KEY,
//	    status     TEXT NOT NULL,
//	    zip_s3_key TEXT NOT NULL,
//	    preview_url TEXT,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore は PostgresStore を作成します。
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const (
	selectTemplateSQL = `SELECT id, status, zip_s3_key, COALESCE(preview_url, ''), updated_at FROM templates`
	updateTemplateSQL = `UPDATE templates SET status = $2, preview_url = NULLIF($3, ''), updated_at = $4
		WHERE id = $1 AND ($5 = '' OR status = $5)`
	existsTemplateSQL = `SELECT EXISTS (SELECT 1 FROM templates WHERE id = $1)`
)

// Get はジョブ情報を取得します。
func (s *PostgresStore) Get(ctx context.Context, jobID string) (*Record, error) {
	row := s.pool.QueryRow(ctx, selectTemplateSQL+` WHERE id = $1`, jobID)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("postgres get %s: %w", jobID, err)
	}
	return record, nil
}

// Update はジョブ情報を更新します。
func (s *PostgresStore) Update(ctx context.Context, jobID string, update Update) error {
	if err := update.validate(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, updateTemplateSQL, jobID, string(update.Status), update.ResultURL, time.Now().UTC(), string(update.From))
	if err != nil {
		return fmt.Errorf("postgres update %s: %w", jobID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if update.From == "" {
		return ErrJobNotFound
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, existsTemplateSQL, jobID).Scan(&exists); err != nil {
		return fmt.Errorf("postgres exists %s: %w", jobID, err)
	}
	if !exists {
		return ErrJobNotFound
	}
	return fmt.Errorf("%w: %s is no longer %s", ErrStatusConflict, jobID, update.From)
}

// Scan は指定状態のレコードをID順に返します。
func (s *PostgresStore) Scan(ctx context.Context, status Status) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		rows, err := s.pool.Query(ctx, selectTemplateSQL+` WHERE status = $1 ORDER BY id`, string(status))
		if err != nil {
			yield(nil, fmt.Errorf("postgres scan status=%s: %w", status, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			record, err := scanRecord(rows)
			if err != nil {
				if !yield(nil, fmt.Errorf("%w: postgres scan: %v", ErrCorruptRecord, err)) {
					return
				}
				continue
			}
			if !yield(record, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		record Record
		status string
	)
	if err := row.Scan(&record.JobID, &status, &record.SourceKey, &record.ResultURL, &record.UpdatedAt); err != nil {
		return nil, err
	}
	record.Status = Status(status)
	return &record, nil
}
