package identity

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createAssignmentsTable = `
CREATE TABLE IF NOT EXISTS pseudonym_assignments (
	epoch      TEXT        NOT NULL,
	digest     TEXT        NOT NULL,
	kind       TEXT        NOT NULL,
	width      INTEGER     NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (epoch, digest)
)`

// PGStore persists assignments in Postgres. Only keyed digests are written;
// neither real identifiers nor the salt ever reach the table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore ensures the assignments table exists.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	if _, err := pool.Exec(ctx, createAssignmentsTable); err != nil {
		return nil, fmt.Errorf("create pseudonym_assignments: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Load returns every assignment recorded for epoch.
func (s *PGStore) Load(ctx context.Context, epoch string) ([]Assignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, digest, width FROM pseudonym_assignments WHERE epoch = $1 ORDER BY created_at, digest`,
		epoch,
	)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Assignment, error) {
		var (
			kind   string
			digest string
			width  int32
		)
		if err := row.Scan(&kind, &digest, &width); err != nil {
			return Assignment{}, err
		}
		return Assignment{Kind: Kind(kind), Digest: digest, Width: int(width)}, nil
	})
}

// Save inserts batch in one round trip. A digest that is already stored keeps its width.
func (s *PGStore) Save(ctx context.Context, epoch string, batch []Assignment) error {
	b := &pgx.Batch{}
	for _, a := range batch {
		b.Queue(
			`INSERT INTO pseudonym_assignments (epoch, digest, kind, width) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (epoch, digest) DO NOTHING`,
			epoch, a.Digest, string(a.Kind), int32(a.Width),
		)
	}

	br := s.pool.SendBatch(ctx, b)
	for range batch {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert assignment: %w", err)
		}
	}
	return br.Close()
}
