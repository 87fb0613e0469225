package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// UpsertArtifact is spec.md §4.1's upsert_artifact: despite the name, this
// always inserts a new row — "upsert" here means append, with latest-wins
// read semantics (spec.md §3's Artifact invariant).
func (s *Store) UpsertArtifact(ctx context.Context, tx pgx.Tx, jobID, artifactType, content string, metadata map[string]any) (*Artifact, error) {
	meta, err := marshalJSON(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal artifact metadata: %w", err)
	}

	q := queryable(s, tx)
	a := &Artifact{ID: uuid.NewString(), JobID: jobID, ArtifactType: artifactType, Content: content, Metadata: metadata}

	row := q.QueryRow(ctx, `
		INSERT INTO artifacts (id, job_id, artifact_type, content, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`, a.ID, jobID, artifactType, content, meta)

	if err := row.Scan(&a.CreatedAt); err != nil {
		return nil, classify(err)
	}
	return a, nil
}

// GetLatestArtifact is spec.md §4.1's get_latest_artifact: the canonical
// row per (job_id, artifact_type) is the most recently created one.
func (s *Store) GetLatestArtifact(ctx context.Context, jobID, artifactType string) (*Artifact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, job_id, artifact_type, content, metadata, created_at
		FROM artifacts
		WHERE job_id = $1 AND artifact_type = $2
		ORDER BY created_at DESC LIMIT 1`, jobID, artifactType)
	return scanArtifact(row)
}

// ListArtifactTypes returns every distinct artifact_type with a row for
// jobID. The orchestrator does not call it.
func (s *Store) ListArtifactTypes(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT artifact_type FROM artifacts WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, classify(err)
		}
		types = append(types, t)
	}
	return types, classify(rows.Err())
}

func scanArtifact(row pgx.Row) (*Artifact, error) {
	var a Artifact
	var metaRaw []byte
	if err := row.Scan(&a.ID, &a.JobID, &a.ArtifactType, &a.Content, &metaRaw, &a.CreatedAt); err != nil {
		return nil, classify(err)
	}
	meta, err := unmarshalJSON(metaRaw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal artifact metadata: %w", err)
	}
	a.Metadata = meta
	return &a, nil
}
