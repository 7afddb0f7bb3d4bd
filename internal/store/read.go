package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meshforge/runtime/internal/envelope"
)

// LookupOutputs returns the ordered output envelopes persisted under an
// idempotency key, or nil if the key has never been processed. Envelopes are
// rebuilt from their canonical bytes, so republished copies are byte-equal
// to the originals.
func (s *Store) LookupOutputs(ctx context.Context, tenant, workspace, key string) ([]envelope.Envelope, error) {
	if tenant == "" || workspace == "" {
		return nil, fmt.Errorf("lookup outputs: tenant and workspace are required")
	}

	rows, err := s.queryContext(ctx, `
		SELECT envelope_json FROM events
		WHERE tenant = ? AND workspace = ? AND idempotency_key = ? AND kind = ?
		ORDER BY id ASC
	`, tenant, workspace, key, kindOutput)
	if err != nil {
		return nil, fmt.Errorf("lookup outputs: %w", err)
	}
	defer rows.Close()

	return scanEnvelopes(rows)
}

// HasKey reports whether any record exists under an idempotency key within
// the scope. Keys with only a persisted violation or conflict record count
// as processed.
func (s *Store) HasKey(ctx context.Context, tenant, workspace, key string) (bool, error) {
	if tenant == "" || workspace == "" {
		return false, fmt.Errorf("has key: tenant and workspace are required")
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events
		WHERE tenant = ? AND workspace = ? AND idempotency_key = ?
	`, tenant, workspace, key).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("has key: %w", err)
	}
	return count > 0, nil
}

// EntityVersion returns the current version of an entity, or ok=false when
// the entity has never been written (callers treat that as version 0).
func (s *Store) EntityVersion(ctx context.Context, tenant, workspace, agent, entityID string) (int64, bool, error) {
	if tenant == "" || workspace == "" {
		return 0, false, fmt.Errorf("entity version: tenant and workspace are required")
	}

	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM entity_versions
		WHERE tenant = ? AND workspace = ? AND agent = ? AND entity_id = ?
	`, tenant, workspace, agent, entityID).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("entity version: %w", err)
	}
	return version, true, nil
}
