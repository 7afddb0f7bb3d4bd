package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/meshforge/runtime/internal/envelope"
)

// Replay returns every output envelope an agent has ever emitted within a
// scope, in append order. Re-applying this stream to a fresh adapter state
// reproduces the exact state the live path produced.
//
// Input records are intentionally excluded: they exist for audit, but state
// is a function of outputs only.
func (s *Store) Replay(ctx context.Context, tenant, workspace, agent string) ([]envelope.Envelope, error) {
	if tenant == "" || workspace == "" {
		return nil, fmt.Errorf("replay: tenant and workspace are required")
	}

	rows, err := s.queryContext(ctx, `
		SELECT envelope_json FROM events
		WHERE tenant = ? AND workspace = ? AND agent = ? AND kind = ?
		ORDER BY id ASC
	`, tenant, workspace, agent, kindOutput)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	defer rows.Close()

	return scanEnvelopes(rows)
}

func scanEnvelopes(rows *sql.Rows) ([]envelope.Envelope, error) {
	var out []envelope.Envelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		env, err := envelope.Decode([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode stored envelope: %w", err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate envelopes: %w", err)
	}
	return out, nil
}
