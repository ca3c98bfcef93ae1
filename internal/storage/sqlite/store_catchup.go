package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/signalmesh/internal/delivery/catchup"
)

// CatchUpStorage returns this store as a catch-up state storage.
func (s *Store) CatchUpStorage() catchup.Storage {
	return (*catchUpStore)(s)
}

type catchUpStore Store

// Read implements catchup.Storage.
func (s *catchUpStore) Read(ctx context.Context, id string) (catchup.State, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT state FROM catchup_states WHERE id = ?`, id)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catchup.State{}, fmt.Errorf("catch-up state %s not found", id)
		}
		return catchup.State{}, fmt.Errorf("read catch-up state %s: %w", id, err)
	}
	return decodeCatchUpState(raw)
}

// Write implements catchup.Storage.
func (s *catchUpStore) Write(ctx context.Context, state catchup.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode catch-up state %s: %w", state.ID, err)
	}
	const upsertSQL = `
INSERT INTO catchup_states (id, projection_type, state, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    projection_type = excluded.projection_type,
    state = excluded.state,
    updated_at = excluded.updated_at
`
	if _, err := s.sqlDB.ExecContext(ctx, upsertSQL,
		state.ID,
		string(state.ProjectionType),
		raw,
		toNanos(time.Now()),
	); err != nil {
		return fmt.Errorf("write catch-up state %s: %w", state.ID, err)
	}
	return nil
}

// ReadAll implements catchup.Storage.
func (s *catchUpStore) ReadAll(ctx context.Context) ([]catchup.State, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT state FROM catchup_states`)
	if err != nil {
		return nil, fmt.Errorf("read catch-up states: %w", err)
	}
	defer rows.Close()
	var out []catchup.State
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan catch-up state: %w", err)
		}
		state, err := decodeCatchUpState(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catch-up states: %w", err)
	}
	return out, nil
}

func decodeCatchUpState(raw []byte) (catchup.State, error) {
	var state catchup.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return catchup.State{}, fmt.Errorf("decode catch-up state: %w", err)
	}
	return state, nil
}
