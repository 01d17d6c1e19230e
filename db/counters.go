package db

import (
	"context"
	"database/sql"
	"time"
)

// Counter is one named tally for a tenant (deaths, swears, bits, ...).
type Counter struct {
	Name      string    `json:"name"`
	Value     int64     `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IncrementCounter adds delta to a counter (creating it at delta when absent)
// and returns the new value. Delta may be negative.
func (s *Store) IncrementCounter(ctx context.Context, tenantID, name string, delta int64) (int64, error) {
	row := s.DB.QueryRowContext(ctx,
		`INSERT INTO counters (tenant_id, name, value, updated_at) VALUES ($1,$2,$3,NOW())
		 ON CONFLICT (tenant_id, name) DO UPDATE SET value=counters.value+$3, updated_at=NOW()
		 RETURNING value`,
		tenantID, name, delta)
	var v int64
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// SetCounter forces a counter to an exact value.
func (s *Store) SetCounter(ctx context.Context, tenantID, name string, value int64) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO counters (tenant_id, name, value, updated_at) VALUES ($1,$2,$3,NOW())
		 ON CONFLICT (tenant_id, name) DO UPDATE SET value=$3, updated_at=NOW()`,
		tenantID, name, value)
	return err
}

// GetCounter returns the current value of one counter (0 when absent).
func (s *Store) GetCounter(ctx context.Context, tenantID, name string) (int64, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT value FROM counters WHERE tenant_id=$1 AND name=$2`, tenantID, name)
	var v int64
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return v, nil
}

// ListCounters returns all counters for a tenant ordered by name.
func (s *Store) ListCounters(ctx context.Context, tenantID string) ([]Counter, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT name, value, updated_at FROM counters WHERE tenant_id=$1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Counter, 0)
	for rows.Next() {
		var c Counter
		if err := rows.Scan(&c.Name, &c.Value, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
