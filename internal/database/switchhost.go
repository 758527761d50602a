package database

import (
	"context"
	"fmt"

	"github.com/eventphone/routingengine/internal/database/models"
)

// switchHostRepo implements SwitchHostRepository.
type switchHostRepo struct {
	db *DB
}

// NewSwitchHostRepository creates a new SwitchHostRepository.
func NewSwitchHostRepository(db *DB) SwitchHostRepository {
	return &switchHostRepo{db: db}
}

// LoadAll returns every known switch host, keyed by id.
func (r *switchHostRepo) LoadAll(ctx context.Context) (map[int64]models.SwitchHost, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, hostname, identifier, voip_listener FROM switch_hosts`)
	if err != nil {
		return nil, fmt.Errorf("querying switch hosts: %w", err)
	}
	defer rows.Close()

	hosts := make(map[int64]models.SwitchHost)
	for rows.Next() {
		var h models.SwitchHost
		if err := rows.Scan(&h.ID, &h.Hostname, &h.Identifier, &h.VoipListener); err != nil {
			return nil, fmt.Errorf("scanning switch host row: %w", err)
		}
		hosts[h.ID] = h
	}
	return hosts, rows.Err()
}
