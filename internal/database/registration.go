package database

import (
	"context"
	"fmt"

	"github.com/eventphone/routingengine/internal/database/models"
)

// registrationRepo implements RegistrationRepository against the stage-2
// database.
type registrationRepo struct {
	db *DB
}

// NewRegistrationRepository creates a new RegistrationRepository.
func NewRegistrationRepository(db *DB) RegistrationRepository {
	return &registrationRepo{db: db}
}

// LoadLocationsFor returns every registration for username.
func (r *registrationRepo) LoadLocationsFor(ctx context.Context, username string) ([]models.Registration, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, username, location, oconnection_id, expires
		 FROM registrations WHERE username = $1`, username,
	)
	if err != nil {
		return nil, fmt.Errorf("querying registrations for %q: %w", username, err)
	}
	defer rows.Close()

	var regs []models.Registration
	for rows.Next() {
		var reg models.Registration
		if err := rows.Scan(&reg.ID, &reg.Username, &reg.Location, &reg.OConnectionID, &reg.Expires); err != nil {
			return nil, fmt.Errorf("scanning registration row: %w", err)
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}
