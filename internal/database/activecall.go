package database

import (
	"context"
	"fmt"
)

// activeCallRepo implements ActiveCallRepository against the stage-2
// database.
type activeCallRepo struct {
	db *DB
}

// NewActiveCallRepository creates a new ActiveCallRepository.
func NewActiveCallRepository(db *DB) ActiveCallRepository {
	return &activeCallRepo{db: db}
}

// IsActiveCall reports whether eventphoneID is already ringing or connected
// at username.
func (r *activeCallRepo) IsActiveCall(ctx context.Context, username, eventphoneID string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM active_calls WHERE username = $1 AND x_eventphone_id = $2`,
		username, eventphoneID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking active call: %w", err)
	}
	return count > 0, nil
}
