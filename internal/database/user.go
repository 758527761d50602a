package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/eventphone/routingengine/internal/database/models"
)

// userRepo implements UserRepository against the stage-2 database.
type userRepo struct {
	db *DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *DB) UserRepository {
	return &userRepo{db: db}
}

const userColumns = `username, displayname, inuse, type,
	COALESCE(static_target, ''), COALESCE(dect_displaymode::text, ''), trunk, call_waiting`

// LoadUser returns the user matching username.
func (r *userRepo) LoadUser(ctx context.Context, username string) (*models.User, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username,
	))
}

// LoadTrunk returns the trunk user whose username prefix dialedNumber
// starts with.
func (r *userRepo) LoadTrunk(ctx context.Context, dialedNumber string) (*models.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE trunk = TRUE AND $1 LIKE username || '%'`, dialedNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("querying trunk user: %w", err)
	}
	defer rows.Close()

	var matches []models.User
	for rows.Next() {
		u, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("trunk misconfiguration led to multiple results for %q: %w", dialedNumber, ErrNotFound)
	}
}

func (r *userRepo) scanOne(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.Username, &u.DisplayName, &u.InUse, &u.Type,
		&u.StaticTarget, &u.DectDisplayMode, &u.Trunk, &u.CallWaiting)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

func (r *userRepo) scanRow(rows *sql.Rows) (*models.User, error) {
	var u models.User
	err := rows.Scan(&u.Username, &u.DisplayName, &u.InUse, &u.Type,
		&u.StaticTarget, &u.DectDisplayMode, &u.Trunk, &u.CallWaiting)
	if err != nil {
		return nil, fmt.Errorf("scanning user row: %w", err)
	}
	return &u, nil
}
