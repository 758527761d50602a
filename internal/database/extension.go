package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/eventphone/routingengine/internal/database/models"
)

// extensionRepo implements ExtensionRepository against the stage-1 database.
type extensionRepo struct {
	db *DB
}

// NewExtensionRepository creates a new ExtensionRepository.
func NewExtensionRepository(db *DB) ExtensionRepository {
	return &extensionRepo{db: db}
}

const extensionColumns = `id, switch_host_id, extension, name, short_name, type,
	outgoing_extension, outgoing_name, dialout_allowed, ringback,
	forwarding_mode, forwarding_delay, forwarding_extension_id, lang`

// LoadExtension returns the extension matching the dialed number.
func (r *extensionRepo) LoadExtension(ctx context.Context, extension string) (*models.Extension, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+extensionColumns+` FROM extensions WHERE extension = $1`, extension,
	))
}

// LoadTrunkExtension returns the TRUNK extension whose prefix dialedNumber
// starts with.
func (r *extensionRepo) LoadTrunkExtension(ctx context.Context, dialedNumber string) (*models.Extension, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+extensionColumns+` FROM extensions
		 WHERE type = 'TRUNK' AND $1 LIKE extension || '%'`, dialedNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("querying trunk extension: %w", err)
	}
	defer rows.Close()

	var matches []models.Extension
	for rows.Next() {
		e, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, *e)
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

// LoadForwardingExtension resolves ext's forwarding target.
func (r *extensionRepo) LoadForwardingExtension(ctx context.Context, ext *models.Extension) (*models.Extension, error) {
	if ext.ForwardingExtensionID == nil {
		return nil, ErrNotFound
	}
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+extensionColumns+` FROM extensions WHERE id = $1`, *ext.ForwardingExtensionID,
	))
}

// PopulateForkRanks fills in ext.ForkRanks, including each member's nested
// Extension, ordered by rank index.
func (r *extensionRepo) PopulateForkRanks(ctx context.Context, ext *models.Extension) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT fr.id, fr.index, fr.mode, fr.delay,
		        frm.rankmember_type, frm.active,
		        `+extensionColumns+`
		 FROM fork_ranks fr
		 JOIN fork_rank_members frm ON frm.forkrank_id = fr.id
		 JOIN extensions ON extensions.id = frm.extension_id
		 WHERE fr.extension_id = $1
		 ORDER BY fr.index`, ext.ID,
	)
	if err != nil {
		return fmt.Errorf("querying fork ranks: %w", err)
	}
	defer rows.Close()

	ext.ForkRanks = nil
	ranksByID := make(map[int64]*models.ForkRank)
	var order []int64

	for rows.Next() {
		var (
			rankID                 int64
			index                  int
			mode                   models.ForkRankMode
			delay                  sql.NullInt64
			memberType             models.RankMemberType
			active                 bool
			memberExt              models.Extension
			memberSwitchHostID     sql.NullInt64
			memberForwardingDelay  sql.NullInt64
			memberForwardExtID     sql.NullInt64
		)
		if err := rows.Scan(
			&rankID, &index, &mode, &delay,
			&memberType, &active,
			&memberExt.ID, &memberSwitchHostID, &memberExt.Extension, &memberExt.Name,
			&memberExt.ShortName, &memberExt.Type, &memberExt.OutgoingExtension,
			&memberExt.OutgoingName, &memberExt.DialoutAllowed, &memberExt.Ringback,
			&memberExt.ForwardingMode, &memberForwardingDelay, &memberForwardExtID,
			&memberExt.Lang,
		); err != nil {
			return fmt.Errorf("scanning fork rank row: %w", err)
		}
		if memberSwitchHostID.Valid {
			v := memberSwitchHostID.Int64
			memberExt.SwitchHostID = &v
		}
		if memberForwardingDelay.Valid {
			v := int(memberForwardingDelay.Int64)
			memberExt.ForwardingDelay = &v
		}
		if memberForwardExtID.Valid {
			v := memberForwardExtID.Int64
			memberExt.ForwardingExtensionID = &v
		}

		rank, ok := ranksByID[rankID]
		if !ok {
			rank = &models.ForkRank{ID: rankID, ExtensionID: ext.ID, Index: index, Mode: mode}
			if delay.Valid {
				v := int(delay.Int64)
				rank.Delay = &v
			}
			ranksByID[rankID] = rank
			order = append(order, rankID)
		}
		rank.Members = append(rank.Members, models.RankMember{
			Type:      memberType,
			Active:    active,
			Extension: memberExt,
		})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range order {
		ext.ForkRanks = append(ext.ForkRanks, *ranksByID[id])
	}
	return nil
}

func (r *extensionRepo) scanOne(row *sql.Row) (*models.Extension, error) {
	var e models.Extension
	var switchHostID sql.NullInt64
	var forwardingDelay sql.NullInt64
	var forwardingExtensionID sql.NullInt64

	err := row.Scan(&e.ID, &switchHostID, &e.Extension, &e.Name, &e.ShortName, &e.Type,
		&e.OutgoingExtension, &e.OutgoingName, &e.DialoutAllowed, &e.Ringback,
		&e.ForwardingMode, &forwardingDelay, &forwardingExtensionID, &e.Lang)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning extension: %w", err)
	}
	if switchHostID.Valid {
		v := switchHostID.Int64
		e.SwitchHostID = &v
	}
	if forwardingDelay.Valid {
		v := int(forwardingDelay.Int64)
		e.ForwardingDelay = &v
	}
	if forwardingExtensionID.Valid {
		v := forwardingExtensionID.Int64
		e.ForwardingExtensionID = &v
	}
	return &e, nil
}

func (r *extensionRepo) scanRow(rows *sql.Rows) (*models.Extension, error) {
	var e models.Extension
	var switchHostID sql.NullInt64
	var forwardingDelay sql.NullInt64
	var forwardingExtensionID sql.NullInt64

	err := rows.Scan(&e.ID, &switchHostID, &e.Extension, &e.Name, &e.ShortName, &e.Type,
		&e.OutgoingExtension, &e.OutgoingName, &e.DialoutAllowed, &e.Ringback,
		&e.ForwardingMode, &forwardingDelay, &forwardingExtensionID, &e.Lang)
	if err != nil {
		return nil, fmt.Errorf("scanning extension row: %w", err)
	}
	if switchHostID.Valid {
		v := switchHostID.Int64
		e.SwitchHostID = &v
	}
	if forwardingDelay.Valid {
		v := int(forwardingDelay.Int64)
		e.ForwardingDelay = &v
	}
	if forwardingExtensionID.Valid {
		v := forwardingExtensionID.Int64
		e.ForwardingExtensionID = &v
	}
	return &e, nil
}
