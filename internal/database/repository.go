package database

import (
	"context"
	"errors"

	"github.com/eventphone/routingengine/internal/database/models"
)

// ErrNotFound is returned by repository lookups that find no matching row.
var ErrNotFound = errors.New("not found")

// SwitchHostRepository loads known call-switch instances, used to tell a
// direct-ring target on the local switch apart from a remote one.
type SwitchHostRepository interface {
	LoadAll(ctx context.Context) (map[int64]models.SwitchHost, error)
}

// ExtensionRepository manages the stage-1 extension graph: plain
// extensions, their forward targets, and their fork ranks.
type ExtensionRepository interface {
	// LoadExtension returns the extension matching the dialed number,
	// or ErrNotFound if none exists.
	LoadExtension(ctx context.Context, extension string) (*models.Extension, error)

	// LoadTrunkExtension returns the TRUNK extension whose prefix the
	// dialed number starts with, or ErrNotFound if none (or more than
	// one) matches.
	LoadTrunkExtension(ctx context.Context, dialedNumber string) (*models.Extension, error)

	// LoadForwardingExtension resolves ext's forwarding target.
	LoadForwardingExtension(ctx context.Context, ext *models.Extension) (*models.Extension, error)

	// PopulateForkRanks fills in ext.ForkRanks, including each member's
	// nested Extension.
	PopulateForkRanks(ctx context.Context, ext *models.Extension) error
}

// UserRepository manages stage-2 dial-in users and trunk owners.
type UserRepository interface {
	// LoadUser returns the user matching username, or ErrNotFound.
	LoadUser(ctx context.Context, username string) (*models.User, error)

	// LoadTrunk returns the trunk user whose username prefix matches
	// dialedNumber, or ErrNotFound if none (or more than one) matches.
	LoadTrunk(ctx context.Context, dialedNumber string) (*models.User, error)
}

// RegistrationRepository manages stage-2 registered locations.
type RegistrationRepository interface {
	// LoadLocationsFor returns every registration for username.
	LoadLocationsFor(ctx context.Context, username string) ([]models.Registration, error)
}

// ActiveCallRepository tracks in-flight calls for duplicate-leg detection.
type ActiveCallRepository interface {
	// IsActiveCall reports whether eventphoneID is already ringing or
	// connected at username.
	IsActiveCall(ctx context.Context, username, eventphoneID string) (bool, error)
}
