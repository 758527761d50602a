package routing

import (
	"context"

	"github.com/eventphone/routingengine/internal/database"
	"github.com/eventphone/routingengine/internal/database/models"
)

// fakeExtensionRepo is an in-memory database.ExtensionRepository for tests,
// keyed by extension number.
type fakeExtensionRepo struct {
	byExtension map[string]models.Extension
	byID        map[int64]models.Extension
	forkRanks   map[int64][]models.ForkRank // keyed by owning extension id
}

func newFakeExtensionRepo() *fakeExtensionRepo {
	return &fakeExtensionRepo{
		byExtension: make(map[string]models.Extension),
		byID:        make(map[int64]models.Extension),
		forkRanks:   make(map[int64][]models.ForkRank),
	}
}

func (r *fakeExtensionRepo) add(e models.Extension) models.Extension {
	r.byExtension[e.Extension] = e
	r.byID[e.ID] = e
	return e
}

func (r *fakeExtensionRepo) setForkRanks(extensionID int64, ranks []models.ForkRank) {
	r.forkRanks[extensionID] = ranks
}

func (r *fakeExtensionRepo) LoadExtension(ctx context.Context, extension string) (*models.Extension, error) {
	e, ok := r.byExtension[extension]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := e
	return &copied, nil
}

func (r *fakeExtensionRepo) LoadTrunkExtension(ctx context.Context, dialedNumber string) (*models.Extension, error) {
	var match *models.Extension
	for _, e := range r.byExtension {
		if e.Type != models.ExtensionTrunk {
			continue
		}
		if len(dialedNumber) >= len(e.Extension) && dialedNumber[:len(e.Extension)] == e.Extension {
			if match != nil {
				return nil, database.ErrNotFound
			}
			copied := e
			match = &copied
		}
	}
	if match == nil {
		return nil, database.ErrNotFound
	}
	return match, nil
}

func (r *fakeExtensionRepo) LoadForwardingExtension(ctx context.Context, ext *models.Extension) (*models.Extension, error) {
	if ext.ForwardingExtensionID == nil {
		return nil, database.ErrNotFound
	}
	e, ok := r.byID[*ext.ForwardingExtensionID]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := e
	return &copied, nil
}

func (r *fakeExtensionRepo) PopulateForkRanks(ctx context.Context, ext *models.Extension) error {
	ranks := r.forkRanks[ext.ID]
	out := make([]models.ForkRank, len(ranks))
	for i, rank := range ranks {
		members := make([]models.RankMember, len(rank.Members))
		for j, m := range rank.Members {
			full, ok := r.byID[m.Extension.ID]
			if ok {
				m.Extension = full
			}
			members[j] = m
		}
		rank.Members = members
		out[i] = rank
	}
	ext.ForkRanks = out
	return nil
}
