package routing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/eventphone/routingengine/internal/database"
	"github.com/eventphone/routingengine/internal/database/models"
)

// DefaultMaxDepth bounds how deep the discovery walk follows forwards and
// fork ranks before giving up on a pathological configuration.
const DefaultMaxDepth = 10

// DiscoveryVisitor walks an extension's forward chain and fork ranks,
// loading each node occurrence fresh from the database and pruning any
// cycle it finds so the generator never recurses forever.
type DiscoveryVisitor struct {
	extensions database.ExtensionRepository
	maxDepth   int

	excludedTargets map[string]bool
	failed          bool
	pruned          bool
}

// NewDiscoveryVisitor builds a DiscoveryVisitor. excludedTargets seeds the
// cycle-detection path with extension numbers that must never reappear
// (the call's own source extension, typically).
func NewDiscoveryVisitor(extensions database.ExtensionRepository, excludedTargets []string, maxDepth int) *DiscoveryVisitor {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	excluded := make(map[string]bool, len(excludedTargets))
	for _, t := range excludedTargets {
		excluded[t] = true
	}
	return &DiscoveryVisitor{extensions: extensions, maxDepth: maxDepth, excludedTargets: excluded}
}

// Failed reports whether the walk aborted somewhere due to the depth limit.
func (v *DiscoveryVisitor) Failed() bool { return v.failed }

// Pruned reports whether the walk disabled a forward or fork member to
// break a cycle.
func (v *DiscoveryVisitor) Pruned() bool { return v.pruned }

// DiscoverTree walks root and everything it reaches.
func (v *DiscoveryVisitor) DiscoverTree(ctx context.Context, root *models.Extension) error {
	root.TreeIdentifier = strconv.FormatInt(root.ID, 10)
	path := make([]string, 0, len(v.excludedTargets))
	for t := range v.excludedTargets {
		path = append(path, t)
	}
	return v.visit(ctx, root, 0, path)
}

func (v *DiscoveryVisitor) visit(ctx context.Context, node *models.Extension, depth int, pathExtensions []string) error {
	if depth >= v.maxDepth {
		node.Log(fmt.Sprintf("Routing aborted due to depth limit at %s", node.Extension), "ERROR", nil)
		v.failed = true
		return nil
	}

	pathLocal := make([]string, len(pathExtensions), len(pathExtensions)+1)
	copy(pathLocal, pathExtensions)
	pathLocal = append(pathLocal, node.Extension)

	if node.Type != models.ExtensionExternal && node.ForwardingMode != models.ForwardingDisabled {
		fwd, err := v.extensions.LoadForwardingExtension(ctx, node)
		switch {
		case err == nil:
			if node.TreeIdentifier != "" {
				fwd.TreeIdentifier = node.TreeIdentifier + "-" + strconv.FormatInt(fwd.ID, 10)
			}
			node.ForwardingExtension = fwd
		case errors.Is(err, database.ErrNotFound):
			// schema guarantees a forwarding extension whenever
			// forwarding is enabled; nothing to do if it's missing.
		default:
			return fmt.Errorf("loading forwarding extension for %s: %w", node.Extension, err)
		}
	}

	needsForkRanks := node.Type == models.ExtensionGroup || node.Type == models.ExtensionMultiring
	immediateForward := node.ForwardingMode == models.ForwardingEnabled && node.ForwardingDelay != nil && *node.ForwardingDelay == 0
	if needsForkRanks && !immediateForward {
		if err := v.extensions.PopulateForkRanks(ctx, node); err != nil {
			return fmt.Errorf("populating fork ranks for %s: %w", node.Extension, err)
		}
		for i := range node.ForkRanks {
			rank := &node.ForkRanks[i]
			if node.TreeIdentifier != "" {
				rank.TreeIdentifier = node.TreeIdentifier + "-fr" + strconv.FormatInt(rank.ID, 10)
			}
			for j := range rank.Members {
				member := &rank.Members[j]
				if rank.TreeIdentifier != "" {
					member.Extension.TreeIdentifier = rank.TreeIdentifier + "-" + strconv.FormatInt(member.Extension.ID, 10)
				}
			}
		}
	}

	if node.ForwardingExtension != nil {
		fwd := node.ForwardingExtension
		if !contains(pathLocal, fwd.Extension) {
			if err := v.visit(ctx, fwd, depth+1, pathLocal); err != nil {
				return err
			}
		} else {
			v.pruned = true
			node.Log(fmt.Sprintf(
				"Discovery aborted for forward to %s, was already present.\nDisabling Forward", fwd.Extension),
				"WARN", fwd)
			node.ForwardingMode = models.ForwardingDisabled
		}
	}

	for i := range node.ForkRanks {
		rank := &node.ForkRanks[i]
		for j := range rank.Members {
			member := &rank.Members[j]
			if !member.Active {
				continue
			}
			ext := &member.Extension
			if !contains(pathLocal, ext.Extension) {
				if err := v.visit(ctx, ext, depth+1, pathLocal); err != nil {
					return err
				}
			} else {
				v.pruned = true
				rank.Log(fmt.Sprintf(
					"Discovery aborted for %s, was already present.\nTemporarily disable membership for this routing.",
					ext.Extension), "WARN", ext)
				member.Active = false
			}
		}
	}
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
