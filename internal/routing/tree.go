package routing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/eventphone/routingengine/internal/database"
	"github.com/eventphone/routingengine/internal/database/models"
)

// Tree orchestrates one call's stage-1 routing: loading the source and
// target extensions, discovering the reachable graph, generating the
// dialplan, and stamping ringback and caller/callee parameters onto it.
type Tree struct {
	extensions        database.ExtensionRepository
	switchHosts       map[int64]models.SwitchHost
	localSwitchHostID int64
	maxDepth          int
	ringbackDir       string

	sourceExtension string
	targetExtension string

	Source *models.Extension
	Target *models.Extension
}

// NewTree builds a Tree for routing sourceExtension -> targetExtension.
func NewTree(extensions database.ExtensionRepository, switchHosts map[int64]models.SwitchHost, localSwitchHostID int64, maxDepth int, ringbackDir, sourceExtension, targetExtension string) *Tree {
	return &Tree{
		extensions:        extensions,
		switchHosts:       switchHosts,
		localSwitchHostID: localSwitchHostID,
		maxDepth:          maxDepth,
		ringbackDir:       ringbackDir,
		sourceExtension:   sourceExtension,
		targetExtension:   targetExtension,
	}
}

// LoadSourceAndTarget resolves the source and target extensions. An
// unregistered source is synthesized as Unknown rather than failing the
// call; an unresolvable target first falls back to a trunk-prefix match,
// and only then fails with a "noroute" Error. If Source has already been
// set (e.g. by a caller that resolved it under its own sanitization rules,
// such as the Stage-1 task), the source load is skipped.
func (t *Tree) LoadSourceAndTarget(ctx context.Context) error {
	if t.Source == nil {
		source, err := t.extensions.LoadExtension(ctx, t.sourceExtension)
		switch {
		case err == nil:
			t.Source = source
		case errors.Is(err, database.ErrNotFound):
			t.Source = models.CreateUnknown(t.sourceExtension)
		default:
			return fmt.Errorf("loading source extension %q: %w", t.sourceExtension, err)
		}
	}

	target, err := t.extensions.LoadExtension(ctx, t.targetExtension)
	if err == nil {
		target.TreeIdentifier = strconv.FormatInt(target.ID, 10)
		t.Target = target
		return nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("loading target extension %q: %w", t.targetExtension, err)
	}

	trunk, err := t.extensions.LoadTrunkExtension(ctx, t.targetExtension)
	if err == nil {
		trunk.TreeIdentifier = strconv.FormatInt(trunk.ID, 10)
		t.Target = trunk
		return nil
	}
	if errors.Is(err, database.ErrNotFound) {
		return NewError(CodeNoRoute, "routing target was not found")
	}
	return fmt.Errorf("loading trunk extension for %q: %w", t.targetExtension, err)
}

// DiscoverTree walks the target's reachable graph, unless the target is a
// trunk (trunks never need tree discovery — they always route directly).
func (t *Tree) DiscoverTree(ctx context.Context) (*DiscoveryVisitor, error) {
	if t.Target.Type == models.ExtensionTrunk {
		return nil, nil
	}
	visitor := NewDiscoveryVisitor(t.extensions, []string{t.Source.Extension}, t.maxDepth)
	if err := visitor.DiscoverTree(ctx, t.Target); err != nil {
		return nil, err
	}
	return visitor, nil
}

// CalculateRouting generates the dialplan for the target, applies ringback
// and caller/callee parameters, and returns the resulting routing result
// plus the sub-plans that must be written to the routing cache.
func (t *Tree) CalculateRouting(sourceParams map[string]string) (IntermediateRoutingResult, map[string]IntermediateRoutingResult, error) {
	generator := NewGenerator(t.localSwitchHostID, t.switchHosts)

	var result IntermediateRoutingResult
	var err error
	if t.Target.Type == models.ExtensionTrunk {
		result, err = generator.GenerateTrunkRouting(t.Target, t.targetExtension)
	} else {
		result, err = generator.CalculateRouting(t.Target)
	}
	if err != nil {
		return IntermediateRoutingResult{}, nil, err
	}
	if !result.IsValid() {
		return IntermediateRoutingResult{}, nil, NewError(CodeNoRoute, "the main routing target returned NO_ROUTE")
	}

	cache := generator.RoutingCacheContent()
	result = t.provideRingback(result, cache)
	t.populateParameters(&result, cache, sourceParams)

	return result, cache, nil
}

func (t *Tree) provideRingback(result IntermediateRoutingResult, cache map[string]IntermediateRoutingResult) IntermediateRoutingResult {
	if t.Target.Ringback == "" {
		return result
	}
	ringbackPath := filepath.Join(t.ringbackDir, t.Target.Ringback) + ".slin"
	if _, err := os.Stat(ringbackPath); err != nil {
		return result
	}
	ringbackTarget := makeRingbackTarget(ringbackPath)
	if result.IsSimple() {
		return ForkResult(
			NewCallTarget("fork", result.Target.Parameters),
			[]CallTarget{ringbackTarget, result.Target},
		)
	}
	result.ForkTargets = append([]CallTarget{ringbackTarget}, result.ForkTargets...)
	return result
}

func makeRingbackTarget(path string) CallTarget {
	return NewCallTarget("wave/play/"+path, map[string]string{
		"fork.calltype":   "persistent",
		"fork.autoring":   "true",
		"fork.automessage": "call.progress",
	})
}

func (t *Tree) populateParameters(result *IntermediateRoutingResult, cache map[string]IntermediateRoutingResult, sourceParams map[string]string) {
	if t.Target.Name != "" {
		sourceParams["calledname"] = t.Target.Name
	}
	if t.Target.Type == models.ExtensionGroup && t.Target.ShortName != "" {
		callername := sourceParams["callername"]
		if callername == "" {
			callername = t.Source.Name
		}
		sourceParams["callername"] = fmt.Sprintf("[%s] %s", t.Target.ShortName, callername)
	}

	mergeParameters(result.Target.Parameters, sourceParams)
	for _, entry := range cache {
		mergeParameters(entry.Target.Parameters, sourceParams)
	}
}

func mergeParameters(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}
