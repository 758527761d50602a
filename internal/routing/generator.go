package routing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/eventphone/routingengine/internal/database/models"
)

// Generator walks a discovered extension tree and turns it into dialplan
// strings: a single target for plain extensions, or a fork-tree rooted at a
// deferred "lateroute/stage1-..." name for anything that needs ringing more
// than one place.
type Generator struct {
	localSwitchHostID int64
	switchHosts       map[int64]models.SwitchHost

	eventphoneID   string
	lateRouteCache map[string]IntermediateRoutingResult
	routingResults map[string]IntermediateRoutingResult
}

// NewGenerator builds a Generator for one call. localSwitchHostID
// identifies this engine's own switch, used to tell a direct-ring target
// from a remote one; switchHosts is the full known-switch table.
func NewGenerator(localSwitchHostID int64, switchHosts map[int64]models.SwitchHost) *Generator {
	return &Generator{
		localSwitchHostID: localSwitchHostID,
		switchHosts:       switchHosts,
		eventphoneID:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		lateRouteCache:    make(map[string]IntermediateRoutingResult),
		routingResults:    make(map[string]IntermediateRoutingResult),
	}
}

// EventphoneID returns the call id stamped onto every leg this generator
// produces.
func (g *Generator) EventphoneID() string { return g.eventphoneID }

// RoutingCacheContent returns the sub-plans that must be written to the
// routing cache under their deferred route names.
func (g *Generator) RoutingCacheContent() map[string]IntermediateRoutingResult {
	return g.lateRouteCache
}

// RoutingResults returns every node visited, keyed by tree identifier, for
// introspection.
func (g *Generator) RoutingResults() map[string]IntermediateRoutingResult {
	return g.routingResults
}

// CalculateRouting generates the routing result for a non-trunk target.
func (g *Generator) CalculateRouting(root *models.Extension) (IntermediateRoutingResult, error) {
	return g.visit(root, nil)
}

// GenerateTrunkRouting generates the routing result for a TRUNK target,
// which always routes directly rather than through the fork-tree algorithm.
func (g *Generator) GenerateTrunkRouting(trunk *models.Extension, dialedNumber string) (IntermediateRoutingResult, error) {
	target, err := g.generateTrunkTarget(trunk, dialedNumber)
	if err != nil {
		return IntermediateRoutingResult{}, err
	}
	return SimpleResult(target), nil
}

func (g *Generator) visit(node *models.Extension, path []int64) (IntermediateRoutingResult, error) {
	result, err := g.visitForRouteCalculation(node, path)
	if err != nil {
		return IntermediateRoutingResult{}, err
	}
	g.routingResults[node.TreeIdentifier] = result
	return result, nil
}

func (g *Generator) visitForRouteCalculation(node *models.Extension, path []int64) (IntermediateRoutingResult, error) {
	localPath := make([]int64, len(path), len(path)+1)
	copy(localPath, path)
	localPath = append(localPath, node.ID)

	if node.ImmediateForward() {
		result, err := g.visit(node.ForwardingExtension, localPath)
		if err != nil {
			return IntermediateRoutingResult{}, err
		}
		stampOriginallyCalled(&result, node.Extension)
		return result, nil
	}

	if nodeHasSimpleRouting(node) {
		target, err := g.generateSimpleRoutingTarget(node)
		if err != nil {
			return IntermediateRoutingResult{}, err
		}
		return SimpleResult(target), nil
	}

	var forkTargets []CallTarget
	accumulatedDelay := 0

	for i := range node.ForkRanks {
		rank := &node.ForkRanks[i]

		if len(forkTargets) > 0 {
			var separator string
			switch rank.Mode {
			case models.RankModeDrop:
				separator = fmt.Sprintf("|drop=%d", intOrZero(rank.Delay))
				accumulatedDelay += intOrZero(rank.Delay)
			case models.RankModeNext:
				separator = fmt.Sprintf("|next=%d", intOrZero(rank.Delay))
				accumulatedDelay += intOrZero(rank.Delay)
			default:
				separator = "|"
				if node.ForwardingMode == models.ForwardingEnabled {
					node.Log("Non time-based fork rank is incompatible with time-based forward. Disabling the forward.", "WARN", nil)
					node.ForwardingMode = models.ForwardingDisabled
				}
			}

			if node.ForwardingMode == models.ForwardingEnabled && accumulatedDelay >= intOrZero(node.ForwardingDelay) {
				node.Log("Fork rank (and following) are ignored due to time-based forward.", "WARN", nil)
				break
			}
			forkTargets = append(forkTargets, NewCallTarget(separator, nil))
		}

		for j := range rank.Members {
			member := &rank.Members[j]
			if !member.Active {
				continue
			}
			memberRoute, err := g.visit(&member.Extension, localPath)
			if err != nil {
				return IntermediateRoutingResult{}, err
			}
			if !memberRoute.IsValid() {
				rank.Log("Extension has no valid (non-empty) routing and is thus ignored.", "WARN", &member.Extension)
				continue
			}
			if member.Type.IsSpecialCalltype() {
				if memberRoute.Target.Parameters == nil {
					memberRoute.Target.Parameters = map[string]string{}
				}
				memberRoute.Target.Parameters["fork.calltype"] = member.Type.ForkCalltype()
			}
			forkTargets = append(forkTargets, memberRoute.Target)
			g.cacheIntermediateResult(memberRoute)
		}

		if len(forkTargets) > 0 && forkTargets[len(forkTargets)-1].Target == "|" {
			forkTargets = forkTargets[:len(forkTargets)-1]
			rank.Log("This created an empty default rank. It will be removed to prevent call hang.", "WARN", nil)
		}
	}

	if node.Type == models.ExtensionMultiring || node.Type == models.ExtensionSimple {
		if len(node.ForkRanks) > 0 {
			first := node.ForkRanks[0]
			switch first.Mode {
			case models.RankModeNext:
				forkTargets = append([]CallTarget{NewCallTarget(fmt.Sprintf("|next=%d", intOrZero(first.Delay)), nil)}, forkTargets...)
			case models.RankModeDrop:
				forkTargets = append([]CallTarget{NewCallTarget(fmt.Sprintf("|drop=%d", intOrZero(first.Delay)), nil)}, forkTargets...)
			}
		}
		selfTarget, err := g.generateSimpleRoutingTarget(node)
		if err != nil {
			return IntermediateRoutingResult{}, err
		}
		forkTargets = append([]CallTarget{selfTarget}, forkTargets...)
	}

	if node.ForwardingMode == models.ForwardingOnBusy {
		for i := range forkTargets {
			if !forkTargets[i].IsSeparator() {
				if forkTargets[i].Parameters == nil {
					forkTargets[i].Parameters = map[string]string{}
				}
				forkTargets[i].Parameters["osip_X-No-Call-Wait"] = "1"
			}
		}
	}

	forwardedEnabled := false
	if node.ForwardingMode == models.ForwardingEnabled || node.ForwardingMode == models.ForwardingOnBusy || node.ForwardingMode == models.ForwardingOnUnavailable {
		forwardingRoute, err := g.visit(node.ForwardingExtension, localPath)
		if err != nil {
			return IntermediateRoutingResult{}, err
		}
		if node.ForwardingMode == models.ForwardingEnabled {
			fwdDelay := intOrZero(node.ForwardingDelay) - accumulatedDelay
			forkTargets = append(forkTargets, NewCallTarget(fmt.Sprintf("|drop=%d", fwdDelay), nil))
			forwardedEnabled = true
		} else {
			forkTargets = append(forkTargets, NewCallTarget("|", nil))
		}
		forkTargets = append(forkTargets, forwardingRoute.Target)
		g.cacheIntermediateResult(forwardingRoute)
	}

	routeTarget := g.makeCallTarget(g.generateDeferredRouteString(localPath), nil)
	result := ForkResult(routeTarget, forkTargets)
	if forwardedEnabled {
		stampOriginallyCalled(&result, node.Extension)
	}
	return result, nil
}

// stampOriginallyCalled records the extension whose time-based or immediate
// forward produced result, onto result's envelope parameters, so the switch
// can tell the eventual leg apart from the number actually dialed.
func stampOriginallyCalled(result *IntermediateRoutingResult, originalExtension string) {
	if result.Target.Parameters == nil {
		result.Target.Parameters = map[string]string{}
	}
	result.Target.Parameters["x_originally_called"] = originalExtension
	result.Target.Parameters["osip_X-Originally-Called"] = originalExtension
}

// nodeHasSimpleRouting reports whether node routes to a single direct
// target rather than needing a fork-tree.
func nodeHasSimpleRouting(node *models.Extension) bool {
	if node.Type == models.ExtensionExternal {
		return true
	}
	if node.ImmediateForward() {
		return nodeHasSimpleRouting(node.ForwardingExtension)
	}
	switch node.Type {
	case models.ExtensionSimple:
		return node.ForwardingMode == models.ForwardingDisabled
	case models.ExtensionMultiring:
		if node.HasActiveGroupMembers() {
			return false
		}
		return node.ForwardingMode == models.ForwardingDisabled
	default:
		return false
	}
}

func (g *Generator) generateSimpleRoutingTarget(node *models.Extension) (CallTarget, error) {
	if node.Type == models.ExtensionExternal {
		return g.makeCallTarget("lateroute/"+node.Extension, map[string]string{"eventphone_stage2": "1"}), nil
	}
	if node.SwitchHostID == nil {
		return CallTarget{}, NewError(CodeFailure, "extension %s is misconfigured: no switch host assigned", node.Extension)
	}
	if *node.SwitchHostID == g.localSwitchHostID {
		return g.makeCallTarget("lateroute/"+node.Extension, map[string]string{"eventphone_stage2": "1"}), nil
	}
	host, ok := g.switchHosts[*node.SwitchHostID]
	if !ok {
		return CallTarget{}, NewError(CodeFailure, "extension %s references unknown switch host %d", node.Extension, *node.SwitchHostID)
	}
	return g.makeCallTarget(
		fmt.Sprintf("sip/sip:%s@%s", node.Extension, host.Hostname),
		map[string]string{"oconnection_id": host.VoipListener},
	), nil
}

func (g *Generator) generateTrunkTarget(trunk *models.Extension, dialedNumber string) (CallTarget, error) {
	if trunk.SwitchHostID == nil {
		return CallTarget{}, NewError(CodeFailure, "trunk extension %s is misconfigured: no switch host assigned", trunk.Extension)
	}
	if *trunk.SwitchHostID == g.localSwitchHostID {
		return g.makeCallTarget("lateroute/"+dialedNumber, map[string]string{"eventphone_stage2": "1"}), nil
	}
	host, ok := g.switchHosts[*trunk.SwitchHostID]
	if !ok {
		return CallTarget{}, NewError(CodeFailure, "trunk extension %s references unknown switch host %d", trunk.Extension, *trunk.SwitchHostID)
	}
	return g.makeCallTarget(
		fmt.Sprintf("sip/sip:%s@%s", dialedNumber, host.Hostname),
		map[string]string{"oconnection_id": host.VoipListener},
	), nil
}

func (g *Generator) generateDeferredRouteString(path []int64) string {
	return "lateroute/" + g.generateNodeRouteString(path)
}

func (g *Generator) generateNodeRouteString(path []int64) string {
	parts := make([]string, len(path))
	for i, id := range path {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "stage1-" + g.eventphoneID + "-" + strings.Join(parts, "-")
}

func (g *Generator) makeCallTarget(target string, parameters map[string]string) CallTarget {
	if parameters == nil {
		parameters = map[string]string{}
	}
	parameters["x_eventphone_id"] = g.eventphoneID
	parameters["osip_X-Eventphone-Id"] = g.eventphoneID
	return CallTarget{Target: target, Parameters: parameters}
}

func (g *Generator) cacheIntermediateResult(result IntermediateRoutingResult) {
	if !result.IsSimple() {
		g.lateRouteCache[result.Target.Target] = result
	}
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
