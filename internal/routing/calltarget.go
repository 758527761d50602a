package routing

import "strings"

// CallTarget is one leg of a generated dialplan: either a real ring target
// with its own parameter set, or a bare separator string ("|", "|drop=N",
// "|next=N") that controls how the switch advances between fork ranks.
type CallTarget struct {
	Target     string
	Parameters map[string]string
}

// NewCallTarget builds a CallTarget, defaulting Parameters to an empty map.
func NewCallTarget(target string, parameters map[string]string) CallTarget {
	if parameters == nil {
		parameters = map[string]string{}
	}
	return CallTarget{Target: target, Parameters: parameters}
}

// IsSeparator reports whether this target is a fork-rank separator rather
// than a dialable leg.
func (t CallTarget) IsSeparator() bool {
	return strings.HasPrefix(t.Target, "|")
}

// ResultType distinguishes the three shapes an IntermediateRoutingResult
// can take.
type ResultType int

const (
	ResultSimple ResultType = iota
	ResultFork
	ResultNoRoute
)

// IntermediateRoutingResult is the outcome of routing one node: a single
// target, a fork of targets reachable under a deferred route name, or no
// route at all.
type IntermediateRoutingResult struct {
	Type        ResultType
	Target      CallTarget
	ForkTargets []CallTarget
}

// SimpleResult builds a SIMPLE result.
func SimpleResult(target CallTarget) IntermediateRoutingResult {
	return IntermediateRoutingResult{Type: ResultSimple, Target: target}
}

// ForkResult builds a FORK result, or a NO_ROUTE result if forkTargets is
// empty, matching how the original classifies an empty fork as no route.
func ForkResult(target CallTarget, forkTargets []CallTarget) IntermediateRoutingResult {
	if len(forkTargets) == 0 {
		return IntermediateRoutingResult{Type: ResultNoRoute}
	}
	return IntermediateRoutingResult{Type: ResultFork, Target: target, ForkTargets: forkTargets}
}

// NoRouteResult builds a NO_ROUTE result.
func NoRouteResult() IntermediateRoutingResult {
	return IntermediateRoutingResult{Type: ResultNoRoute}
}

// IsSimple reports whether this result is a single direct target.
func (r IntermediateRoutingResult) IsSimple() bool {
	return r.Type == ResultSimple
}

// IsValid reports whether this result has somewhere to route a call.
func (r IntermediateRoutingResult) IsValid() bool {
	return r.Type != ResultNoRoute
}
