// Package stage1 orchestrates the routing-tree planning pass: it
// authenticates the caller, discovers and generates the routing tree for the
// called extension, writes any deferred sub-plans to the routing cache, and
// replies to the switch with a single leg or a fork.
package stage1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eventphone/routingengine/internal/bus"
	"github.com/eventphone/routingengine/internal/cache"
	"github.com/eventphone/routingengine/internal/database"
	"github.com/eventphone/routingengine/internal/database/models"
	"github.com/eventphone/routingengine/internal/retry"
	"github.com/eventphone/routingengine/internal/routing"
)

// Config holds the fixed, rarely-changing settings a Task needs.
type Config struct {
	LocalSwitchHostID       int64
	InternalTrustedListener string
	RingbackTopDirectory    string
	MaxDiscoveryDepth       int
	CacheObjectLifetime     time.Duration
	RetryPolicy             retry.Policy
}

// Task implements the Stage-1 "call.route" handler.
type Task struct {
	cfg         Config
	bus         bus.Client
	extensions  database.ExtensionRepository
	routeCache  cache.RoutingCache
	limiter     *ConnectionRateLimiter
	logger      *slog.Logger

	mu          sync.RWMutex
	switchHosts map[int64]models.SwitchHost

	recMu    sync.RWMutex
	recorder func(source string, target *models.Extension)
}

// SetRecorder installs an optional callback invoked with the discovered
// target tree after every successful routing decision, for read-only
// diagnostic introspection (see internal/debugapi). Passing nil disables
// recording.
func (t *Task) SetRecorder(fn func(source string, target *models.Extension)) {
	t.recMu.Lock()
	defer t.recMu.Unlock()
	t.recorder = fn
}

func (t *Task) recordTree(source string, target *models.Extension) {
	t.recMu.RLock()
	fn := t.recorder
	t.recMu.RUnlock()
	if fn != nil {
		fn(source, target)
	}
}

// NewTask builds a Stage-1 Task.
func NewTask(cfg Config, client bus.Client, extensions database.ExtensionRepository, routeCache cache.RoutingCache, limiter *ConnectionRateLimiter, logger *slog.Logger) *Task {
	if cfg.MaxDiscoveryDepth <= 0 {
		cfg.MaxDiscoveryDepth = routing.DefaultMaxDepth
	}
	if cfg.CacheObjectLifetime <= 0 {
		cfg.CacheObjectLifetime = 600 * time.Second
	}
	return &Task{
		cfg:         cfg,
		bus:         client,
		extensions:  extensions,
		routeCache:  routeCache,
		limiter:     limiter,
		logger:      logger.With("task", "stage1"),
		switchHosts: map[int64]models.SwitchHost{},
	}
}

// SetSwitchHosts replaces the known switch-host table used to tell a
// direct-ring target apart from a remote one.
func (t *Task) SetSwitchHosts(hosts map[int64]models.SwitchHost) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.switchHosts = hosts
}

func (t *Task) currentSwitchHosts() map[int64]models.SwitchHost {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.switchHosts
}

// Register installs the Stage-1 handler on client at priority 90, per the
// call-route contract.
func (t *Task) Register(client bus.Client) error {
	return client.RegisterHandler("call.route", 90, t.Handle)
}

// Handle is the "call.route" HandlerFunc. It dispatches on the called
// value first, matching the original engine's classifier: a reserved
// "stage1-" prefix re-enters a deferred sub-plan from the routing cache,
// anything else is a fresh call requiring a caller.
func (t *Task) Handle(msg *bus.Message) bool {
	called := msg.Param("called")
	if called == "" {
		return false
	}

	if strings.HasPrefix(called, "stage1-") {
		return t.handleCacheRetrieve(msg, called)
	}

	caller := msg.Param("caller")
	if caller == "" {
		return false
	}

	connectionID := msg.Param("connection_id")
	trusted := connectionID == t.cfg.InternalTrustedListener
	if !trusted && t.limiter != nil && !t.limiter.Allow(connectionID) {
		t.logger.Warn("rate limit exceeded for untrusted listener", "connection_id", connectionID)
		return false
	}

	ctx := context.Background()
	source, routingErr := t.sanitizeCaller(ctx, caller, msg.Param("username"), trusted)
	if routingErr != nil {
		t.replyError(msg, routingErr)
		return true
	}

	sourceParams := routing.ComputeSourceParameters(source)

	var result routing.IntermediateRoutingResult
	var subPlans map[string]routing.IntermediateRoutingResult
	var target *models.Extension
	err := t.cfg.RetryPolicy.Do(ctx, func(ctx context.Context) error {
		var runErr error
		result, subPlans, target, runErr = t.route(ctx, source, called, sourceParams)
		var asRoutingErr *routing.Error
		if errors.As(runErr, &asRoutingErr) {
			return retry.Permanent(runErr)
		}
		return runErr
	})

	var routingErr2 *routing.Error
	switch {
	case err == nil:
		// fall through to reply handling below
	case errors.As(err, &routingErr2):
		if routingErr2.Code == routing.CodeNoRoute {
			mergeIntoMessage(msg, sourceParams)
			t.bus.Answer(msg, false) //nolint:errcheck
			return false
		}
		t.replyError(msg, routingErr2)
		return true
	default:
		t.logger.Error("stage1 routing failed", "error", err)
		t.replyError(msg, routing.NewError(routing.CodeFailure, "%v", err))
		return true
	}

	if !result.IsValid() {
		mergeIntoMessage(msg, sourceParams)
		t.bus.Answer(msg, false) //nolint:errcheck
		return false
	}

	if err := t.storeSubPlans(ctx, subPlans); err != nil {
		t.logger.Error("failed to write routing cache entries", "error", err)
	}

	t.recordTree(source.Extension, target)

	encodeReply(msg, result)
	t.bus.Answer(msg, true) //nolint:errcheck
	return true
}

// handleCacheRetrieve answers a switch re-entry on a previously-deferred
// "stage1-..." leg by replaying the sub-plan Handle wrote to the routing
// cache under the same deferred-route name. A cache miss or a decode
// failure is answered with an empty return value rather than left
// unhandled, matching _retrieve_from_cache_for in the original engine.
func (t *Task) handleCacheRetrieve(msg *bus.Message, called string) bool {
	ctx := context.Background()
	encoded, err := t.routeCache.Get(ctx, "lateroute/"+called)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			t.logger.Error("routing cache lookup failed", "called", called, "error", err)
		}
		msg.ReturnValue = ""
		t.bus.Answer(msg, true) //nolint:errcheck
		return true
	}

	var result routing.IntermediateRoutingResult
	if err := json.Unmarshal(encoded, &result); err != nil {
		t.logger.Error("failed to decode cached sub-plan", "called", called, "error", err)
		msg.ReturnValue = ""
		t.bus.Answer(msg, true) //nolint:errcheck
		return true
	}

	encodeReply(msg, result)
	t.bus.Answer(msg, true) //nolint:errcheck
	return true
}

// sanitizeCaller resolves the caller's Extension, following the
// trusted/untrusted rules of the Stage-1 contract.
func (t *Task) sanitizeCaller(ctx context.Context, caller, username string, trusted bool) (*models.Extension, *routing.Error) {
	if !trusted {
		if username == "" {
			return nil, routing.NewError(routing.CodeNoAuth, "no authenticated username presented on an untrusted connection")
		}
		if username != caller {
			return nil, routing.NewError(routing.CodeForbidden, "authenticated username %q does not match caller %q", username, caller)
		}
	}

	ext, err := t.extensions.LoadExtension(ctx, caller)
	if err == nil {
		return ext, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, routing.NewError(routing.CodeFailure, "loading caller extension %q: %v", caller, err)
	}

	if trusted {
		return models.CreateUnknown(caller), nil
	}
	return models.CreateExternal(caller, ""), nil
}

// route runs discovery and generation for one call, inside the retry
// wrapper, returning the final result, any sub-plans to cache, and the
// discovered target tree (for diagnostic recording only).
func (t *Task) route(ctx context.Context, source *models.Extension, called string, sourceParams map[string]string) (routing.IntermediateRoutingResult, map[string]routing.IntermediateRoutingResult, *models.Extension, error) {
	tree := routing.NewTree(t.extensions, t.currentSwitchHosts(), t.cfg.LocalSwitchHostID, t.cfg.MaxDiscoveryDepth, t.cfg.RingbackTopDirectory, source.Extension, called)
	tree.Source = source

	if err := tree.LoadSourceAndTarget(ctx); err != nil {
		return routing.IntermediateRoutingResult{}, nil, nil, err
	}

	if _, err := tree.DiscoverTree(ctx); err != nil {
		return routing.IntermediateRoutingResult{}, nil, nil, err
	}

	result, subPlans, err := tree.CalculateRouting(sourceParams)
	return result, subPlans, tree.Target, err
}

// storeSubPlans JSON-encodes and writes every deferred sub-plan to the
// routing cache under its deferred-route-name key.
func (t *Task) storeSubPlans(ctx context.Context, subPlans map[string]routing.IntermediateRoutingResult) error {
	for key, plan := range subPlans {
		encoded, err := json.Marshal(plan)
		if err != nil {
			return fmt.Errorf("encoding sub-plan %s: %w", key, err)
		}
		if err := t.routeCache.Put(ctx, key, encoded, t.cfg.CacheObjectLifetime); err != nil {
			return fmt.Errorf("storing sub-plan %s: %w", key, err)
		}
	}
	return nil
}

func (t *Task) replyError(msg *bus.Message, err *routing.Error) {
	msg.SetParam("error", string(err.Code))
	if err.Code == routing.CodeOffline {
		msg.SetParam("reason", string(err.Code))
	}
	t.bus.Answer(msg, true) //nolint:errcheck
}

// encodeReply writes result onto msg per the call-route reply conventions:
// a single return-value target for Simple, or "fork" with numbered
// callto.<i>/callto.<i>.<key> parameters for Fork.
func encodeReply(msg *bus.Message, result routing.IntermediateRoutingResult) {
	if result.IsSimple() {
		msg.ReturnValue = result.Target.Target
		mergeIntoMessage(msg, result.Target.Parameters)
		return
	}

	msg.ReturnValue = "fork"
	for i, leg := range result.ForkTargets {
		n := i + 1
		msg.SetParam(fmt.Sprintf("callto.%d", n), leg.Target)
		for key, value := range leg.Parameters {
			if envelopeValue, ok := result.Target.Parameters[key]; ok && envelopeValue == value {
				continue
			}
			msg.SetParam(fmt.Sprintf("callto.%d.%s", n, key), value)
		}
	}
	mergeIntoMessage(msg, result.Target.Parameters)
}

func mergeIntoMessage(msg *bus.Message, params map[string]string) {
	for k, v := range params {
		msg.SetParam(k, v)
	}
}
