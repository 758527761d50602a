// Package stage2 terminates a deferred leg: it resolves a user or trunk's
// current registrations, applies busy/call-waiting/duplicate-call checks,
// and builds the final dial target(s) handed back to the switch.
package stage2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/eventphone/routingengine/internal/bus"
	"github.com/eventphone/routingengine/internal/cache"
	"github.com/eventphone/routingengine/internal/database"
	"github.com/eventphone/routingengine/internal/database/models"
	"github.com/eventphone/routingengine/internal/retry"
	"github.com/eventphone/routingengine/internal/routing"
)

// Config holds the fixed settings a Task needs.
type Config struct {
	RetryPolicy retry.Policy
}

// Task implements the Stage-2 "call.route" handler.
type Task struct {
	cfg           Config
	bus           bus.Client
	users         database.UserRepository
	registrations database.RegistrationRepository
	activeCalls   database.ActiveCallRepository
	busy          cache.BusyCache
	logger        *slog.Logger
}

// NewTask builds a Stage-2 Task.
func NewTask(cfg Config, client bus.Client, users database.UserRepository, registrations database.RegistrationRepository, activeCalls database.ActiveCallRepository, busy cache.BusyCache, logger *slog.Logger) *Task {
	return &Task{
		cfg:           cfg,
		bus:           client,
		users:         users,
		registrations: registrations,
		activeCalls:   activeCalls,
		busy:          busy,
		logger:        logger.With("task", "stage2"),
	}
}

// Register installs the Stage-2 handler on client at priority 90, alongside
// Stage-1, per the call-route contract: the caller-supplied prefix/tag is
// what tells the two apart at dispatch time, not registration order.
func (t *Task) Register(client bus.Client) error {
	return client.RegisterHandler("call.route", 90, t.Handle)
}

// Handle is the "call.route" HandlerFunc for a deferred Stage-2 leg.
func (t *Task) Handle(msg *bus.Message) bool {
	caller := msg.Param("caller")
	if caller == "" {
		return false
	}

	called := strings.TrimPrefix(msg.Param("called"), "stage2-")
	ctx := context.Background()

	var outcome *routeOutcome
	err := t.cfg.RetryPolicy.Do(ctx, func(ctx context.Context) error {
		var runErr error
		outcome, runErr = t.route(ctx, called)
		var asRoutingErr *routing.Error
		if errors.As(runErr, &asRoutingErr) {
			return retry.Permanent(runErr)
		}
		return runErr
	})

	var routingErr *routing.Error
	switch {
	case err == nil:
		// fall through to reply handling below
	case errors.As(err, &routingErr):
		t.replyError(msg, routingErr)
		return true
	default:
		t.logger.Error("stage2 routing failed", "error", err)
		t.replyError(msg, routing.NewError(routing.CodeFailure, "%v", err))
		return true
	}

	if outcome == nil {
		return false
	}

	t.encode(ctx, msg, called, outcome)
	return true
}

// routeOutcome is the pure result of resolving called, before any reply
// encoding or busy/duplicate bookkeeping touches msg.
type routeOutcome struct {
	username string
	trunk    bool

	static       bool
	staticTarget string
	staticParams map[string]string

	callWaiting bool
	locations   []models.Registration
}

// route resolves called to a User or Trunk, loads its static target or
// registered locations, and returns nil (with no error) if called matches
// neither a user nor a trunk.
func (t *Task) route(ctx context.Context, called string) (*routeOutcome, error) {
	user, err := t.users.LoadUser(ctx, called)
	trunk := false
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("loading stage-2 user %q: %w", called, err)
		}
		user, err = t.users.LoadTrunk(ctx, called)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("loading stage-2 trunk for %q: %w", called, err)
		}
		trunk = true
	}

	if user.Type == "static" {
		target, params, ok := parseStaticTarget(user.StaticTarget)
		if !ok {
			return nil, routing.NewError(routing.CodeFailure, "user %q has an invalid static target %q", user.Username, user.StaticTarget)
		}
		return &routeOutcome{username: user.Username, trunk: trunk, static: true, staticTarget: target, staticParams: params}, nil
	}

	locations, err := t.registrations.LoadLocationsFor(ctx, user.Username)
	if err != nil {
		return nil, fmt.Errorf("loading registrations for %q: %w", user.Username, err)
	}
	if len(locations) == 0 {
		return nil, routing.NewError(routing.CodeOffline, "user %q has no registered locations", user.Username)
	}

	return &routeOutcome{username: user.Username, trunk: trunk, callWaiting: user.CallWaiting, locations: locations}, nil
}

// encode applies the busy/duplicate-call checks (which need msg's headers,
// and consult the Busy Cache, so they run after the retryable database work
// has already produced a stable outcome) and writes the final reply.
func (t *Task) encode(ctx context.Context, msg *bus.Message, dialedNumber string, outcome *routeOutcome) {
	hdrs := extractHeaders(msg)

	if outcome.static {
		msg.ReturnValue = outcome.staticTarget
		for k, v := range outcome.staticParams {
			msg.SetParam(k, v)
		}
		t.populateCommonParameters(msg, hdrs)
		t.bus.Answer(msg, true) //nolint:errcheck
		return
	}

	if (hdrs.noCallWait || !outcome.callWaiting) && t.isBusy(ctx, outcome.username) {
		msg.SetParam("error", string(routing.CodeBusy))
		t.bus.Answer(msg, true) //nolint:errcheck
		return
	}

	if t.isDuplicateCall(ctx, outcome.username, hdrs.eventphoneID) {
		msg.SetParam("error", string(routing.CodeBusy))
		t.bus.Answer(msg, true) //nolint:errcheck
		return
	}

	if len(outcome.locations) == 1 {
		loc := outcome.locations[0]
		msg.ReturnValue = loc.CallTarget(outcome.trunk, outcome.username, dialedNumber)
		msg.SetParam("oconnection_id", loc.OConnectionID)
	} else {
		msg.ReturnValue = "fork"
		for i, loc := range outcome.locations {
			n := i + 1
			msg.SetParam(fmt.Sprintf("callto.%d", n), loc.CallTarget(outcome.trunk, outcome.username, dialedNumber))
			msg.SetParam(fmt.Sprintf("callto.%d.oconnection_id", n), loc.OConnectionID)
		}
	}

	t.populateCommonParameters(msg, hdrs)
	t.bus.Answer(msg, true) //nolint:errcheck
}

func (t *Task) isBusy(ctx context.Context, username string) bool {
	busy, err := t.busy.IsBusy(ctx, username)
	if err != nil {
		t.logger.Error("busy cache lookup failed", "username", username, "error", err)
		return false
	}
	return busy
}

func (t *Task) isDuplicateCall(ctx context.Context, username, eventphoneID string) bool {
	if eventphoneID == "" {
		return false
	}
	active, err := t.activeCalls.IsActiveCall(ctx, username, eventphoneID)
	if err != nil {
		t.logger.Error("active-call lookup failed", "username", username, "error", err)
		return false
	}
	return active
}

// headers are the SIP-style parameters the switch tucks into the request,
// preferring the osip_ form and falling back to the lower-cased sip_ one.
type headers struct {
	eventphoneID string
	noCallWait   bool
}

func extractHeaders(msg *bus.Message) headers {
	eventphoneID := msg.Param("osip_X-Eventphone-Id")
	if eventphoneID == "" {
		eventphoneID = msg.Param("sip_x-eventphone-id")
	}
	noCallWait := msg.Param("osip_X-No-Call-Wait")
	if noCallWait == "" {
		noCallWait = msg.Param("sip_x-no-call-wait")
	}
	return headers{eventphoneID: eventphoneID, noCallWait: noCallWait == "1"}
}

// populateCommonParameters stamps X-Eventphone-Id and folds it into
// copyparams so the switch's CDR builder picks it up.
func (t *Task) populateCommonParameters(msg *bus.Message, h headers) {
	msg.SetParam("X-Eventphone-Id", h.eventphoneID)
	if existing := msg.Param("copyparams"); existing != "" {
		msg.SetParam("copyparams", existing+",X-Eventphone-Id")
	} else {
		msg.SetParam("copyparams", "X-Eventphone-Id")
	}
}

func (t *Task) replyError(msg *bus.Message, err *routing.Error) {
	msg.SetParam("error", string(err.Code))
	if err.Code == routing.CodeOffline {
		msg.SetParam("reason", string(err.Code))
	}
	t.bus.Answer(msg, true) //nolint:errcheck
}
