package cache

import (
	"context"
	"log/slog"

	"github.com/eventphone/routingengine/internal/bus"
)

// cdrEvent is one call-detail-record notification queued for the counter
// actor.
type cdrEvent struct {
	extension string
	operation string
}

// CDRHandler subscribes a BusyCache to "call.cdr" events and applies the
// counter update on a single background goroutine, so events for the same
// extension are always applied in arrival order regardless of how many
// call.cdr messages the switch fires concurrently.
type CDRHandler struct {
	busy   BusyCache
	logger *slog.Logger
	events chan cdrEvent
}

// NewCDRHandler builds a CDRHandler and starts its counter actor.
func NewCDRHandler(busy BusyCache, logger *slog.Logger) *CDRHandler {
	h := &CDRHandler{
		busy:   busy,
		logger: logger.With("task", "busycache"),
		events: make(chan cdrEvent, 256),
	}
	go h.run()
	return h
}

// Register installs the handler on client at priority 5, per the call-cdr
// contract.
func (h *CDRHandler) Register(client bus.Client) error {
	return client.RegisterHandler("call.cdr", 5, h.Handle)
}

// Handle always reports the message unhandled: the engine observes
// call-detail-record traffic, it never owns it. The counter update itself
// happens out-of-band so it never delays the ack.
func (h *CDRHandler) Handle(msg *bus.Message) bool {
	extension := msg.Param("external")
	operation := msg.Param("operation")
	if extension == "" || operation == "" {
		return false
	}

	select {
	case h.events <- cdrEvent{extension: extension, operation: operation}:
	default:
		h.logger.Warn("dropping call.cdr event, queue full", "extension", extension, "operation", operation)
	}
	return false
}

func (h *CDRHandler) run() {
	ctx := context.Background()
	for ev := range h.events {
		var err error
		switch ev.operation {
		case "initialize":
			err = h.busy.Increment(ctx, ev.extension)
		case "finalize":
			err = h.busy.Decrement(ctx, ev.extension)
		default:
			continue
		}
		if err != nil {
			h.logger.Error("busy counter update failed", "extension", ev.extension, "operation", ev.operation, "error", err)
		}
	}
}
