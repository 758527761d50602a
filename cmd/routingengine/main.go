// Command routingengine is the process entrypoint: it loads configuration,
// opens the stage-1/stage-2 databases, builds the caches and tasks via
// internal/engine, registers their handlers on a message-bus client, and
// shuts down in order on SIGINT/SIGTERM.
//
// The message-bus client itself is an external collaborator (see
// internal/bus's package doc) — the production process that speaks the
// switch's wire protocol is out of scope for this repository. newBusClient
// below is the seam where that transport plugs in; as shipped it returns an
// error so a misconfigured deployment fails fast at startup instead of
// silently routing nothing.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/eventphone/routingengine/internal/bus"
	"github.com/eventphone/routingengine/internal/config"
	"github.com/eventphone/routingengine/internal/debugapi"
	"github.com/eventphone/routingengine/internal/engine"

	"net/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting routingengine",
		"local_switch_host_id", cfg.LocalSwitchHostID,
		"routing_cache_impl", cfg.RoutingCacheImpl,
		"busy_cache_impl", cfg.BusyCacheImpl,
	)

	ctx := context.Background()

	client, err := newBusClient(cfg)
	if err != nil {
		slog.Error("failed to connect to the message bus", "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(ctx, cfg, client, logger)
	if err != nil {
		slog.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Register(client); err != nil {
		slog.Error("failed to register handlers", "error", err)
		eng.Close() //nolint:errcheck
		os.Exit(1)
	}
	slog.Info("handlers registered", "handlers", []string{"call.route (stage1)", "call.route (stage2)", "call.cdr (busycache)"})

	var debugSrv *http.Server
	if cfg.WebEnabled() {
		addr := net.JoinHostPort(cfg.WebBindAddress, strconv.Itoa(cfg.WebPort))
		debugSrv = &http.Server{Addr: addr, Handler: debugapi.NewRouter(eng.Recorder, eng.BusyCache)}
		go func() {
			slog.Info("debug introspection server listening", "addr", addr)
			if err := debugSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("debug introspection server error", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if debugSrv != nil {
		if err := debugSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("debug introspection server shutdown error", "error", err)
		}
	}

	if err := eng.Close(); err != nil {
		slog.Error("failed to release engine resources cleanly", "error", err)
		os.Exit(1)
	}

	slog.Info("routingengine stopped")
}

// newBusClient connects to the external call-switch's message bus. The wire
// transport (the network protocol the switch speaks) is out of scope for
// this repository, so this is the extension seam a production deployment
// fills in with the real implementation of bus.Client. As shipped, it always
// fails so a deployment without that transport plugged in does not silently
// start routing nothing.
func newBusClient(cfg *config.Config) (bus.Client, error) {
	_ = cfg
	return nil, errors.New("no message-bus transport configured: newBusClient in cmd/routingengine/main.go must be wired to the switch's bus implementation before this process can start")
}
