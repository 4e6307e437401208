package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/pipeline"
	"github.com/alanyoungcy/p2pescrow/internal/platform/sui"
	"github.com/alanyoungcy/p2pescrow/internal/server"
	"github.com/alanyoungcy/p2pescrow/internal/server/handler"
	"github.com/alanyoungcy/p2pescrow/internal/server/middleware"
	"github.com/alanyoungcy/p2pescrow/internal/server/ws"
)

// localLimiterKeys bounds the in-process rate limiter when Redis is absent.
const localLimiterKeys = 4096

// eventBus returns the bus as an interface, nil when Redis is not wired.
func (d *Dependencies) eventBus() domain.EventBus {
	if d.Bus == nil {
		return nil
	}
	return d.Bus
}

// SyncMode keeps the read model and its sinks fresh: periodic refreshes,
// contract event subscription and scheduled snapshots.
func (a *App) SyncMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sync mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startPipeline(ctx, g, deps); err != nil {
		return fmt.Errorf("sync mode: %w", err)
	}
	return g.Wait()
}

// ServeMode starts the HTTP API and websocket hub. The read model is filled
// lazily by requests.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode",
		slog.Bool("write_api", deps.Market != nil),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// ArchiveMode refreshes the read model once, writes one snapshot and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: s3 is not configured")
	}
	if err := deps.Store.Refresh(ctx); err != nil {
		return fmt.Errorf("archive mode: refresh: %w", err)
	}
	m, err := deps.Archiver.Snapshot(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	a.logger.InfoContext(ctx, "archive complete",
		slog.String("prefix", m.Prefix),
		slog.Any("counts", m.Counts),
	)
	return nil
}

// FullMode runs the sync pipeline and the HTTP API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startPipeline(ctx, g, deps); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// startPipeline builds the refresher, the optional event listener and the
// optional snapshot schedule and runs them in g.
func (a *App) startPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	bus := deps.eventBus()
	refresher := pipeline.NewRefresher(deps.Store, bus, a.cfg.Sync.RefreshInterval.Duration, a.logger)

	var listener *pipeline.Listener
	if a.cfg.Sync.ListenEvents {
		stream := sui.NewEventStream(a.cfg.Ledger.WsURL, a.cfg.Ledger.PackageID, a.cfg.Ledger.Module, a.logger)
		listener = pipeline.NewListener(stream, deps.Store, refresher, bus, a.logger)
	}

	var snapshots *pipeline.SnapshotScheduler
	if a.cfg.Sync.ArchiveCron != "" && deps.Archiver != nil {
		s, err := pipeline.NewSnapshotScheduler(deps.Archiver, a.cfg.Sync.ArchiveCron, a.logger)
		if err != nil {
			return err
		}
		snapshots = s
	}

	orch := pipeline.NewOrchestrator(refresher, listener, snapshots, a.logger)
	g.Go(func() error {
		return orch.Run(ctx)
	})

	if deps.Notifier != nil && deps.Notifier.Enabled() {
		if bus == nil {
			a.logger.WarnContext(ctx, "notifications configured without redis; alerts disabled")
			return nil
		}
		g.Go(func() error {
			err := deps.Notifier.Run(ctx, bus)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	return nil
}

// startHTTPServer registers the API handlers and runs the server and, when a
// bus is wired, the websocket hub in g. The server shuts down when ctx ends.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	h := server.Handlers{
		Health:   handler.NewHealthHandler(deps.Pingers, a.logger),
		Listings: handler.NewListingHandler(deps.Store, time.Now, a.logger),
		Orders:   handler.NewOrderHandler(deps.Store, time.Now, a.logger),
		Disputes: handler.NewDisputeHandler(deps.Store, a.logger),
	}
	if deps.Market != nil {
		h.Actions = handler.NewActionHandler(deps.Market, a.logger)
	}
	if deps.AuditStore != nil {
		h.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}

	var hub *ws.Hub
	if deps.Bus != nil {
		hubCfg := ws.Config{
			Mode:      a.cfg.Mode,
			Replay:    a.cfg.Server.ReplayEvents,
			StartedAt: time.Now().UTC(),
		}
		if deps.Signer != nil {
			hubCfg.Sender = deps.Signer.Address()
		}
		hub = ws.NewHub(deps.Bus, deps.Bus, hubCfg, a.logger)
		g.Go(func() error {
			err := hub.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	limiter := deps.RateLimiter
	if limiter == nil {
		limiter = middleware.NewLocalLimiter(localLimiterKeys)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, h, hub, limiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
