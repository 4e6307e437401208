package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs the sync loops: the periodic refresher, the optional
// contract event listener and the optional snapshot schedule.
type Orchestrator struct {
	refresher *Refresher
	listener  *Listener
	snapshots *SnapshotScheduler
	logger    *slog.Logger
}

// NewOrchestrator creates an Orchestrator. listener and snapshots may be nil.
func NewOrchestrator(refresher *Refresher, listener *Listener, snapshots *SnapshotScheduler, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		refresher: refresher,
		listener:  listener,
		snapshots: snapshots,
		logger:    logger.With(slog.String("component", "pipeline")),
	}
}

// Run starts every configured loop in an errgroup. A loop returning a
// non-context error cancels the others and Run returns that error; a
// cancelled ctx returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.InfoContext(ctx, "pipeline starting",
		slog.Bool("listener", o.listener != nil),
		slog.Bool("snapshots", o.snapshots != nil),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.refresher.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("refresher: %w", err)
	})

	if o.listener != nil {
		g.Go(func() error {
			err := o.listener.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event listener: %w", err)
		})
	}

	if o.snapshots != nil {
		g.Go(func() error {
			err := o.snapshots.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("snapshots: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	o.logger.Info("pipeline stopped")
	return nil
}
