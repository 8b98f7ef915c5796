package sweeper

import (
	"context"
	"log/slog"
)

// SlogObserver implements Observer using Go's structured logging (log/slog).
// This emits structured logs for all finalize events.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	observer := sweeper.NewSlogObserver(logger, slog.LevelInfo)
//	manager := sweeper.NewManager(store, locker, provider, sweeper.WithObserver(observer))
type SlogObserver struct {
	logger   *slog.Logger
	minLevel slog.Level
}

// NewSlogObserver creates an observer that logs to the given slog.Logger.
// Only events at or above minLevel will be logged.
func NewSlogObserver(logger *slog.Logger, minLevel slog.Level) *SlogObserver {
	return &SlogObserver{
		logger:   logger,
		minLevel: minLevel,
	}
}

func (o *SlogObserver) OnFinalizeStart(ctx context.Context, event *FinalizeStartEvent) {
	if o.minLevel <= slog.LevelInfo {
		o.logger.InfoContext(ctx, "scope finalize started",
			slog.String("scope", event.ScopePath.String()),
			slog.Int("declared", event.Declared),
			slog.Bool("dry_run", event.DryRun),
		)
	}
}

func (o *SlogObserver) OnFinalizeEnd(ctx context.Context, event *FinalizeEndEvent) {
	if event.Error != nil {
		if o.minLevel <= slog.LevelError {
			o.logger.ErrorContext(ctx, "scope finalize failed",
				slog.String("scope", event.ScopePath.String()),
				slog.Duration("duration", event.Duration),
				slog.String("error", event.Error.Error()),
			)
		}
	} else {
		if o.minLevel <= slog.LevelInfo {
			o.logger.InfoContext(ctx, "scope finalize completed",
				slog.String("scope", event.ScopePath.String()),
				slog.Int("deleted", event.Deleted),
				slog.Int("failed", event.Failed),
				slog.Duration("duration", event.Duration),
				slog.Bool("dry_run", event.DryRun),
			)
		}
	}
}

func (o *SlogObserver) OnDestroyStart(ctx context.Context, event *DestroyStartEvent) {
	if o.minLevel <= slog.LevelDebug {
		o.logger.DebugContext(ctx, "resource destroy started",
			slog.String("scope", event.ScopePath.String()),
			slog.String("resource_id", event.ResourceID),
			slog.String("kind", event.Kind),
			slog.Int("attempt", event.Attempt),
		)
	}
}

func (o *SlogObserver) OnDestroyEnd(ctx context.Context, event *DestroyEndEvent) {
	if event.Error != nil {
		if o.minLevel <= slog.LevelWarn {
			o.logger.WarnContext(ctx, "resource destroy failed",
				slog.String("scope", event.ScopePath.String()),
				slog.String("resource_id", event.ResourceID),
				slog.String("kind", event.Kind),
				slog.Int("attempt", event.Attempt),
				slog.Duration("duration", event.Duration),
				slog.String("error", event.Error.Error()),
			)
		}
	} else {
		if o.minLevel <= slog.LevelDebug {
			o.logger.DebugContext(ctx, "resource destroy completed",
				slog.String("scope", event.ScopePath.String()),
				slog.String("resource_id", event.ResourceID),
				slog.String("kind", event.Kind),
				slog.Duration("duration", event.Duration),
				slog.Bool("not_found", event.NotFound),
			)
		}
	}
}

func (o *SlogObserver) OnRetry(ctx context.Context, event *RetryEvent) {
	if o.minLevel <= slog.LevelWarn {
		o.logger.WarnContext(ctx, "resource destroy retry",
			slog.String("scope", event.ScopePath.String()),
			slog.String("resource_id", event.ResourceID),
			slog.Int("attempt", event.Attempt),
			slog.Duration("delay", event.Delay),
			slog.String("error", event.Error.Error()),
		)
	}
}

func (o *SlogObserver) OnLockAcquired(ctx context.Context, event *LockEvent) {
	if !event.Acquired {
		if o.minLevel <= slog.LevelWarn {
			o.logger.WarnContext(ctx, "scope lock timeout",
				slog.String("scope", event.ScopePath.String()),
				slog.String("holder", event.HolderID),
				slog.Duration("waited", event.Wait),
			)
		}
		return
	}
	if o.minLevel <= slog.LevelDebug {
		o.logger.DebugContext(ctx, "scope lock acquired",
			slog.String("scope", event.ScopePath.String()),
			slog.String("holder", event.HolderID),
			slog.Duration("waited", event.Wait),
		)
	}
}
