// Package runtime assembles the server's subsystems into one handle that is
// constructed at startup and threaded through every handler. Nothing in the
// process relies on hidden singletons; cancellation of the root context
// reaches every worker and every acquired resource.
package runtime

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/agent-mail/internal/archive"
	"github.com/Dicklesworthstone/agent-mail/internal/cache"
	"github.com/Dicklesworthstone/agent-mail/internal/config"
	"github.com/Dicklesworthstone/agent-mail/internal/db"
	"github.com/Dicklesworthstone/agent-mail/internal/mail"
	"github.com/Dicklesworthstone/agent-mail/internal/model"
	"github.com/Dicklesworthstone/agent-mail/internal/reservation"
)

// Runtime owns every long-lived subsystem. Handlers receive it by pointer
// and must not retain it past their request scope.
type Runtime struct {
	Cfg       config.Config
	Log       *slog.Logger
	DB        *db.Store
	Cache     *cache.Cache
	Coalescer *cache.Coalescer
	Archive   *archive.Store
	Queue     *archive.Queue
	Signaler  *archive.Signaler
	Mail      *mail.Pipeline
	Resv      *reservation.Engine

	Started model.Micros

	cancel   context.CancelFunc
	group    *errgroup.Group
	draining atomic.Bool
}

// New wires the runtime from configuration. The context governs startup
// only; Start binds the background workers to their own derived scope.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = slog.Default()
	}

	store, err := db.Open(ctx, cfg.DatabaseURL, db.Options{
		Readers:     cfg.PoolSize,
		AcquireWait: cfg.PoolWait,
		BusyTimeout: cfg.BusyTimeout,
	}, log)
	if err != nil {
		return nil, err
	}

	c, err := cache.New(cache.Options{
		Entries:  cfg.CacheEntries,
		MaxBytes: cfg.CacheBytes,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	arch, err := archive.NewStore(cfg.StorageRoot, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	arch.AllowAbsolutePaths = cfg.AllowAbsolutePaths
	arch.MaxAttachmentBytes = config.MaxAttachmentBytes

	signaler := archive.NewSignaler(arch, cfg.DebounceWindow, log)
	queue := archive.NewQueue(arch, signaler, archive.QueueOptions{
		CoalesceDelay: cfg.CoalesceDelay,
		MaxBatchSize:  cfg.MaxBatchSize,
	}, log)

	pipeline := mail.NewPipeline(store, arch, queue, c, log)
	pipeline.AutoContactLinks = cfg.AutoContactLinks

	engine := reservation.NewEngine(store, queue, c, log)
	engine.SetNotifier(pipeline)

	return &Runtime{
		Cfg:       cfg,
		Log:       log,
		DB:        store,
		Cache:     c,
		Coalescer: cache.NewCoalescer(c),
		Archive:   arch,
		Queue:     queue,
		Signaler:  signaler,
		Mail:      pipeline,
		Resv:      engine,
		Started:   model.Now(),
	}, nil
}

// Start launches the background workers in a structured scope derived from
// parent. No worker escapes the scope.
func (r *Runtime) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	r.group = g

	g.Go(func() error { return r.touchFlusher(ctx) })
	g.Go(func() error { return r.reservationSweeper(ctx) })
}

// touchFlusher applies buffered cache recency bumps on a fixed cadence.
func (r *Runtime) touchFlusher(ctx context.Context) error {
	interval := time.Duration(r.Cfg.TouchFlushSecs) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Cache.FlushTouches()
		}
	}
}

// reservationSweeper expires lapsed reservations so their holders stop
// blocking conflict checks and the archive reflects the lapse.
func (r *Runtime) reservationSweeper(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			projects, err := r.DB.ListProjects(ctx)
			if err != nil {
				r.Log.Warn("reservation sweep skipped", "err", err)
				continue
			}
			for i := range projects {
				if n, err := r.Resv.CleanupExpired(ctx, &projects[i]); err != nil {
					r.Log.Warn("reservation sweep failed", "project", projects[i].Slug, "err", err)
				} else if n > 0 {
					r.Log.Debug("expired reservations swept", "project", projects[i].Slug, "count", n)
				}
			}
		}
	}
}

// Draining reports whether shutdown has begun; the dispatcher rejects new
// calls once it flips.
func (r *Runtime) Draining() bool { return r.draining.Load() }

// Shutdown runs the shutdown discipline:
//  1. stop intake (Draining flips; dispatch rejects new calls),
//  2. drain the write-behind queue,
//  3. flush the commit coalescer and join its workers,
//  4. close the DB pool,
//  5. cancel the top scope.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if !r.draining.CompareAndSwap(false, true) {
		return nil
	}
	r.Log.Info("shutdown: draining archive queue", "depth", r.Queue.Depth())

	err := r.Queue.Close(ctx) // drains, flushes, joins workers
	r.Signaler.Close()

	if cerr := r.DB.Close(); cerr != nil && err == nil {
		err = cerr
	}

	if r.cancel != nil {
		r.cancel()
	}
	if r.group != nil {
		_ = r.group.Wait()
	}
	r.Log.Info("shutdown complete")
	return err
}
