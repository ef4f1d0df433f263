package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/nexuslog/core"
)

// CompactorParams groups the dependencies for NewCompactor.
type CompactorParams struct {
	Store   SegmentStore
	Storage Storage
	// Planner defaults to the minor compaction planner when nil.
	Planner Manager
	// Interval is the planning tick. Non-positive values fall back to
	// one minute.
	Interval time.Duration
	// MaxConcurrentRewrites bounds parallel rewrite tasks; groups are
	// index-disjoint so any positive bound is safe. Defaults to 1.
	MaxConcurrentRewrites int
	// DataDir is the volume checked for free space before a cycle runs
	// its rewrites. Empty disables the preflight.
	DataDir string
	// MinFreeBytes is the free-space floor for the preflight.
	MinFreeBytes uint64
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *Metrics
}

// Compactor drives minor compaction from a background goroutine. Planning
// runs to completion on each tick; the resulting rewrite tasks execute on
// a bounded worker group. A cycle that outlives the tick simply delays the
// next one — cycles never overlap.
type Compactor struct {
	store       SegmentStore
	storage     Storage
	planner     Manager
	interval    time.Duration
	maxParallel int
	dataDir     string
	minFree     uint64
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *Metrics

	triggerChan  chan struct{}
	shutdownChan chan struct{}
	cycleWg      sync.WaitGroup
}

// NewCompactor creates a compactor; call Start to begin ticking.
func NewCompactor(params CompactorParams) *Compactor {
	planner := params.Planner
	if planner == nil {
		planner = NewMinorCompactionManager()
	}
	interval := params.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	maxParallel := params.MaxConcurrentRewrites
	if maxParallel < 1 {
		maxParallel = 1
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		store:        params.Store,
		storage:      params.Storage,
		planner:      planner,
		interval:     interval,
		maxParallel:  maxParallel,
		dataDir:      params.DataDir,
		minFree:      params.MinFreeBytes,
		logger:       logger.With("component", "Compactor"),
		tracer:       params.Tracer,
		metrics:      params.Metrics,
		triggerChan:  make(chan struct{}, 1),
		shutdownChan: make(chan struct{}),
	}
}

// Start launches the background planning loop.
func (c *Compactor) Start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.runCycle()
			case <-c.triggerChan:
				c.runCycle()
			case <-c.shutdownChan:
				c.logger.Info("Shutting down compaction loop.")
				return
			}
		}
	}()
	c.logger.Info("Started background compaction loop.", "interval", c.interval)
}

// Stop terminates the loop and waits for in-flight rewrites to finish.
func (c *Compactor) Stop() {
	select {
	case <-c.shutdownChan:
	default:
		close(c.shutdownChan)
	}
	c.cycleWg.Wait()
	c.logger.Info("Compaction loop stopped.")
}

// Trigger requests an immediate planning cycle. A pending trigger absorbs
// further requests.
func (c *Compactor) Trigger() {
	select {
	case c.triggerChan <- struct{}{}:
	default:
		c.logger.Debug("Compaction check already pending, skipping manual trigger.")
	}
}

// RunCycle performs one planning pass and executes the resulting tasks.
// Exposed for callers that drive compaction synchronously (tests, tools).
func (c *Compactor) RunCycle(ctx context.Context) error {
	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "Compactor.RunCycle")
		defer span.End()
	}
	if c.metrics != nil {
		c.metrics.CyclesTotal.Add(1)
	}

	tasks := c.planner.BuildTasks(c.storage, c.store)
	if span != nil {
		span.SetAttributes(attribute.Int("compaction.tasks", len(tasks)))
	}
	if len(tasks) == 0 {
		return nil
	}

	if err := c.preflightSpace(); err != nil {
		c.logger.Warn("Skipping compaction cycle.", "error", err)
		if c.metrics != nil {
			c.metrics.RewritesSkipped.Add(int64(len(tasks)))
		}
		if span != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}

	c.logger.Debug("Running compaction tasks.", "tasks", len(tasks), "max_parallel", c.maxParallel)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxParallel)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			c.runTask(ctx, task)
			// Task failures are transient by design: the group stays
			// intact and reappears in the next pass, so they never abort
			// sibling tasks.
			return nil
		})
	}
	return g.Wait()
}

func (c *Compactor) runCycle() {
	c.cycleWg.Add(1)
	defer c.cycleWg.Done()
	if err := c.RunCycle(context.Background()); err != nil {
		c.logger.Warn("Compaction cycle did not complete.", "error", err)
	}
}

func (c *Compactor) runTask(ctx context.Context, task *Task) {
	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "Compactor.runTask")
		defer span.End()
		first := task.Group()[0].Descriptor()
		span.SetAttributes(
			attribute.Int64("segment.id", int64(first.ID)),
			attribute.Int64("segment.version", int64(first.Version)),
			attribute.Int("segment.group_size", len(task.Group())),
		)
	}
	if c.metrics != nil {
		c.metrics.TasksTotal.Add(1)
	}

	start := time.Now()
	if err := task.Run(ctx); err != nil {
		c.logger.Error("Rewrite task failed; segments return to the eligible set.",
			"segment", task.Group()[0].Descriptor(), "recoverable", core.IsRecoverable(err), "error", err)
		if c.metrics != nil {
			c.metrics.TaskErrorsTotal.Add(1)
		}
		if span != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return
	}

	duration := time.Since(start).Seconds()
	if c.metrics != nil {
		c.metrics.SegmentsRewritten.Add(int64(len(task.Group())))
		c.metrics.ObserveRewrite(duration)
	}
	if span != nil {
		span.SetAttributes(attribute.Float64("compaction.duration_seconds", duration))
	}
	c.logger.Info("Rewrite task finished.",
		"segment", task.Group()[0].Descriptor(), "group_size", len(task.Group()), "duration_seconds", duration)
}

// preflightSpace verifies the data volume has room for the rewrites of
// this cycle before any of them starts.
func (c *Compactor) preflightSpace() error {
	if c.dataDir == "" || c.minFree == 0 {
		return nil
	}
	usage, err := disk.Usage(c.dataDir)
	if err != nil {
		// Treat an unreadable volume as non-fatal; the rewrites will
		// surface real I/O errors themselves.
		c.logger.Debug("Could not read disk usage for preflight.", "path", c.dataDir, "error", err)
		return nil
	}
	if usage.Free < c.minFree {
		return fmt.Errorf("%w: %d bytes free on %s, need %d", core.ErrInsufficientSpace, usage.Free, c.dataDir, c.minFree)
	}
	return nil
}
