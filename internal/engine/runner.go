package engine

import (
	"context"
	"sync"
	"time"

	"goalline/internal/domain"
	"goalline/internal/usage"
)

// Runner drives the cycle loop on a fixed interval. Exactly one cycle runs
// at a time; Stop waits for the in-flight cycle to finish.
type Runner struct {
	Engine *Engine

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewRunner(e *Engine) *Runner {
	return &Runner{Engine: e}
}

// Status describes the runner for the control surface.
type Status struct {
	Running             bool            `json:"running"`
	LoopIntervalSeconds int             `json:"loop_interval_seconds"`
	UsageLimitPercent   float64         `json:"usage_limit_percent"`
	LastUsage           *usage.Snapshot `json:"last_usage,omitempty"`
}

// Start launches the loop. Starting an already-running runner is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(ctx, r.stop, r.done)
}

// Stop halts the loop after the in-flight cycle completes.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stop, done := r.stop, r.done
	r.running = false
	r.mu.Unlock()
	close(stop)
	<-done
}

func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) Status() Status {
	return Status{
		Running:             r.IsRunning(),
		LoopIntervalSeconds: r.Engine.Config.Orchestrator.LoopIntervalSeconds,
		UsageLimitPercent:   r.Engine.Config.Orchestrator.UsageLimitPercent,
		LastUsage:           r.Engine.LastUsage(),
	}
}

func (r *Runner) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	interval := r.Engine.Config.LoopInterval()
	for {
		if err := r.Engine.RunCycle(ctx); err != nil {
			r.logCycleError(ctx, err)
		}
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// logCycleError records a loop-level failure in short-term memory on a best
// effort basis; the loop itself never dies on a cycle error.
func (r *Runner) logCycleError(ctx context.Context, cycleErr error) {
	tx, err := r.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := r.Engine.Memory.RecordStep(ctx, tx, domain.StepError, "Loop error: "+cycleErr.Error(), nil, ""); err != nil {
		return
	}
	_ = tx.Commit()
}
