package minimize

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Progress is handed to an Observer after every completed step.
type Progress struct {
	Report    StepReport
	Positions []AtomPosition
}

// Observer is called from the background goroutine after each step and
// before the next one begins.
type Observer func(Progress)

// ControllerOptions configure a Controller.
type ControllerOptions struct {
	Logger *zap.Logger
	// StepDelay pauses between steps, giving observers time to display
	// intermediate geometries.
	StepDelay time.Duration
	Observer  Observer
}

// Controller runs an Engine on a background goroutine, one minimization at a
// time.
type Controller struct {
	engine   *Engine
	logger   *zap.Logger
	delay    time.Duration
	observer Observer

	mu      sync.Mutex
	running bool
	keep    bool
	cancel  context.CancelFunc
	done    chan struct{}
	result  *Result
	err     error
}

// NewController wraps e.
func NewController(e *Engine, opts ControllerOptions) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	done := make(chan struct{})
	close(done)
	return &Controller{
		engine:   e,
		logger:   logger.Named("controller"),
		delay:    opts.StepDelay,
		observer: opts.Observer,
		done:     done,
	}
}

// Engine returns the wrapped engine.
func (c *Controller) Engine() *Engine {
	return c.engine
}

// StartBackground prepares and starts the engine, then steps it on a new
// goroutine until it stops, ctx is done or Cancel is called. It returns
// false without error when a minimization is already running. Setup errors
// are returned synchronously and leave the controller idle.
func (c *Controller) StartBackground(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.logger.Info("Minimization already running")
		return false, nil
	}
	if err := c.engine.Prepare(); err != nil {
		return false, err
	}
	if err := c.engine.Start(); err != nil {
		return false, err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.keep = false
	c.cancel = cancel
	c.done = make(chan struct{})
	c.result, c.err = nil, nil

	go c.run(ctx, cancel, c.done)
	return true, nil
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	res, err := c.loop(ctx)

	c.mu.Lock()
	c.result, c.err = res, err
	c.running = false
	c.mu.Unlock()
}

func (c *Controller) loop(ctx context.Context) (*Result, error) {
	for {
		if ctx.Err() != nil {
			return c.engine.Stop(c.keepCoordinates())
		}
		more, err := c.engine.Step()
		if err != nil {
			return nil, err
		}
		if c.observer != nil {
			c.observer(Progress{Report: c.lastReport(), Positions: c.engine.Positions()})
		}
		if !more {
			return c.engine.Finish()
		}
		if c.delay > 0 {
			t := time.NewTimer(c.delay)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
	}
}

func (c *Controller) lastReport() StepReport {
	e := c.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return StepReport{
		Step:   e.step,
		Energy: e.display(e.st.Energy),
		Delta:  e.display(e.st.Delta),
		Units:  e.cfg.Units,
	}
}

func (c *Controller) keepCoordinates() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keep
}

// Cancel asks the running minimization to stop after its current step. With
// keep set the coordinates reached so far are retained; otherwise they are
// rolled back. Cancel is a no-op when nothing is running.
func (c *Controller) Cancel(keep bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.keep = keep
	c.cancel()
}

// Running reports whether a background minimization is in progress.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Wait blocks until the current background minimization ends or ctx is done
// and returns its result.
func (c *Controller) Wait(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}
