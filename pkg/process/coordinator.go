// Package process tracks whether this process is currently running jobs.
//
// A Coordinator is a single slot: at most one runner holds it at a time.
// Stop requests are cooperative; the holder polls IsStopping between steps
// and may select on Stopped while it waits for something else.
package process

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyProcessing is returned by Start while another run holds the slot.
var ErrAlreadyProcessing = errors.New("already processing")

type Coordinator struct {
	mu         sync.Mutex
	processing bool
	stopping   bool
	// started is closed by Start and replaced by End.
	started chan struct{}
	// stopped is closed by Stop and replaced by Start.
	stopped chan struct{}
	// idle is closed by End and replaced by Start.
	idle chan struct{}
}

func New() *Coordinator {
	idle := make(chan struct{})
	close(idle)
	return &Coordinator{
		started: make(chan struct{}),
		stopped: make(chan struct{}),
		idle:    idle,
	}
}

var defaultCoordinator = New()

// Default returns the process-wide coordinator.
func Default() *Coordinator {
	return defaultCoordinator
}

func (c *Coordinator) IsProcessing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processing
}

func (c *Coordinator) IsStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// Start claims the slot and clears any stale stop request.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.processing {
		return ErrAlreadyProcessing
	}
	c.processing = true
	c.stopping = false
	c.stopped = make(chan struct{})
	c.idle = make(chan struct{})
	close(c.started)
	return nil
}

// Stop asks the current run to end at the next step boundary. It is a
// no-op while idle.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.processing && !c.stopping {
		c.stopping = true
		close(c.stopped)
	}
}

// Stopped returns a channel closed once the current run is asked to stop.
// Only meaningful to the holder of the slot.
func (c *Coordinator) Stopped() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// End releases the slot. Safe to call while idle.
func (c *Coordinator) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.processing {
		c.stopping = false
		return
	}
	c.processing = false
	c.stopping = false
	c.started = make(chan struct{})
	close(c.idle)
}

// Acquire calls Start and returns a release func that calls End once.
func (c *Coordinator) Acquire() (release func(), err error) {
	if err := c.Start(); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(c.End) }, nil
}

// WaitStarted blocks until a run holds the slot or ctx is done. It returns
// immediately if a run is already in progress.
func (c *Coordinator) WaitStarted(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	select {
	case <-started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitIdle blocks until no run holds the slot or ctx is done.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
