// Package shutdown turns SIGINT/SIGTERM into a two-stage stop: a soft context
// that stops admitting work and, after a grace period, a hard context that
// kills whatever is still running.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/agentfactory/internal/logging"
)

// Saver persists an interrupted pipeline. It is called at most once.
type Saver func(reason string) error

// Coordinator owns the soft and hard stop contexts of one process.
type Coordinator struct {
	grace time.Duration
	log   *zap.Logger

	soft       context.Context
	softCancel context.CancelFunc
	hard       context.Context
	hardCancel context.CancelFunc

	stopping atomic.Bool

	installOnce sync.Once
	closeOnce   sync.Once
	sigCh       chan os.Signal
	done        chan struct{}

	mu        sync.Mutex
	saver     Saver
	triggered bool
	reason    string
	saveErr   error
	timer     *time.Timer
}

// New returns a coordinator whose contexts are children of parent.
func New(parent context.Context, grace time.Duration, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Nop()
	}
	c := &Coordinator{grace: grace, log: logger, done: make(chan struct{})}
	c.soft, c.softCancel = context.WithCancel(parent)
	c.hard, c.hardCancel = context.WithCancel(parent)
	return c
}

// Install starts listening for SIGINT and SIGTERM. Calling it again is a no-op.
// The first signal triggers a stop; the second cancels the hard context at once.
func (c *Coordinator) Install() {
	c.installOnce.Do(func() {
		c.sigCh = make(chan os.Signal, 2)
		signal.Notify(c.sigCh, syscall.SIGINT, syscall.SIGTERM)
		go c.watch()
	})
}

func (c *Coordinator) watch() {
	received := 0
	for {
		select {
		case sig := <-c.sigCh:
			received++
			if received == 1 {
				c.log.Warn("signal received, stopping after the current step", zap.String("signal", sig.String()))
				c.Trigger("received " + sig.String())
				continue
			}
			c.log.Warn("second signal, terminating workers", zap.String("signal", sig.String()))
			c.ForceHard("received second " + sig.String())
		case <-c.done:
			return
		}
	}
}

// SetSaver registers the emergency save.
func (c *Coordinator) SetSaver(s Saver) {
	c.mu.Lock()
	c.saver = s
	c.mu.Unlock()
}

// Trigger requests a stop. Only the first call has any effect: it cancels the
// soft context, arms the grace timer for the hard context and runs the saver.
func (c *Coordinator) Trigger(reason string) {
	c.mu.Lock()
	if c.triggered {
		c.mu.Unlock()
		return
	}
	c.triggered = true
	c.reason = reason
	c.stopping.Store(true)
	c.softCancel()
	if c.grace > 0 {
		c.timer = time.AfterFunc(c.grace, c.hardCancel)
	} else {
		c.hardCancel()
	}
	saver := c.saver
	c.mu.Unlock()

	if saver == nil {
		return
	}
	if err := saver(reason); err != nil {
		c.log.Error("emergency save failed", zap.Error(err))
		c.mu.Lock()
		c.saveErr = err
		c.mu.Unlock()
	}
}

// ForceHard cancels the hard context immediately, triggering first if needed.
func (c *Coordinator) ForceHard(reason string) {
	c.Trigger(reason)
	c.hardCancel()
}

// ShouldStop reports whether a stop has been requested.
func (c *Coordinator) ShouldStop() bool { return c.stopping.Load() }

// Reason returns the reason passed to the first Trigger.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// SaveErr returns the error from the emergency save, if any.
func (c *Coordinator) SaveErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveErr
}

// Context is done once a stop is requested. Work not yet started should not begin.
func (c *Coordinator) Context() context.Context { return c.soft }

// HardContext is done when running work must be killed.
func (c *Coordinator) HardContext() context.Context { return c.hard }

// Close stops signal delivery and releases the contexts.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		if c.sigCh != nil {
			signal.Stop(c.sigCh)
		}
		close(c.done)
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.mu.Unlock()
		c.softCancel()
		c.hardCancel()
	})
}
