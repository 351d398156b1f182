package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/felixgeelhaar/remotehouse/internal/observe"
	"github.com/felixgeelhaar/remotehouse/internal/store"
)

// Cleaner periodically prunes audit rows older than the retention window.
type Cleaner struct {
	store        store.Storage
	bus          *EventBus
	observe      *observe.Observer
	interval     time.Duration
	initialDelay time.Duration
	retention    time.Duration
	now          func() time.Time
}

// CleanerOptions configures a Cleaner.
type CleanerOptions struct {
	Interval     time.Duration
	InitialDelay time.Duration
	Retention    time.Duration
}

func NewCleaner(s store.Storage, eb *EventBus, o *observe.Observer, opts CleanerOptions) *Cleaner {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	return &Cleaner{
		store:        s,
		bus:          eb,
		observe:      o,
		interval:     opts.Interval,
		initialDelay: opts.InitialDelay,
		retention:    opts.Retention,
		now:          time.Now,
	}
}

// CleanupHandle owns one running cleanup loop.
type CleanupHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop cancels the loop and waits for an in-flight pass to finish. It is
// safe to call more than once.
func (h *CleanupHandle) Stop() {
	h.once.Do(h.cancel)
	<-h.done
}

// Done is closed once the loop has exited.
func (h *CleanupHandle) Done() <-chan struct{} { return h.done }

// Start runs the loop until ctx is canceled or Stop is called. Every call
// starts an independent loop with its own handle.
func (c *Cleaner) Start(ctx context.Context) *CleanupHandle {
	ctx, cancel := context.WithCancel(ctx)
	h := &CleanupHandle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)

		timer := time.NewTimer(c.initialDelay)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			c.RunOnce()
			timer.Reset(c.interval)
		}
	}()
	return h
}

// RunOnce performs a single pruning pass and returns the rows removed.
func (c *Cleaner) RunOnce() int64 {
	cutoff := c.now().Add(-c.retention)
	n, err := c.store.DeleteExecutionsBefore(cutoff)
	if err != nil {
		c.observe.Log().Error().Err(err).Msg("cleanup failed")
		c.bus.PublishWithData(EventCleanupError, "", map[string]interface{}{"error": err.Error()})
		return 0
	}
	if n > 0 {
		c.observe.Log().Info().Int("removed", int(n)).Msg("pruned execution audit log")
	}
	c.bus.PublishWithData(EventCleanupRun, "", map[string]interface{}{"removed": n, "cutoff": cutoff})
	return n
}
