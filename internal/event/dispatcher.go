package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

// Dispatcher defaults.
const (
	DefaultPollInterval = time.Second
	DefaultQueueSize    = 1024
)

// Options configures a Dispatcher.
type Options struct {
	// Async queues events for a single background worker instead of
	// invoking callbacks on the caller's goroutine.
	Async bool
	// PollInterval bounds how long the worker blocks before rechecking
	// its stop signal.
	PollInterval time.Duration
	// QueueSize bounds the asynchronous queue. Deliver blocks while the
	// queue is full.
	QueueSize int
}

type queued struct {
	ctx context.Context
	msg Message
}

// Dispatcher delivers events to registered callbacks, inline or through a
// single-consumer queue. Events delivered from one goroutine reach callbacks
// in the order they were delivered.
type Dispatcher struct {
	callbacks    map[Type][]Callback
	async        bool
	pollInterval time.Duration

	mu      sync.RWMutex
	queue   chan queued
	stop    chan struct{}
	done    chan struct{}
	flushed chan struct{}
	running bool
	stopped bool

	// senders counts Deliver calls between the stopped check and the end
	// of their send. Stop waits for them before the final drain.
	senders sync.WaitGroup

	// late holds events whose send was cut short by Stop. They are
	// delivered after the queue is drained.
	lateMu sync.Mutex
	late   []queued
}

// NewDispatcher builds a dispatcher from a snapshot of registry.
func NewDispatcher(registry *Registry, opts Options) *Dispatcher {
	if registry == nil {
		registry = NewRegistry()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	d := &Dispatcher{
		callbacks:    registry.snapshot(),
		async:        opts.Async,
		pollInterval: opts.PollInterval,
	}
	if d.async {
		d.queue = make(chan queued, opts.QueueSize)
		d.stop = make(chan struct{})
		d.flushed = make(chan struct{})
	}
	return d
}

// Async reports whether events are queued.
func (d *Dispatcher) Async() bool {
	return d.async
}

// Start launches the worker. It is a no-op for a synchronous dispatcher
// or one that is already running or stopped.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.async {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running || d.stopped {
		return
	}

	d.done = make(chan struct{})
	d.running = true

	go d.work(ctx)

	tflog.SubsystemDebug(ctx, ldapclient.SubsystemEvents, "Event worker started", map[string]any{
		"poll_interval": d.pollInterval.String(),
		"queue_size":    cap(d.queue),
	})
}

// Stop signals the worker, waits until every queued event has been
// delivered, and switches the dispatcher to inline delivery. Events queued
// before Start are delivered too. It returns ctx.Err() if ctx ends first;
// delivery of the backlog still completes in that case.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.async {
		return nil
	}

	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		d.running = false
		close(d.stop)
		go d.finish(d.done)
	}
	d.mu.Unlock()

	select {
	case <-d.flushed:
		tflog.SubsystemDebug(ctx, ldapclient.SubsystemEvents, "Event worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish waits for in-flight senders and the worker, then delivers the
// backlog in order: queued events first, then events whose send was cut
// short by Stop. done is nil when the worker never started.
func (d *Dispatcher) finish(done <-chan struct{}) {
	defer close(d.flushed)

	d.senders.Wait()
	if done != nil {
		<-done
	}
	d.drain()

	d.lateMu.Lock()
	late := d.late
	d.late = nil
	d.lateMu.Unlock()

	for _, item := range late {
		d.invoke(item.ctx, item.msg)
	}
}

// Deliver hands msg to the callbacks registered for its type. In
// asynchronous mode it returns once the event is queued, blocking while
// the queue is full until there is room, ctx ends, or Stop is called.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message) {
	if msg == nil {
		return
	}

	if !d.async {
		d.invoke(ctx, msg)
		return
	}

	d.mu.RLock()
	if d.stopped {
		d.mu.RUnlock()
		d.invoke(ctx, msg)
		return
	}
	d.senders.Add(1)
	d.mu.RUnlock()
	defer d.senders.Done()

	item := queued{ctx: context.WithoutCancel(ctx), msg: msg}
	select {
	case d.queue <- item:
		tflog.SubsystemTrace(ctx, ldapclient.SubsystemEvents, "Event queued", Fields(msg))
	case <-d.stop:
		d.lateMu.Lock()
		d.late = append(d.late, item)
		d.lateMu.Unlock()
	case <-ctx.Done():
		fields := Fields(msg)
		fields["cause"] = ctx.Err().Error()
		tflog.SubsystemError(ctx, ldapclient.SubsystemEvents, "Event dropped, queue full", fields)
	}
}

// work is the single consumer. It blocks on the queue for at most
// pollInterval at a time so that a stop signal is observed promptly.
// Whatever remains queued at stop is delivered by finish.
func (d *Dispatcher) work(ctx context.Context) {
	defer close(d.done)

	timer := time.NewTimer(d.pollInterval)
	defer timer.Stop()

	for {
		select {
		case item := <-d.queue:
			d.invoke(item.ctx, item.msg)
		case <-d.stop:
			return
		case <-timer.C:
			tflog.SubsystemTrace(ctx, ldapclient.SubsystemEvents, "Event worker idle", map[string]any{
				"queued": len(d.queue),
			})
		}
		timer.Reset(d.pollInterval)
	}
}

// drain delivers everything currently queued.
func (d *Dispatcher) drain() {
	for {
		select {
		case item := <-d.queue:
			d.invoke(item.ctx, item.msg)
		default:
			return
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, msg Message) {
	for i, cb := range d.callbacks[msg.EventType()] {
		if err := d.call(ctx, cb, msg); err != nil {
			fields := Fields(msg)
			fields["callback_index"] = i
			fields["callback_error"] = err.Error()
			tflog.SubsystemError(ctx, ldapclient.SubsystemEvents, "Event callback failed", fields)
		}
	}
}

// call runs one callback, converting a panic into an error.
func (d *Dispatcher) call(ctx context.Context, cb Callback, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return cb(ctx, msg)
}
