package cache

import (
	"fmt"
	"sync"
	"time"

	"wisefido-tagcache/internal/metrics"

	"go.uber.org/zap"
)

type deliveryKind int

const (
	deliverSync deliveryKind = iota
	deliverSingleWorker
	deliverMultiWorker
	deliverBuffered
)

// DeliveryMode selects how a listener receives events. Use Sync, SingleWorker,
// MultiWorker or Buffered to build one.
type DeliveryMode struct {
	kind     deliveryKind
	capacity int
	workers  int
	interval time.Duration
}

// Sync delivers on the producer goroutine before Put returns.
func Sync() DeliveryMode {
	return DeliveryMode{kind: deliverSync}
}

// SingleWorker delivers from one dedicated goroutine in Put order. Producers
// block while the queue of the given capacity is full.
func SingleWorker(capacity int) DeliveryMode {
	return DeliveryMode{kind: deliverSingleWorker, capacity: capacity, workers: 1}
}

// MultiWorker delivers from a pool of workers sharing one bounded queue.
// There is no ordering guarantee, not even for a single key.
func MultiWorker(capacity, workers int) DeliveryMode {
	return DeliveryMode{kind: deliverMultiWorker, capacity: capacity, workers: workers}
}

// Buffered keeps only the latest event per key and delivers the survivors
// every interval.
func Buffered(interval time.Duration) DeliveryMode {
	return DeliveryMode{kind: deliverBuffered, interval: interval}
}

func (m DeliveryMode) String() string {
	switch m.kind {
	case deliverSync:
		return "sync"
	case deliverSingleWorker:
		return fmt.Sprintf("single-worker(%d)", m.capacity)
	case deliverMultiWorker:
		return fmt.Sprintf("multi-worker(%d,%d)", m.capacity, m.workers)
	case deliverBuffered:
		return fmt.Sprintf("buffered(%s)", m.interval)
	default:
		return "unknown"
	}
}

func (m DeliveryMode) validate() error {
	switch m.kind {
	case deliverSync:
		return nil
	case deliverSingleWorker, deliverMultiWorker:
		if m.capacity <= 0 || m.workers <= 0 {
			return fmt.Errorf("%w: delivery mode %s needs a positive capacity and worker count", ErrInvalidArgument, m)
		}
		return nil
	case deliverBuffered:
		if m.interval <= 0 {
			return fmt.Errorf("%w: delivery mode %s needs a positive interval", ErrInvalidArgument, m)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown delivery mode", ErrInvalidArgument)
	}
}

// Handle identifies a registration.
type Handle uint64

type dispatcher[K comparable, V any] interface {
	// dispatch returns false when the dispatcher has been stopped.
	dispatch(event Event[K, V]) bool
	// stop delivers what is queued and waits for the workers to exit.
	stop()
}

// Registry fans store events out to listeners.
type Registry[K comparable, V any] struct {
	name   string
	clone  func(V) (V, error)
	logger *zap.Logger

	mu          sync.RWMutex
	dispatchers map[Handle]registration[K, V]
	order       []Handle
	next        Handle
	closed      bool
}

type registration[K comparable, V any] struct {
	name       string
	dispatcher dispatcher[K, V]
}

// NewRegistry creates a registry. clone produces the per-listener copy of event
// values; nil hands the values over unchanged.
func NewRegistry[K comparable, V any](name string, clone func(V) (V, error), logger *zap.Logger) *Registry[K, V] {
	return &Registry[K, V]{
		name:        name,
		clone:       clone,
		logger:      logger,
		dispatchers: make(map[Handle]registration[K, V]),
	}
}

// Register subscribes listener with the given delivery mode.
func (r *Registry[K, V]) Register(listener Listener[K, V], mode DeliveryMode) (Handle, error) {
	if listener == nil {
		return 0, fmt.Errorf("%w: nil listener", ErrInvalidArgument)
	}
	if err := mode.validate(); err != nil {
		return 0, err
	}

	name := listenerName(listener)
	deliver := func(event Event[K, V]) {
		r.deliver(name, listener, event)
	}
	report := func(depth int) {
		metrics.SetListenerQueueDepth(r.name, name, depth)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrRegistryClosed
	}

	var d dispatcher[K, V]
	switch mode.kind {
	case deliverSync:
		d = syncDispatcher[K, V](deliver)
	case deliverSingleWorker, deliverMultiWorker:
		d = newQueueDispatcher(mode.capacity, mode.workers, deliver, report)
	case deliverBuffered:
		d = newBufferedDispatcher(mode.interval, deliver)
	}

	r.next++
	handle := r.next
	r.dispatchers[handle] = registration[K, V]{name: name, dispatcher: d}
	r.order = append(r.order, handle)

	r.logger.Info("Listener registered",
		zap.String("registry", r.name),
		zap.String("listener", name),
		zap.String("mode", mode.String()),
	)

	return handle, nil
}

// Deregister removes a registration. Events already queued for it are
// delivered before Deregister returns.
func (r *Registry[K, V]) Deregister(handle Handle) error {
	r.mu.Lock()
	reg, ok := r.dispatchers[handle]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: listener handle %d", ErrNotFound, handle)
	}
	delete(r.dispatchers, handle)
	for i, h := range r.order {
		if h == handle {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	reg.dispatcher.stop()
	return nil
}

// Close drains and stops every registration. Later registrations fail with
// ErrRegistryClosed and later events are dropped.
func (r *Registry[K, V]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	regs := make([]registration[K, V], 0, len(r.order))
	for _, h := range r.order {
		regs = append(regs, r.dispatchers[h])
	}
	r.dispatchers = make(map[Handle]registration[K, V])
	r.order = nil
	r.mu.Unlock()

	for _, reg := range regs {
		reg.dispatcher.stop()
	}
}

// Len returns the number of active registrations.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dispatchers)
}

// Notify hands event to every registration in registration order.
func (r *Registry[K, V]) Notify(event Event[K, V]) {
	r.mu.RLock()
	regs := make([]registration[K, V], 0, len(r.order))
	for _, h := range r.order {
		regs = append(regs, r.dispatchers[h])
	}
	r.mu.RUnlock()

	for _, reg := range regs {
		if !reg.dispatcher.dispatch(r.copyEvent(event)) {
			r.logger.Warn("Dropping event for stopped listener",
				zap.String("registry", r.name),
				zap.String("listener", reg.name),
				zap.Any("key", event.Key),
			)
		}
	}
}

func (r *Registry[K, V]) copyEvent(event Event[K, V]) Event[K, V] {
	if r.clone == nil {
		return event
	}
	out := event
	value, err := r.clone(event.Value)
	if err != nil {
		r.logger.Warn("Failed to copy event value", zap.String("registry", r.name), zap.Any("key", event.Key), zap.Error(err))
		return event
	}
	out.Value = value
	if event.HasPrevious {
		previous, err := r.clone(event.Previous)
		if err != nil {
			r.logger.Warn("Failed to copy previous event value", zap.String("registry", r.name), zap.Any("key", event.Key), zap.Error(err))
			return event
		}
		out.Previous = previous
	}
	return out
}

// deliver runs one callback. Errors and panics stay here.
func (r *Registry[K, V]) deliver(name string, listener Listener[K, V], event Event[K, V]) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.IncListenerFailure(r.name, name)
			r.logger.Error("Listener panicked",
				zap.String("registry", r.name),
				zap.String("listener", name),
				zap.Any("key", event.Key),
				zap.Stringer("kind", event.Kind),
				zap.Any("panic", rec),
			)
		}
	}()

	if err := listener.OnEvent(event); err != nil {
		metrics.IncListenerFailure(r.name, name)
		r.logger.Error("Listener failed",
			zap.String("registry", r.name),
			zap.String("listener", name),
			zap.Any("key", event.Key),
			zap.Stringer("kind", event.Kind),
			zap.Error(err),
		)
	}
}

func listenerName(listener any) string {
	if n, ok := listener.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", listener)
}

type syncDispatcher[K comparable, V any] func(Event[K, V])

func (d syncDispatcher[K, V]) dispatch(event Event[K, V]) bool {
	d(event)
	return true
}

func (d syncDispatcher[K, V]) stop() {}

type queueDispatcher[K comparable, V any] struct {
	mu      sync.RWMutex
	closed  bool
	events  chan Event[K, V]
	wg      sync.WaitGroup
	deliver func(Event[K, V])
	report  func(depth int)
}

func newQueueDispatcher[K comparable, V any](capacity, workers int, deliver func(Event[K, V]), report func(int)) *queueDispatcher[K, V] {
	d := &queueDispatcher[K, V]{
		events:  make(chan Event[K, V], capacity),
		deliver: deliver,
		report:  report,
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.run()
	}
	return d
}

func (d *queueDispatcher[K, V]) run() {
	defer d.wg.Done()
	for event := range d.events {
		d.deliver(event)
		d.report(len(d.events))
	}
}

// dispatch blocks while the queue is full.
func (d *queueDispatcher[K, V]) dispatch(event Event[K, V]) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	d.events <- event
	d.report(len(d.events))
	return true
}

func (d *queueDispatcher[K, V]) stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.events)
	d.mu.Unlock()
	d.wg.Wait()
}

type bufferedDispatcher[K comparable, V any] struct {
	mu      sync.Mutex
	closed  bool
	pending map[K]Event[K, V]
	order   []K
	deliver func(Event[K, V])
	done    chan struct{}
	stopped chan struct{}
}

func newBufferedDispatcher[K comparable, V any](interval time.Duration, deliver func(Event[K, V])) *bufferedDispatcher[K, V] {
	d := &bufferedDispatcher[K, V]{
		pending: make(map[K]Event[K, V]),
		deliver: deliver,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run(interval)
	return d
}

func (d *bufferedDispatcher[K, V]) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(d.stopped)

	for {
		select {
		case <-ticker.C:
			d.flush()
		case <-d.done:
			d.flush()
			return
		}
	}
}

func (d *bufferedDispatcher[K, V]) dispatch(event Event[K, V]) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if _, ok := d.pending[event.Key]; !ok {
		d.order = append(d.order, event.Key)
	}
	d.pending[event.Key] = event
	return true
}

// flush delivers the surviving events in first-seen key order.
func (d *bufferedDispatcher[K, V]) flush() {
	d.mu.Lock()
	pending, order := d.pending, d.order
	d.pending = make(map[K]Event[K, V])
	d.order = nil
	d.mu.Unlock()

	for _, key := range order {
		d.deliver(pending[key])
	}
}

func (d *bufferedDispatcher[K, V]) stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	<-d.stopped
}
