// Package dispatch holds the outbound queue between message intake and the
// single SMPP session.
package dispatch

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tune23wb/sms-panel/internal/app/domain/message"
	"github.com/tune23wb/sms-panel/internal/app/metrics"
	"github.com/tune23wb/sms-panel/internal/app/services/billing"
	"github.com/tune23wb/sms-panel/internal/app/system"
	"github.com/tune23wb/sms-panel/pkg/logger"
)

// SmsTransport submits envelopes to the aggregator. Submit returns an error
// only when nothing was written; otherwise the channel yields exactly one
// result.
type SmsTransport interface {
	Submit(ctx context.Context, env message.Envelope) (<-chan message.SubmitResult, error)
}

// ResultHandler receives the outcome of every envelope leaving the queue.
type ResultHandler interface {
	HandleSubmitResult(ctx context.Context, env message.Envelope, result message.SubmitResult)
	HandleOverflow(ctx context.Context, env message.Envelope)
}

// Gate records a transmission attempt before the envelope is handed to the
// transport. billing.ErrNotPending means the message must not be sent.
type Gate interface {
	MarkDispatched(ctx context.Context, id string) (message.Message, error)
}

// Config bounds the queue.
type Config struct {
	Capacity   int
	Window     int
	DrainGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
	if c.Window <= 0 {
		c.Window = 10
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 10 * time.Second
	}
	return c
}

// Queue is a bounded FIFO drained by one goroutine into the transport, with
// at most Window submits awaiting a response.
type Queue struct {
	transport SmsTransport
	handler   ResultHandler
	gate      Gate
	cfg       Config
	log       *logger.Logger

	mu      sync.Mutex
	items   *list.List
	ready   bool
	timers  map[*time.Timer]struct{}
	running bool
	cancel  context.CancelFunc

	wake     chan struct{}
	slots    chan struct{}
	loop     sync.WaitGroup
	inflight sync.WaitGroup
}

var _ system.Service = (*Queue)(nil)

// New creates a queue. gate may be nil.
func New(transport SmsTransport, handler ResultHandler, gate Gate, cfg Config, log *logger.Logger) *Queue {
	if log == nil {
		log = logger.NewDefault("dispatch")
	}
	cfg = cfg.withDefaults()
	return &Queue{
		transport: transport,
		handler:   handler,
		gate:      gate,
		cfg:       cfg,
		log:       log,
		items:     list.New(),
		timers:    make(map[*time.Timer]struct{}),
		wake:      make(chan struct{}, 1),
		slots:     make(chan struct{}, cfg.Window),
	}
}

// SetHandler replaces the result handler. It must be called before Start.
func (q *Queue) SetHandler(h ResultHandler) {
	q.handler = h
}

func (q *Queue) Name() string { return "outbound-queue" }

// Enqueue appends env. When the queue is full the oldest envelope is evicted
// and reported to the handler as an overflow.
func (q *Queue) Enqueue(env message.Envelope) {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}

	var evicted []message.Envelope
	q.mu.Lock()
	q.items.PushBack(env)
	for q.items.Len() > q.cfg.Capacity {
		front := q.items.Front()
		evicted = append(evicted, q.items.Remove(front).(message.Envelope))
	}
	depth := q.items.Len()
	q.mu.Unlock()

	metrics.SetQueueDepth(depth)
	q.signal()
	for _, old := range evicted {
		metrics.RecordQueueOverflow()
		q.log.WithField("message_id", old.IdempotencyKey).Warn("outbound queue full, evicting oldest envelope")
		if q.handler != nil {
			q.handler.HandleOverflow(context.Background(), old)
		}
	}
}

// Retry puts env back at the head of the queue after delay.
func (q *Queue) Retry(env message.Envelope, delay time.Duration) {
	if delay <= 0 {
		q.pushFront(env)
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		_, pending := q.timers[timer]
		delete(q.timers, timer)
		q.mu.Unlock()
		if pending {
			q.pushFront(env)
		}
	})
	q.timers[timer] = struct{}{}
}

func (q *Queue) pushFront(env message.Envelope) {
	q.mu.Lock()
	q.items.PushFront(env)
	depth := q.items.Len()
	q.mu.Unlock()
	metrics.SetQueueDepth(depth)
	q.signal()
}

// SetReady starts or pauses draining. The session state listener drives it.
func (q *Queue) SetReady(ready bool) {
	q.mu.Lock()
	q.ready = ready
	q.mu.Unlock()
	if ready {
		q.signal()
	}
}

// Len returns the number of queued envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}
	if q.handler == nil {
		return errors.New("dispatch: result handler not set")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	q.running = true

	q.loop.Add(1)
	go func() {
		defer q.loop.Done()
		q.drain(runCtx)
	}()
	q.log.Info("outbound queue started")
	return nil
}

// Stop stops dequeuing and waits for in-flight submits up to DrainGrace.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	cancel := q.cancel
	q.running = false
	q.cancel = nil
	for timer := range q.timers {
		timer.Stop()
		delete(q.timers, timer)
	}
	remaining := q.items.Len()
	q.mu.Unlock()

	cancel()
	q.loop.Wait()

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.inflight.Wait()
	}()

	grace := time.NewTimer(q.cfg.DrainGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		q.log.Warn("drain grace expired with submits in flight")
	case <-ctx.Done():
		return ctx.Err()
	}
	if remaining > 0 {
		q.log.WithField("queued", remaining).Info("outbound queue stopped with envelopes left for recovery")
	}
	return nil
}

func (q *Queue) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q.slots <- struct{}{}:
		}

		env, ok := q.next(ctx)
		if !ok {
			<-q.slots
			return
		}
		if !q.dispatch(ctx, env) {
			<-q.slots
		}
	}
}

// next blocks until the queue is ready and non-empty.
func (q *Queue) next(ctx context.Context) (message.Envelope, bool) {
	for {
		q.mu.Lock()
		if q.ready && q.items.Len() > 0 {
			env := q.items.Remove(q.items.Front()).(message.Envelope)
			depth := q.items.Len()
			q.mu.Unlock()
			metrics.SetQueueDepth(depth)
			return env, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return message.Envelope{}, false
		case <-q.wake:
		}
	}
}

// dispatch hands env to the transport. It reports whether a window slot is
// now held by an in-flight submit.
func (q *Queue) dispatch(ctx context.Context, env message.Envelope) bool {
	handlerCtx := context.WithoutCancel(ctx)
	entry := q.log.WithField("message_id", env.IdempotencyKey)

	if q.gate != nil {
		if _, err := q.gate.MarkDispatched(ctx, env.IdempotencyKey); err != nil {
			if errors.Is(err, billing.ErrNotPending) {
				entry.Debug("message already resolved, skipping transmission")
				return false
			}
			entry.WithError(err).Warn("record dispatch attempt")
			q.complete(handlerCtx, env, message.SubmitResult{Err: fmt.Errorf("%w: %v", message.ErrTransient, err)})
			return false
		}
	}

	results, err := q.transport.Submit(ctx, env)
	if err != nil {
		if errors.Is(err, message.ErrNotBound) {
			q.mu.Lock()
			q.items.PushFront(env)
			q.ready = false
			depth := q.items.Len()
			q.mu.Unlock()
			metrics.SetQueueDepth(depth)
			entry.Debug("transport not bound, pausing queue")
			return false
		}
		q.complete(handlerCtx, env, message.SubmitResult{Err: err})
		return false
	}

	q.inflight.Add(1)
	go func() {
		defer q.inflight.Done()
		result, ok := <-results
		if !ok {
			result = message.SubmitResult{Err: message.ErrOutcomeUnknown}
		}
		<-q.slots
		q.signal()
		q.handler.HandleSubmitResult(handlerCtx, env, result)
	}()
	return true
}

func (q *Queue) complete(ctx context.Context, env message.Envelope, result message.SubmitResult) {
	q.inflight.Add(1)
	go func() {
		defer q.inflight.Done()
		q.handler.HandleSubmitResult(ctx, env, result)
	}()
}

// Ready reports whether the queue is currently draining.
func (q *Queue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}
