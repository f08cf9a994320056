package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"attendance-service/internal/model"
)

var ErrDispatcherClosed = errors.New("event dispatcher closed")

const deliverTimeout = 5 * time.Second

// Sink is one history destination.
type Sink interface {
	Name() string
	PublishScan(ctx context.Context, rec ScanRecord) error
	PublishSessionClosed(ctx context.Context, doc SessionDocument) error
}

type job struct {
	scan    *model.ScanEvent
	session *model.SessionRecord
}

// Dispatcher fans events out to every sink on a small worker pool. Events
// of one session always go to the same worker so they stay ordered.
// A full queue drops the event.
type Dispatcher struct {
	sinks   []Sink
	encoder *Encoder
	buckets Bucketer
	logger  *zap.Logger

	mu      sync.RWMutex
	closed  bool
	queues  []chan job
	wg      sync.WaitGroup
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewDispatcher(sinks []Sink, encoder *Encoder, buckets Bucketer, queueSize, workers int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	perWorker := queueSize / workers
	if perWorker <= 0 {
		perWorker = 1
	}

	d := &Dispatcher{
		sinks:   sinks,
		encoder: encoder,
		buckets: buckets,
		logger:  logger.Named("events"),
		queues:  make([]chan job, workers),
	}
	for i := range d.queues {
		d.queues[i] = make(chan job, perWorker)
		d.wg.Add(1)
		go d.worker(d.queues[i])
	}
	return d
}

func (d *Dispatcher) PublishScan(ev model.ScanEvent) {
	d.enqueue(ev.SessionID, job{scan: &ev})
}

func (d *Dispatcher) PublishSessionClosed(rec model.SessionRecord) {
	d.enqueue(rec.Session.ID, job{session: &rec})
}

func (d *Dispatcher) enqueue(sessionID string, j job) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		d.logger.Warn("Event dropped after close", zap.String("session_id", sessionID))
		return
	}

	q := d.queues[d.buckets.EventBucket(sessionID)%len(d.queues)]
	select {
	case q <- j:
	default:
		d.dropped.Add(1)
		d.logger.Warn("Event queue full, dropping event", zap.String("session_id", sessionID))
	}
}

func (d *Dispatcher) worker(q <-chan job) {
	defer d.wg.Done()
	for j := range q {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		if err := d.deliver(ctx, j); err != nil {
			d.failed.Add(1)
			d.logger.Error("Event delivery failed", zap.Error(err))
		}
		cancel()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) error {
	var g errgroup.Group

	switch {
	case j.scan != nil:
		rec, err := d.encoder.Scan(ctx, *j.scan)
		if err != nil {
			return fmt.Errorf("encode scan %s: %w", j.scan.EventID, err)
		}
		for _, s := range d.sinks {
			g.Go(func() error {
				if err := s.PublishScan(ctx, rec); err != nil {
					return fmt.Errorf("%s: %w", s.Name(), err)
				}
				return nil
			})
		}
	case j.session != nil:
		doc := d.encoder.Session(*j.session)
		for _, s := range d.sinks {
			g.Go(func() error {
				if err := s.PublishSessionClosed(ctx, doc); err != nil {
					return fmt.Errorf("%s: %w", s.Name(), err)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// Dropped counts events lost to a full queue or a closed dispatcher.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Failed counts events at least one sink rejected.
func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }

// Close stops intake and waits for queued events to drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Event dispatcher drained",
			zap.Uint64("dropped", d.Dropped()),
			zap.Uint64("failed", d.Failed()))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event dispatcher drain: %w", ctx.Err())
	}
}
