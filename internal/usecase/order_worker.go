package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type orderTask struct {
	name  string
	delay time.Duration
	run   func(ctx context.Context)
}

// orderWorker runs order side effects one at a time in submission order,
// off the stream read goroutine.
type orderWorker struct {
	logger  *zap.Logger
	timeout time.Duration

	tasks   chan orderTask
	quit    chan struct{}
	pending sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func newOrderWorker(logger *zap.Logger) *orderWorker {
	w := &orderWorker{
		logger:  logger,
		timeout: 30 * time.Second,
		tasks:   make(chan orderTask, 64),
		quit:    make(chan struct{}),
	}
	go w.loop()
	return w
}

// submit queues fn to run after delay. Tasks submitted after stop are dropped.
func (w *orderWorker) submit(name string, delay time.Duration, fn func(ctx context.Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		w.logger.Warn("Order worker stopped, dropping task", zap.String("task", name))
		return
	}
	w.pending.Add(1)
	w.tasks <- orderTask{name: name, delay: delay, run: fn}
}

func (w *orderWorker) loop() {
	for {
		select {
		case <-w.quit:
			w.drain()
			return
		case t := <-w.tasks:
			if t.delay > 0 {
				timer := time.NewTimer(t.delay)
				select {
				case <-timer.C:
				case <-w.quit:
					timer.Stop()
					w.logger.Warn("Discarding queued task on shutdown", zap.String("task", t.name))
					w.pending.Done()
					w.drain()
					return
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
			t.run(ctx)
			cancel()
			w.pending.Done()
		}
	}
}

func (w *orderWorker) drain() {
	for {
		select {
		case t := <-w.tasks:
			w.logger.Warn("Discarding queued task on shutdown", zap.String("task", t.name))
			w.pending.Done()
		default:
			return
		}
	}
}

// wait blocks until every submitted task has run or been discarded.
func (w *orderWorker) wait() {
	w.pending.Wait()
}

func (w *orderWorker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.quit)
}
