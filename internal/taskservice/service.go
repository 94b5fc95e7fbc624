package taskservice

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/logger"
	"github.com/Faultbox/terrastream/internal/metrics"
)

// ErrServiceClosed is returned by Close when called twice.
var ErrServiceClosed = errors.New("task service closed")

// Stats is a point-in-time view of the service counters.
type Stats struct {
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Running   int    `json:"running"`
	Completed uint64 `json:"completed"`
	Canceled  uint64 `json:"canceled"`
}

// Service is a pool of worker goroutines pulling requests from a shared
// priority queue.
//
// Thread safety: Service is safe for concurrent use.
type Service struct {
	workers int
	log     *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   requestQueue
	nextSeq uint64
	closed  bool

	// stamp is the current update cycle, read by progress monitors.
	stamp atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running   atomic.Int32
	completed atomic.Uint64
	canceled  atomic.Uint64
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// New starts a service with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func New(workers int, opts ...Option) *Service {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		workers: workers,
		log:     logger.Named("taskservice"),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(workers)
	for i := range workers {
		go s.worker(i)
	}

	s.log.Debug("task service started", zap.Int("workers", workers))
	return s
}

// Workers returns the number of worker goroutines.
func (s *Service) Workers() int {
	return s.workers
}

// Stamp returns the current update-cycle stamp.
func (s *Service) Stamp() int64 {
	return s.stamp.Load()
}

// SetStamp publishes the current update-cycle stamp.
func (s *Service) SetStamp(stamp int64) {
	s.stamp.Store(stamp)
}

// Add submits an idle request. It reports whether the request was queued;
// requests that are not idle are left untouched, and requests submitted
// after Close end up Canceled.
func (s *Service) Add(r *Request) bool {
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateInProgress)) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		r.Cancel()
		return false
	}

	r.seq = s.nextSeq
	s.nextSeq++
	heap.Push(&s.queue, r)
	metrics.TaskQueueDepth.Set(float64(len(s.queue)))
	s.cond.Signal()
	return true
}

// Len returns the number of queued requests.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stats returns the current counters.
func (s *Service) Stats() Stats {
	return Stats{
		Workers:   s.workers,
		Queued:    s.Len(),
		Running:   int(s.running.Load()),
		Completed: s.completed.Load(),
		Canceled:  s.canceled.Load(),
	}
}

// Close stops the workers. Queued requests are cancelled; running
// operations see a cancelled context and Close waits for them until ctx
// expires.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	s.closed = true
	dropped := len(s.queue)
	for _, r := range s.queue {
		r.Cancel()
	}
	s.queue = nil
	metrics.TaskQueueDepth.Set(0)
	s.cond.Broadcast()
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Debug("task service stopped", zap.Int("dropped", dropped))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

func (s *Service) worker(id int) {
	defer s.wg.Done()

	for {
		r, ok := s.next()
		if !ok {
			return
		}
		s.run(id, r)
	}
}

// next blocks until a request is available or the service is closed.
func (s *Service) next() (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return nil, false
	}

	r := heap.Pop(&s.queue).(*Request)
	metrics.TaskQueueDepth.Set(float64(len(s.queue)))
	return r, true
}

func (s *Service) run(id int, r *Request) {
	// Cancelled while it sat in the queue.
	if r.State() != StateInProgress {
		s.canceled.Add(1)
		return
	}

	if r.ReportProgress(0, 1) {
		if r.finish(StateCanceled) {
			s.canceled.Add(1)
		}
		return
	}

	s.running.Add(1)
	defer s.running.Add(-1)

	func() {
		defer func() {
			if v := recover(); v != nil {
				s.log.Error("request panicked", zap.Int("worker", id), zap.Any("panic", v))
			}
		}()
		r.op(s.ctx, r)
	}()

	if s.ctx.Err() != nil || r.ReportProgress(1, 1) {
		r.finish(StateCanceled)
		s.canceled.Add(1)
		return
	}
	if r.finish(StateCompleted) {
		s.completed.Add(1)
	} else {
		s.canceled.Add(1)
	}
}

// requestQueue orders requests by priority (lowest value first), then by
// submission order.
type requestQueue []*Request

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *requestQueue) Push(x any) { *q = append(*q, x.(*Request)) }

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return r
}
