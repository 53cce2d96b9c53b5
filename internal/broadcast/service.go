package broadcast

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type jobKind int

const (
	jobByID jobKind = iota
	jobText
)

type job struct {
	kind        jobKind
	broadcastID int64
	text        string
	exclude     []int64
	enqueuedAt  time.Time
}

// Service is the asynchronous dispatch surface for broadcast jobs: a bounded
// queue drained by a small worker pool. Multiple jobs may run concurrently;
// the throttle is per job, not global.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	engine *Engine
	log    zerolog.Logger

	queue    chan job
	stopCh   chan struct{}
	workerWG sync.WaitGroup
}

func NewService(cfg Config, engine *Engine, log zerolog.Logger) *Service {
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	return &Service{
		cfg:    cfg,
		engine: engine,
		log:    log,
		queue:  make(chan job, size),
	}
}

// Apply updates tunables at runtime. Queue size and worker count only take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.engine.Reconfigure(cfg)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}

	queue := s.queue
	stopCh := s.stopCh

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Int("worker", idx).Any("panic", r).Str("stack", string(debug.Stack())).Msg("panic in broadcast worker")
				}
			}()
			s.worker(ctx, stopCh, queue)
		}()
	}
	s.log.Info().Int("workers", workers).Msg("broadcast service started")
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()

	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("broadcast service stopped")
	case <-ctx.Done():
		s.log.Warn().Msg("broadcast service stop timed out; workers finish in background")
	}
}

// EnqueueBroadcast dispatches a persisted broadcast by id. The caller must
// have created the row before enqueueing.
func (s *Service) EnqueueBroadcast(id int64) {
	s.enqueue(job{kind: jobByID, broadcastID: id, enqueuedAt: time.Now()})
}

// EnqueueText dispatches an ad hoc text broadcast to all users.
func (s *Service) EnqueueText(text string) {
	s.enqueue(job{kind: jobText, text: text, enqueuedAt: time.Now()})
}

// EnqueueTextExcluding dispatches an ad hoc text broadcast to all users
// except the given ids.
func (s *Service) EnqueueTextExcluding(text string, exclude []int64) {
	s.enqueue(job{kind: jobText, text: text, exclude: append([]int64(nil), exclude...), enqueuedAt: time.Now()})
}

func (s *Service) enqueue(j job) {
	select {
	case s.queue <- j:
	default:
		s.log.Warn().Int("queue_cap", cap(s.queue)).Msg("broadcast queue full; dropping job")
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.exec(ctx, j)
		}
	}
}

func (s *Service) exec(ctx context.Context, j job) {
	var err error
	switch j.kind {
	case jobByID:
		err = s.engine.Run(ctx, j.broadcastID)
	case jobText:
		err = s.engine.RunText(ctx, j.text, j.exclude)
	}
	if err != nil {
		s.log.Error().Int64("broadcast", j.broadcastID).Err(err).Msg("broadcast job aborted")
	}
}
