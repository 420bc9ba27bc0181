package syncq

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultInterval is the pause between background flush passes.
const DefaultInterval = 30 * time.Second

// SchedulerConfig defines the configuration for a Scheduler.
type SchedulerConfig struct {
	// Interval between passes. Defaults to DefaultInterval.
	Interval time.Duration
	// FlushOptions are applied to every pass.
	FlushOptions []FlushOption
	// Project restricts passes to one project key when set.
	Project string
	// SkipMigration disables the one-time MigrateTargets run on Start.
	SkipMigration bool
	// Logger is used for scheduler events. Defaults to NoopLogger.
	Logger Logger
	// OnResult, if set, observes every pass. A pass skipped because another
	// holds the lock reports ErrLockHeld.
	OnResult func(FlushResult, error)
}

// Scheduler runs flush passes in the background, on a ticker and on Kick.
type Scheduler struct {
	q    *Queue
	exec Executor
	cfg  SchedulerConfig
	log  Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	kick    chan struct{}
}

// NewScheduler creates a scheduler delivering q's items through exec.
func NewScheduler(q *Queue, exec Executor, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	l := cfg.Logger
	if l == nil {
		l = NoopLogger{}
	}
	return &Scheduler{
		q:    q,
		exec: exec,
		cfg:  cfg,
		log:  l,
		kick: make(chan struct{}, 1),
	}
}

// Start launches the background loop. It is idempotent and non-blocking.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.log.Warnf("scheduler already started; ignoring Start()")
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Infof("starting scheduler: interval=%s project=%q", s.cfg.Interval, s.cfg.Project)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.cfg.SkipMigration {
			if n, err := s.q.MigrateTargets(ctx); err != nil {
				s.log.Warnf("scheduler: migrate failed err=%v", err)
			} else if n > 0 {
				s.log.Infof("scheduler: migrated %d items", n)
			}
		}
		s.loop(ctx)
	}()
}

// Stop cancels the loop and waits for an in-flight pass to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.log.Warnf("scheduler not started; ignoring Stop()")
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	s.log.Infof("stopping scheduler")
	cancel()
	s.wg.Wait()
}

// Kick requests a pass as soon as possible, e.g. when connectivity returns.
// Kicks coalesce while a pass is pending.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.pass(ctx)
	}
}

func (s *Scheduler) pass(ctx context.Context) {
	var (
		res FlushResult
		err error
	)
	if s.cfg.Project != "" {
		res, err = s.q.FlushForProject(ctx, s.cfg.Project, s.exec, s.cfg.FlushOptions...)
	} else {
		res, err = s.q.Flush(ctx, s.exec, s.cfg.FlushOptions...)
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrLockHeld):
		s.log.Debugf("scheduler: pass skipped, lock held")
	case errors.Is(err, context.Canceled):
	default:
		s.log.Errorf("scheduler: pass failed err=%v", err)
	}
	if s.cfg.OnResult != nil {
		s.cfg.OnResult(res, err)
	}
}
