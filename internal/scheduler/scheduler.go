package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"travelkit/internal/config"
	"travelkit/internal/logger"
	"travelkit/internal/workflow"
	"golang.org/x/sync/errgroup"
)

// Reminder fires this long before the confirmation deadline; the
// finalize check runs shortly after it, and the force pass cleans up
// anything the check left behind.
const (
	reminderLead = 48 * time.Hour
	checkDelay   = time.Hour
	forceDelay   = 6 * time.Hour
)

// Job is one periodic task.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler drives the periodic passes and the per-group deadline
// timers. Periodic jobs of the same name never overlap: a tick that
// arrives while the previous run is still going is skipped.
type Scheduler struct {
	cfg config.SchedulerConfig
	svc *workflow.Service

	mu      sync.Mutex
	timers  map[int64][]*time.Timer
	baseCtx context.Context
}

// New creates a Scheduler over the workflow service and hooks it into
// the workflow so any path that opens a confirmation window arms its
// deadline timers.
func New(cfg config.SchedulerConfig, svc *workflow.Service) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		svc:     svc,
		timers:  make(map[int64][]*time.Timer),
		baseCtx: context.Background(),
	}
	svc.SetTimerHook(s.ArmDeadline)
	return s
}

// runCtx is the context timer callbacks run under: the Start context
// once running, background before that. Timers must outlive the HTTP
// request that armed them.
func (s *Scheduler) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// jobs assembles the periodic job table from the configured cadence.
func (s *Scheduler) jobs() []Job {
	return []Job{
		{"cluster", s.cfg.PeriodCluster, func(ctx context.Context) error {
			_, err := s.svc.ClusterAll(ctx, time.Now())
			return err
		}},
		{"optimize", s.cfg.PeriodOptimize, func(ctx context.Context) error {
			_, err := s.svc.OptimizeGroups(ctx, time.Now())
			return err
		}},
		{"sweep", s.cfg.PeriodSweep, func(ctx context.Context) error {
			now := time.Now()
			if err := s.svc.SendReminders(ctx, now, reminderLead); err != nil {
				return err
			}
			return s.svc.SweepDeadlines(ctx, now)
		}},
		{"refunds", s.cfg.PeriodReap, func(ctx context.Context) error {
			return s.svc.ProcessRefunds(ctx, time.Now())
		}},
		{"followup", s.cfg.PeriodFollowUp, func(ctx context.Context) error {
			return s.svc.FollowUpNudges(ctx, time.Now(), 48*time.Hour)
		}},
	}
}

// Start re-arms persisted deadline timers and runs the periodic jobs
// until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if err := s.RearmAll(); err != nil {
		logger.Error("SCHED", fmt.Sprintf("Re-arm deadline timers: %v", err))
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs() {
		job := job
		if job.Every <= 0 {
			continue
		}
		g.Go(func() error {
			ticker := time.NewTicker(job.Every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					s.runJob(ctx, job)
				}
			}
		})
	}
	err := g.Wait()
	s.stopTimers()
	return err
}

// runJob runs one job tick under the hard timeout, logging if the soft
// timeout passes first.
func (s *Scheduler) runJob(ctx context.Context, job Job) {
	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.HardTimeout)
	defer cancel()

	soft := time.AfterFunc(s.cfg.SoftTimeout, func() {
		logger.Warn("SCHED", fmt.Sprintf("Job %s exceeded soft timeout %s", job.Name, s.cfg.SoftTimeout))
	})
	defer soft.Stop()

	start := time.Now()
	if err := job.Run(jobCtx); err != nil && ctx.Err() == nil {
		logger.Error("SCHED", fmt.Sprintf("Job %s: %v", job.Name, err))
		return
	}
	logger.Debug("SCHED", fmt.Sprintf("Job %s done in %s", job.Name, time.Since(start).Round(time.Millisecond)))
}

// ArmDeadline schedules the one-shot timers for one group's
// confirmation deadline: reminder before it, a finalize check just
// after it, and a force pass later for anything still pending. Arming
// the same group twice replaces the earlier timers.
func (s *Scheduler) ArmDeadline(groupID int64, deadline time.Time) {
	s.mu.Lock()
	for _, t := range s.timers[groupID] {
		t.Stop()
	}
	s.timers[groupID] = nil

	schedule := func(at time.Time, fn func(ctx context.Context)) {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		t := time.AfterFunc(d, func() {
			ctx := s.runCtx()
			if ctx.Err() != nil {
				return
			}
			fn(ctx)
		})
		s.timers[groupID] = append(s.timers[groupID], t)
	}

	schedule(deadline.Add(-reminderLead), func(ctx context.Context) {
		if err := s.svc.SendReminders(ctx, time.Now(), reminderLead); err != nil {
			logger.Error("SCHED", fmt.Sprintf("Reminder for group %d: %v", groupID, err))
		}
	})
	schedule(deadline.Add(checkDelay), func(ctx context.Context) {
		if _, err := s.svc.FinalizeGroup(ctx, groupID, false); err != nil {
			logger.Debug("SCHED", fmt.Sprintf("Finalize check group %d: %v", groupID, err))
		}
	})
	schedule(deadline.Add(forceDelay), func(ctx context.Context) {
		if _, err := s.svc.FinalizeGroup(ctx, groupID, true); err != nil {
			logger.Debug("SCHED", fmt.Sprintf("Force finalize group %d: %v", groupID, err))
		}
	})
	s.mu.Unlock()

	logger.Debug("SCHED", fmt.Sprintf("Armed deadline timers for group %d at %s",
		groupID, deadline.Format(time.RFC3339)))
}

// RearmAll restores deadline timers for every non-terminal group after
// a restart, so deadlines survive the process.
func (s *Scheduler) RearmAll() error {
	groups, err := s.svc.GroupsAwaitingDeadline()
	if err != nil {
		return err
	}
	for _, g := range groups {
		if g.ConfirmationDeadline == nil {
			continue
		}
		s.ArmDeadline(g.ID, *g.ConfirmationDeadline)
	}
	if len(groups) > 0 {
		logger.Info("SCHED", fmt.Sprintf("Re-armed deadline timers for %d groups", len(groups)))
	}
	return nil
}

func (s *Scheduler) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ts := range s.timers {
		for _, t := range ts {
			t.Stop()
		}
	}
	s.timers = make(map[int64][]*time.Timer)
}
