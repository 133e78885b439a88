package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ngalert/internal/clock"
	"ngalert/internal/logging"
	"ngalert/internal/metrics"
	"ngalert/internal/models"
)

const (
	skipRunning   = "running"
	skipQueueFull = "queue_full"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config carries scheduler cadence and worker pool size.
type Config struct {
	BaseInterval time.Duration
	Workers      int
	QueueSize    int
	Clock        clock.Clock
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

type ruleEntry struct {
	rule     models.AlertRule
	guard    *runGuard
	schedule cron.Schedule
	next     time.Time
}

// Scheduler ticks rules and hands due jobs to a bounded worker pool.
// Params: engine and cadence settings.
// Returns: scheduler lifecycle.
type Scheduler struct {
	engine  *Engine
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[models.RuleKey]*ruleEntry

	queue chan *Job
}

// New creates scheduler.
// Params: engine and config; zero values fall back to 1s interval, one worker and queue of 64.
// Returns: scheduler without rules.
func New(engine *Engine, cfg Config) *Scheduler {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
	return &Scheduler{
		engine:  engine,
		cfg:     cfg,
		metrics: cfg.Metrics,
		logger:  logging.Component(cfg.Logger, "ngalert.scheduler"),
		entries: make(map[models.RuleKey]*ruleEntry),
		queue:   make(chan *Job, cfg.QueueSize),
	}
}

// UpdateRules replaces scheduled rule set.
// Params: ctx for state cleanup of removed rules, full rule list.
// Returns: joined validation and cleanup errors; invalid rules are skipped.
func (s *Scheduler) UpdateRules(ctx context.Context, rules []models.AlertRule) error {
	var (
		errs    []error
		removed []models.RuleKey
		now     = s.cfg.Clock.Now()
	)

	s.mu.Lock()
	desired := make(map[models.RuleKey]struct{}, len(rules))
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		var schedule cron.Schedule
		if rule.Schedule != "" {
			parsed, err := cronParser.Parse(rule.Schedule)
			if err != nil {
				errs = append(errs, fmt.Errorf("rule %s: parse schedule %q: %w", rule.UID, rule.Schedule, err))
				continue
			}
			schedule = parsed
		}
		key := rule.GetKey()
		desired[key] = struct{}{}
		entry, ok := s.entries[key]
		if !ok {
			entry = &ruleEntry{guard: newRunGuard()}
			s.entries[key] = entry
		}
		if !ok || entry.rule.Schedule != rule.Schedule {
			entry.schedule = schedule
			if schedule != nil {
				entry.next = schedule.Next(now)
			}
		}
		entry.rule = rule
	}
	for key := range s.entries {
		if _, ok := desired[key]; !ok {
			delete(s.entries, key)
			removed = append(removed, key)
		}
	}
	count := len(s.entries)
	s.mu.Unlock()

	for _, key := range removed {
		if err := s.engine.State().DeleteRule(ctx, key.OrgID, key.UID); err != nil {
			errs = append(errs, fmt.Errorf("delete states of %s: %w", key.String(), err))
		}
	}
	s.logger.Info("rules updated", "rules", count, "removed", len(removed), "rejected", len(errs))
	return errors.Join(errs...)
}

// Rules returns scheduled rules ordered by key.
// Params: none.
// Returns: rule snapshots.
func (s *Scheduler) Rules() []models.AlertRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AlertRule, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry.rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetKey().String() < out[j].GetKey().String() })
	return out
}

// Run ticks until ctx is done, then waits for in-flight jobs.
// Params: ctx controls scheduler lifetime.
// Returns: nil after workers stopped.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(ctx)
		}()
	}

	ticker := time.NewTicker(s.cfg.BaseInterval)
	defer ticker.Stop()
	s.logger.Info("scheduler started", "base_interval", s.cfg.BaseInterval.String(), "workers", s.cfg.Workers)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(s.cfg.Clock.Now())
		}
	}
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			s.engine.processJob(job)
		}
	}
}

// tick dispatches every due rule whose previous job finished.
// Params: tick instant.
// Returns: dispatched jobs.
func (s *Scheduler) tick(now time.Time) []*Job {
	at := now.Truncate(time.Second)
	s.mu.Lock()
	due := make([]*Job, 0)
	for _, entry := range s.entries {
		if !entry.due(at) {
			continue
		}
		due = append(due, newJob(entry.rule, at, entry.guard))
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool {
		return due[i].Rule.GetKey().String() < due[j].Rule.GetKey().String()
	})

	dispatched := due[:0]
	for _, job := range due {
		if !job.TryStart() {
			s.metrics.ScheduleSkipped.WithLabelValues(skipRunning).Inc()
			s.logger.Debug("skip rule tick, evaluation still running", "rule_uid", job.Rule.UID, "org_id", job.Rule.OrgID)
			continue
		}
		select {
		case s.queue <- job:
			dispatched = append(dispatched, job)
		default:
			job.Finish()
			s.metrics.ScheduleSkipped.WithLabelValues(skipQueueFull).Inc()
			s.logger.Warn("skip rule tick, worker queue full", "rule_uid", job.Rule.UID, "org_id", job.Rule.OrgID)
		}
	}
	return dispatched
}

// due reports whether entry runs at instant and advances cron cursor.
func (e *ruleEntry) due(at time.Time) bool {
	if e.schedule != nil {
		if at.Before(e.next) {
			return false
		}
		e.next = e.schedule.Next(at)
		return true
	}
	offset := e.rule.IntervalSeconds
	if offset < 1 {
		offset = 1
	}
	return at.Unix()%offset == 0
}
