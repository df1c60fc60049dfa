package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"ohbridge/internal/logging"
	"ohbridge/internal/trigger"
)

// Target receives scheduled actions
type Target interface {
	Name() string
	Do(a trigger.Action) error
}

// Scheduler manages time-based trigger inputs
type Scheduler struct {
	cron      *cron.Cron
	logger    *slog.Logger
	jobMap    map[string][]cron.EntryID // Maps node name to its cron entries
	jobMapMux sync.RWMutex
}

// NewScheduler creates a scheduler
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logging.Component(logger, "scheduler"),
		jobMap: make(map[string][]cron.EntryID),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("cron scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopped")
}

// AddJob adds a cron job and returns the entry ID
func (s *Scheduler) AddJob(spec string, fn func()) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, fn)
}

// AddOrUpdateSchedules replaces every schedule of target. Nothing is added
// when one of the expressions is invalid.
func (s *Scheduler) AddOrUpdateSchedules(target Target, schedules []trigger.Schedule) error {
	node := target.Name()
	s.RemoveSchedules(node)

	var ids []cron.EntryID
	for _, sch := range schedules {
		action := sch.Action
		spec := sch.Cron
		id, err := s.AddJob(spec, func() {
			s.logger.Info("cron job triggered", "node", node, "action", action, "cron", spec)
			if err := target.Do(action); err != nil {
				s.logger.Warn("scheduled action failed", "node", node, "action", action, "error", err)
			}
		})
		if err != nil {
			for _, added := range ids {
				s.cron.Remove(added)
			}
			return fmt.Errorf("scheduler: node %q: cron %q: %w", node, spec, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}

	s.jobMapMux.Lock()
	s.jobMap[node] = ids
	s.jobMapMux.Unlock()
	s.logger.Debug("schedules added", "node", node, "count", len(ids))
	return nil
}

// RemoveSchedules removes every schedule of a node
func (s *Scheduler) RemoveSchedules(node string) {
	s.jobMapMux.Lock()
	defer s.jobMapMux.Unlock()

	if ids, exists := s.jobMap[node]; exists {
		for _, id := range ids {
			s.cron.Remove(id)
		}
		delete(s.jobMap, node)
		s.logger.Debug("schedules removed", "node", node, "count", len(ids))
	}
}

// GetScheduledJobCount returns the number of currently scheduled jobs
func (s *Scheduler) GetScheduledJobCount() int {
	s.jobMapMux.RLock()
	defer s.jobMapMux.RUnlock()
	n := 0
	for _, ids := range s.jobMap {
		n += len(ids)
	}
	return n
}
