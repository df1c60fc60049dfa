package scheduler

import (
	"errors"
	"sync"
	"testing"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohbridge/internal/logging"
	"ohbridge/internal/trigger"
)

type recordingTarget struct {
	name string
	err  error

	mu      sync.Mutex
	actions []trigger.Action
}

func (r *recordingTarget) Name() string { return r.name }

func (r *recordingTarget) Do(a trigger.Action) error {
	r.mu.Lock()
	r.actions = append(r.actions, a)
	r.mu.Unlock()
	return r.err
}

// runJobs runs the jobs of a node immediately, in schedule order
func runJobs(s *Scheduler, node string) {
	s.jobMapMux.RLock()
	ids := append([]cron.EntryID(nil), s.jobMap[node]...)
	s.jobMapMux.RUnlock()
	for _, id := range ids {
		if e := s.cron.Entry(id); e.Valid() {
			e.Job.Run()
		}
	}
}

func TestAddOrUpdateSchedules(t *testing.T) {
	s := NewScheduler(logging.Nop())
	target := &recordingTarget{name: "hallway"}

	require.NoError(t, s.AddOrUpdateSchedules(target, []trigger.Schedule{
		{Cron: "0 7 * * *", Action: trigger.ActionDisarm},
		{Cron: "0 22 * * *", Action: trigger.ActionArm},
	}))
	assert.Equal(t, 2, s.GetScheduledJobCount())

	runJobs(s, "hallway")
	assert.Equal(t, []trigger.Action{trigger.ActionDisarm, trigger.ActionArm}, target.actions)

	// replacing keeps only the new set
	require.NoError(t, s.AddOrUpdateSchedules(target, []trigger.Schedule{{Cron: "@hourly", Action: trigger.ActionReset}}))
	assert.Equal(t, 1, s.GetScheduledJobCount())
	assert.Len(t, s.cron.Entries(), 1)
}

func TestInvalidCronAddsNothing(t *testing.T) {
	s := NewScheduler(logging.Nop())
	err := s.AddOrUpdateSchedules(&recordingTarget{name: "n"}, []trigger.Schedule{
		{Cron: "0 7 * * *", Action: trigger.ActionArm},
		{Cron: "not a cron", Action: trigger.ActionArm},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `node "n"`)
	assert.Zero(t, s.GetScheduledJobCount())
	assert.Empty(t, s.cron.Entries())
}

func TestFailingActionIsLogged(t *testing.T) {
	s := NewScheduler(logging.Nop())
	target := &recordingTarget{name: "n", err: errors.New("boom")}
	require.NoError(t, s.AddOrUpdateSchedules(target, []trigger.Schedule{{Cron: "* * * * *", Action: "bogus"}}))
	runJobs(s, "n")
	assert.Len(t, target.actions, 1)

	s.RemoveSchedules("n")
	assert.Zero(t, s.GetScheduledJobCount())
	assert.Empty(t, s.cron.Entries())
}

func TestStartStop(t *testing.T) {
	s := NewScheduler(logging.Nop())
	s.Start()
	s.Stop()
}
