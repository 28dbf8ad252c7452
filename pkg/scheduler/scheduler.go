package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CellRunner is the slice of a cell the scheduler drives. RunScheduled is
// infallible from the scheduler's perspective: it returns the next schedule
// or nil to stop.
type CellRunner interface {
	ID() types.CellID
	RunScheduled(ctx context.Context, zome, fn string, current types.Schedule) *types.Schedule
}

// Scheduler runs scheduled zome functions across cells. Persisted(cron)
// schedules survive restarts (the cell re-registers them from its store on
// start); Ephemeral(duration) schedules are in-memory timers lost on
// restart.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID // persisted, by cell|zome|fn
	timers  map[string]*time.Timer  // ephemeral, by cell|zome|fn
	stopped bool
}

// New creates a scheduler. Call Start before scheduling.
func New() *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		logger:  log.WithComponent("scheduler"),
		entries: make(map[string]cron.EntryID),
		timers:  make(map[string]*time.Timer),
	}
}

// Start begins cron dispatch.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("Scheduler started")
}

// Stop stops cron dispatch and cancels every ephemeral timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[string]*time.Timer)
	s.mu.Unlock()
	s.cron.Stop()
	s.logger.Info().Msg("Scheduler stopped")
}

func scheduleKey(cellID types.CellID, zome, fn string) string {
	return cellID.String() + "|" + zome + "|" + fn
}

// Schedule registers (or replaces) a scheduled function for a cell.
func (s *Scheduler) Schedule(runner CellRunner, zome, fn string, sched types.Schedule) {
	key := scheduleKey(runner.ID(), zome, fn)
	s.unschedule(key)

	if sched.IsPersisted() {
		entryID, err := s.cron.AddFunc(sched.Persisted, func() {
			s.fire(runner, zome, fn, sched)
		})
		if err != nil {
			// Scheduled functions are infallible: a bad cron expression is
			// logged and dropped, never surfaced to the guest.
			s.logger.Warn().Err(err).Str("fn", fn).Str("cron", sched.Persisted).Msg("Rejecting malformed cron schedule")
			return
		}
		s.mu.Lock()
		s.entries[key] = entryID
		s.mu.Unlock()
		return
	}

	delay := time.Duration(sched.Ephemeral) * time.Microsecond
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.timers[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()
		s.fire(runner, zome, fn, sched)
	})
	s.mu.Unlock()
}

// fire runs one scheduled invocation and applies the returned schedule:
// nil stops, a new value reschedules.
func (s *Scheduler) fire(runner CellRunner, zome, fn string, current types.Schedule) {
	next := runner.RunScheduled(context.Background(), zome, fn, current)
	if next == nil {
		s.unschedule(scheduleKey(runner.ID(), zome, fn))
		return
	}
	// Persisted schedules with an unchanged cron spec keep their entry;
	// anything else re-registers.
	if next.IsPersisted() && current.IsPersisted() && next.Persisted == current.Persisted {
		return
	}
	s.Schedule(runner, zome, fn, *next)
}

func (s *Scheduler) unschedule(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[key]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, key)
	}
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// StopCell cancels every schedule belonging to the cell. Called when an app
// is disabled.
func (s *Scheduler) StopCell(cellID types.CellID) {
	prefix := cellID.String() + "|"
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entryID := range s.entries {
		if strings.HasPrefix(key, prefix) {
			s.cron.Remove(entryID)
			delete(s.entries, key)
		}
	}
	for key, t := range s.timers {
		if strings.HasPrefix(key, prefix) {
			t.Stop()
			delete(s.timers, key)
		}
	}
}

// Count reports active schedules, for state dumps.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) + len(s.timers)
}
