package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner counts firings and scripts the returned schedule.
type fakeRunner struct {
	id   types.CellID
	mu   sync.Mutex
	runs int
	next func(run int, current types.Schedule) *types.Schedule
}

func (f *fakeRunner) ID() types.CellID { return f.id }

func (f *fakeRunner) RunScheduled(ctx context.Context, zome, fn string, current types.Schedule) *types.Schedule {
	f.mu.Lock()
	f.runs++
	run := f.runs
	f.mu.Unlock()
	if f.next == nil {
		return nil
	}
	return f.next(run, current)
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func testCellID(seed byte) types.CellID {
	key := make([]byte, 32)
	for i := range key {
		key[i] = seed
	}
	return types.CellID{
		DnaHash:  hash.New(hash.KindDna, []byte{seed}),
		AgentKey: hash.FromDigest(hash.KindAgent, key),
	}
}

func TestEphemeralFiresOnce(t *testing.T) {
	s := New()
	s.Start()
	defer s.Stop()

	runner := &fakeRunner{id: testCellID(1)}
	s.Schedule(runner, "posts", "cleanup", types.Schedule{Ephemeral: 1000}) // 1ms

	require.Eventually(t, func() bool { return runner.runCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, runner.runCount(), "nil return means no reschedule")
	assert.Equal(t, 0, s.Count())
}

func TestEphemeralReschedulesItself(t *testing.T) {
	s := New()
	s.Start()
	defer s.Stop()

	runner := &fakeRunner{id: testCellID(1)}
	runner.next = func(run int, current types.Schedule) *types.Schedule {
		if run >= 3 {
			return nil
		}
		return &types.Schedule{Ephemeral: 1000}
	}
	s.Schedule(runner, "posts", "tick", types.Schedule{Ephemeral: 1000})

	require.Eventually(t, func() bool { return runner.runCount() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 3, runner.runCount())
}

func TestMalformedCronDropped(t *testing.T) {
	s := New()
	s.Start()
	defer s.Stop()

	runner := &fakeRunner{id: testCellID(1)}
	s.Schedule(runner, "posts", "bad", types.Schedule{Persisted: "not a cron line"})
	assert.Equal(t, 0, s.Count())
}

func TestStopCellCancelsSchedules(t *testing.T) {
	s := New()
	s.Start()
	defer s.Stop()

	keep := &fakeRunner{id: testCellID(1)}
	drop := &fakeRunner{id: testCellID(2)}
	s.Schedule(keep, "posts", "tick", types.Schedule{Persisted: "* * * * *"})
	s.Schedule(drop, "posts", "tick", types.Schedule{Persisted: "* * * * *"})
	s.Schedule(drop, "posts", "tock", types.Schedule{Ephemeral: int64(time.Hour / time.Microsecond)})
	require.Equal(t, 3, s.Count())

	s.StopCell(drop.id)
	assert.Equal(t, 1, s.Count())
}

func TestReplaceSchedule(t *testing.T) {
	s := New()
	s.Start()
	defer s.Stop()

	runner := &fakeRunner{id: testCellID(1)}
	s.Schedule(runner, "posts", "tick", types.Schedule{Persisted: "* * * * *"})
	s.Schedule(runner, "posts", "tick", types.Schedule{Persisted: "*/5 * * * *"})
	assert.Equal(t, 1, s.Count(), "re-registration replaces, never duplicates")
}
