package alerter

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/wardpager/wardpager/internal/clock"
)

type fireLog struct {
	mu    sync.Mutex
	fires []string
	gens  []uint64
}

func (f *fireLog) record(id string, gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fires = append(f.fires, id)
	f.gens = append(f.gens, gen)
}

func TestSchedulerFires(t *testing.T) {
	clk := clock.NewFake(t0)
	fl := &fireLog{}
	s := NewScheduler(zerolog.Nop(), clk, fl.record, nil)

	s.Arm("a", 1, time.Minute)
	s.Arm("b", 4, 30*time.Second)
	assert.Equal(t, 2, s.Armed())

	clk.Advance(time.Minute)
	assert.Equal(t, []string{"b", "a"}, fl.fires)
	assert.Equal(t, []uint64{4, 1}, fl.gens)
	assert.Equal(t, 0, s.Armed())
}

func TestSchedulerArmReplaces(t *testing.T) {
	clk := clock.NewFake(t0)
	fl := &fireLog{}
	s := NewScheduler(zerolog.Nop(), clk, fl.record, nil)

	s.Arm("a", 1, time.Minute)
	s.Arm("a", 2, 2*time.Minute)
	assert.Equal(t, 1, s.Armed())
	assert.Equal(t, 1, clk.Pending())

	gen, ok := s.ArmedGeneration("a")
	assert.True(t, ok)
	assert.Equal(t, uint64(2), gen)

	clk.Advance(time.Hour)
	assert.Equal(t, []uint64{2}, fl.gens)
}

func TestSchedulerCancel(t *testing.T) {
	clk := clock.NewFake(t0)
	fl := &fireLog{}
	s := NewScheduler(zerolog.Nop(), clk, fl.record, nil)

	s.Arm("a", 1, time.Minute)
	s.Cancel("a")
	s.Cancel("unknown")

	clk.Advance(time.Hour)
	assert.Empty(t, fl.fires)
	assert.Equal(t, 0, s.Armed())
}

func TestSchedulerStop(t *testing.T) {
	clk := clock.NewFake(t0)
	fl := &fireLog{}
	s := NewScheduler(zerolog.Nop(), clk, fl.record, nil)

	s.Arm("a", 1, time.Minute)
	s.Stop()
	s.Arm("b", 1, time.Minute)

	clk.Advance(time.Hour)
	assert.Empty(t, fl.fires)
	assert.Equal(t, 0, clk.Pending())
}

func TestSchedulerRealClock(t *testing.T) {
	fired := make(chan uint64, 1)
	s := NewScheduler(zerolog.Nop(), clock.Real(), func(_ string, gen uint64) { fired <- gen }, nil)

	s.Arm("a", 9, 5*time.Millisecond)
	select {
	case gen := <-fired:
		assert.Equal(t, uint64(9), gen)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}
