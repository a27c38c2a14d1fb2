package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupAfterFires(t *testing.T) {
	g := NewGroup()
	fired := make(chan struct{})

	timer := g.After(5*time.Millisecond, func() { close(fired) })
	require.NotNil(t, timer)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	assert.Zero(t, g.Pending())
}

func TestTimerCancel(t *testing.T) {
	g := NewGroup()
	var fired int32

	timer := g.After(20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	timer.Cancel()

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fired))
	assert.Zero(t, g.Pending())
}

func TestStopAllCancelsPendingAndRejectsNew(t *testing.T) {
	g := NewGroup()
	var fired int32

	g.After(20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	g.After(25*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	g.StopAll()

	assert.Nil(t, g.After(time.Millisecond, func() { atomic.AddInt32(&fired, 1) }))

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fired))
	assert.Zero(t, g.Pending())
}

func TestPeriodicRunsAndStops(t *testing.T) {
	var passes int32
	p := StartPeriodic(func(context.Context) { atomic.AddInt32(&passes, 1) }, time.Hour)

	p.Run()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&passes) >= 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Stop(time.Second))

	before := atomic.LoadInt32(&passes)
	p.Run()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, before, atomic.LoadInt32(&passes))
}

func TestPeriodicSleepInterval(t *testing.T) {
	var passes int32
	p := StartPeriodic(func(context.Context) { atomic.AddInt32(&passes, 1) }, 10*time.Millisecond)
	defer p.Stop(time.Second)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&passes) >= 3
	}, time.Second, 5*time.Millisecond)
}
