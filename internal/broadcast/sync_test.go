package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAudioDelayBeforeAnyVideo(t *testing.T) {
	var s Synchronizer
	assert.Zero(t, s.AudioDelay(500*time.Millisecond))
}

func TestAudioDelayWhenAudioLeads(t *testing.T) {
	var s Synchronizer
	s.ObserveVideo(100 * time.Millisecond)

	assert.Equal(t, 30*time.Millisecond, s.AudioDelay(130*time.Millisecond))
	assert.Zero(t, s.AudioDelay(100*time.Millisecond))
	assert.Zero(t, s.AudioDelay(40*time.Millisecond))
}

func TestAudioDelayTracksNewestVideo(t *testing.T) {
	var s Synchronizer
	s.ObserveVideo(100 * time.Millisecond)
	s.ObserveVideo(200 * time.Millisecond)

	assert.Zero(t, s.AudioDelay(150*time.Millisecond))
	assert.Equal(t, 10*time.Millisecond, s.AudioDelay(210*time.Millisecond))
}

func TestSynchronizerReset(t *testing.T) {
	var s Synchronizer
	s.ObserveVideo(time.Second)
	s.Reset()
	assert.Zero(t, s.AudioDelay(2*time.Second))
}
