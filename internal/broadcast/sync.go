package broadcast

import (
	"sync"
	"time"
)

// Synchronizer tracks the presentation timestamps seen on the video
// and audio paths. Capture drivers deliver audio slightly ahead of
// the matching video frame, so audio samples whose PTS runs ahead of
// the last video PTS are held back by the observed lead before they
// reach the session handle.
type Synchronizer struct {
	mu       sync.Mutex
	videoPTS time.Duration
	started  bool
}

// ObserveVideo records the newest video timestamp. Video samples are
// never delayed.
func (s *Synchronizer) ObserveVideo(pts time.Duration) {
	s.mu.Lock()
	s.videoPTS = pts
	s.started = true
	s.mu.Unlock()
}

// AudioDelay returns how long an audio sample with the given PTS
// should be held. Zero means push immediately.
func (s *Synchronizer) AudioDelay(pts time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return 0
	}
	lead := pts - s.videoPTS
	if lead <= 0 {
		return 0
	}
	return lead
}

// Reset clears the observed timeline, for a fresh capture session.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	s.videoPTS = 0
	s.started = false
	s.mu.Unlock()
}
