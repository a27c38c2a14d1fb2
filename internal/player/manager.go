package player

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"livebridge/internal/config"
	"livebridge/internal/event"
	"livebridge/internal/task"
)

// Manager owns the arena of player sessions. At most one session is
// active: it holds the preview surface and the audible volume, every
// other session is pinned to the muted volume. All control commands
// serialize on one mutex; player callbacks arrive asynchronously and
// are multiplexed onto a single outbound event stream.
type Manager struct {
	cfg     config.Config
	log     *logrus.Entry
	factory Factory
	surface Surface
	stream  *event.Stream

	mu       sync.Mutex
	sessions map[string]*session
	order    []string
	active   string
	batch    *task.Group

	maintain *task.Periodic
}

// session is one owned arena record. The active selection is a key
// into the arena, never a second reference to the player.
type session struct {
	id          string
	player      Player
	unsubscribe func()
	timers      *task.Group
}

func NewManager(cfg config.Config, factory Factory, surface Surface, log *logrus.Entry) *Manager {
	if surface == nil {
		surface = NopSurface{}
	}
	if log == nil {
		log = logrus.WithField("coordinator", "player")
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		factory:  factory,
		surface:  surface,
		stream:   event.NewStream(),
		sessions: make(map[string]*session),
		batch:    task.NewGroup(),
	}
}

// Listen subscribes to the outbound event stream. A later call
// supersedes the previous subscriber.
func (m *Manager) Listen() <-chan event.Payload {
	return m.stream.Listen()
}

// StartMaintenance launches the periodic self-healing pass.
func (m *Manager) StartMaintenance() {
	if m.maintain != nil {
		return
	}
	m.maintain = task.StartPeriodic(func(context.Context) { m.Maintain() }, m.cfg.MaintainInterval)
}

// Close tears down every session and the event stream.
func (m *Manager) Close() {
	if m.maintain != nil {
		if err := m.maintain.Stop(10 * time.Second); err != nil {
			m.log.WithError(err).Warn("maintenance loop did not stop in time")
		}
		m.maintain = nil
	}
	m.DisposeAll()
	m.stream.Close()
}

// Create registers a muted session for id, loading its stream. It is
// idempotent: an already known id is returned untouched.
func (m *Manager) Create(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.createLocked(id, false)
	return err
}

// Start promotes the session for url to active, creating it first if
// needed, and resumes playback when autoPlay is set.
func (m *Manager) Start(url string, autoPlay bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.createLocked(url, false)
	if err != nil {
		return err
	}
	m.activateLocked(url, false)
	if autoPlay {
		if err := s.player.Play(); err != nil {
			m.log.WithError(err).WithField("stream", url).Warn("autoplay failed")
		}
	}
	return nil
}

// Select makes id the active session. An unknown id is created on the
// fly; that is a recoverable condition, not an error.
func (m *Manager) Select(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.createLocked(id, false); err != nil {
		return err
	}
	m.activateLocked(id, true)
	return nil
}

// MultiPlayer replaces the whole arena with one batch: urls[0] becomes
// active, the rest are created muted, and after the grace delay every
// session starts playing so the muted ones have buffered before a
// later Select reveals them.
func (m *Manager) MultiPlayer(urls []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.disposeAllLocked()
	if len(urls) == 0 {
		return nil
	}

	for i, url := range urls {
		if _, err := m.createLocked(url, i == 0); err != nil {
			m.log.WithError(err).WithField("stream", url).Error("batch create failed")
		}
	}
	if _, ok := m.sessions[urls[0]]; ok {
		m.active = urls[0]
		m.surface.Attach(urls[0])
	}

	batch := append([]string(nil), urls...)
	m.batch.After(m.cfg.MultiPlayerGrace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, url := range batch {
			s, ok := m.sessions[url]
			if !ok {
				continue
			}
			if err := s.player.Play(); err != nil {
				m.log.WithError(err).WithField("stream", url).Warn("batch start failed")
			}
		}
	})
	return nil
}

// Stop removes the session for id. If it was active, the first
// remaining session is promoted; otherwise the selection and the
// preview surface are cleared.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	m.removeLocked(s)

	if m.active != id {
		return nil
	}
	if len(m.order) > 0 {
		m.activateLocked(m.order[0], true)
	} else {
		m.active = ""
		m.surface.Clear()
	}
	return nil
}

// DisposeAll removes every session. Safe with zero sessions.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposeAllLocked()
}

// Mute toggles the binary volume of the active session. A non-active
// id is forced back to muted instead, so background sessions can never
// stay audible by accident.
func (m *Manager) Mute(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.resolveLocked(id)
	if err != nil {
		return err
	}
	if s.id != m.active {
		s.player.SetVolume(m.cfg.MutedVolume)
		return nil
	}
	v := m.cfg.MutedVolume
	if s.player.Volume() == m.cfg.MutedVolume {
		v = m.cfg.ActiveVolume
	}
	s.player.SetVolume(v)
	m.stream.Publish(event.Payload{"type": "volume", "player": s.id, "volume": v})
	return nil
}

// Pause pauses the active session.
func (m *Manager) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.activeLocked()
	if err != nil {
		return err
	}
	return s.player.Pause()
}

// Resume resumes the active session.
func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.activeLocked()
	if err != nil {
		return err
	}
	return s.player.Play()
}

// Seek seeks the active session.
func (m *Manager) Seek(pos time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.activeLocked()
	if err != nil {
		return err
	}
	return s.player.SeekTo(pos)
}

// Position returns the playback position of the active session.
func (m *Manager) Position() (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.activeLocked()
	if err != nil {
		return 0, err
	}
	return s.player.Position(), nil
}

// Qualities lists the renditions of the session for id (the active
// session when id is empty).
func (m *Manager) Qualities(id string) ([]Quality, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.resolveLocked(id)
	if err != nil {
		return nil, err
	}
	return s.player.Qualities(), nil
}

// SetQuality switches the named rendition. An unknown name is a no-op:
// no event, no state change.
func (m *Manager) SetQuality(id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.resolveLocked(id)
	if err != nil {
		return err
	}
	for _, q := range s.player.Qualities() {
		if q.Name == name {
			return s.player.SetQuality(q)
		}
	}
	return nil
}

// ToggleAutoQuality flips the auto-quality flag.
func (m *Manager) ToggleAutoQuality(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.resolveLocked(id)
	if err != nil {
		return err
	}
	s.player.SetAutoQuality(!s.player.AutoQuality())
	return nil
}

// IsAuto reports the auto-quality flag.
func (m *Manager) IsAuto(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.resolveLocked(id)
	if err != nil {
		return false, err
	}
	return s.player.AutoQuality(), nil
}

// Screenshot returns the most recent keyframe of the session for url,
// or nil when none has been seen yet.
func (m *Manager) Screenshot(url string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[url]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s.player.Screenshot(), nil
}

// Maintain is the self-healing pass: stalled non-active sessions are
// reloaded, paused ones resumed, and every volume is pinned back to
// the desired value. It converges and is safe to call repeatedly.
func (m *Manager) Maintain() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		s := m.sessions[id]
		if id == m.active {
			s.player.SetVolume(m.cfg.ActiveVolume)
			continue
		}
		s.player.SetVolume(m.cfg.MutedVolume)
		switch s.player.State() {
		case StateEnded, StateIdle, StateUnknown:
			if err := s.player.Load(id); err != nil {
				m.log.WithError(err).WithField("stream", id).Warn("maintenance reload failed")
			}
		case StateReady, StateBuffering:
			if err := s.player.Play(); err != nil {
				m.log.WithError(err).WithField("stream", id).Warn("maintenance resume failed")
			}
		}
	}
}

// Active returns the active session id, or "".
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// resolveLocked maps an optional id to its session: an empty id means
// the active session, which must exist.
func (m *Manager) resolveLocked(id string) (*session, error) {
	if id == "" {
		return m.activeLocked()
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

func (m *Manager) activeLocked() (*session, error) {
	if m.active == "" {
		return nil, ErrNoActiveSession
	}
	return m.sessions[m.active], nil
}

func (m *Manager) createLocked(id string, markActive bool) (*session, error) {
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	p, err := m.factory(id)
	if err != nil {
		return nil, err
	}
	s := &session{id: id, player: p, timers: task.NewGroup()}
	s.unsubscribe = p.Subscribe(&sessionObserver{m: m, id: id})
	if markActive {
		p.SetVolume(m.cfg.ActiveVolume)
	} else {
		p.SetVolume(m.cfg.MutedVolume)
	}
	m.sessions[id] = s
	m.order = append(m.order, id)

	if err := p.Load(id); err != nil {
		m.log.WithError(err).WithField("stream", id).Warn("initial load failed")
		if isNetworkError(err) {
			m.scheduleRecoveryLocked(s)
		}
	}
	return s, nil
}

// activateLocked applies the activation steps shared by Select, Start
// and the promotion after Stop: mute discipline across the arena,
// optional resume, preview hand-over and a full state snapshot so late
// listeners get context for the new active session.
func (m *Manager) activateLocked(id string, ensurePlay bool) {
	prev := m.active
	m.active = id

	for key, s := range m.sessions {
		if key == id {
			s.player.SetVolume(m.cfg.ActiveVolume)
		} else {
			s.player.SetVolume(m.cfg.MutedVolume)
		}
	}

	s := m.sessions[id]
	if ensurePlay {
		switch s.player.State() {
		case StatePlaying, StateBuffering:
		default:
			if err := s.player.Play(); err != nil {
				m.log.WithError(err).WithField("stream", id).Warn("resume on activation failed")
			}
		}
	}

	if prev != "" && prev != id {
		m.surface.CrossFade(prev, id)
	} else {
		m.surface.Attach(id)
	}

	p := s.player
	m.stream.Publish(event.Payload{
		"type":        "snapshot",
		"player":      id,
		"state":       p.State().String(),
		"syncTime":    p.SyncTime().Seconds(),
		"position":    p.Position().Seconds(),
		"quality":     p.Quality().Name,
		"autoQuality": p.AutoQuality(),
		"volume":      p.Volume(),
	})
}

func (m *Manager) removeLocked(s *session) {
	if err := s.player.Pause(); err != nil {
		m.log.WithError(err).WithField("stream", s.id).Debug("pause on remove failed")
	}
	s.unsubscribe()
	s.timers.StopAll()
	if err := s.player.Close(); err != nil {
		m.log.WithError(err).WithField("stream", s.id).Warn("player close failed")
	}
	delete(m.sessions, s.id)
	for i, id := range m.order {
		if id == s.id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Manager) disposeAllLocked() {
	had := len(m.order) > 0 || m.active != ""
	for _, id := range append([]string(nil), m.order...) {
		m.removeLocked(m.sessions[id])
	}
	m.active = ""
	m.batch.StopAll()
	m.batch = task.NewGroup()
	if had {
		m.surface.Clear()
	}
}

// recoverSession handles a session-level playback error. Network
// errors get a bounded delayed reload+resume for that session only;
// everything else has already been surfaced as an event and is left
// alone.
func (m *Manager) recoverSession(id string, err error) {
	if !isNetworkError(err) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return
	}
	m.log.WithError(err).WithField("stream", id).Info("scheduling network recovery")
	m.scheduleRecoveryLocked(s)
}

func (m *Manager) scheduleRecoveryLocked(s *session) {
	id := s.id
	s.timers.After(m.cfg.RecoverReload, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		s, ok := m.sessions[id]
		if !ok {
			return
		}
		if err := s.player.Load(id); err != nil {
			m.log.WithError(err).WithField("stream", id).Warn("recovery reload failed")
			return
		}
		s.timers.After(m.cfg.RecoverResume, func() {
			m.mu.Lock()
			defer m.mu.Unlock()

			s, ok := m.sessions[id]
			if !ok {
				return
			}
			if err := s.player.Play(); err != nil {
				m.log.WithError(err).WithField("stream", id).Warn("recovery resume failed")
			}
			if id == m.active {
				s.player.SetVolume(m.cfg.ActiveVolume)
			} else {
				s.player.SetVolume(m.cfg.MutedVolume)
			}
		})
	})
}

// sessionObserver tags every player notification with its session id
// and forwards it to the shared stream. One observer exists per
// session for the session's whole life, so there is no delegate slot
// to race over.
type sessionObserver struct {
	m  *Manager
	id string
}

func (o *sessionObserver) OnStateChange(s PlaybackState) {
	o.m.stream.Publish(event.Payload{"type": "state", "player": o.id, "state": s.String()})
}

func (o *sessionObserver) OnDurationChange(d time.Duration) {
	o.m.stream.Publish(event.Payload{"type": "duration", "player": o.id, "duration": d.Seconds()})
}

func (o *sessionObserver) OnSyncTime(t time.Duration) {
	o.m.stream.Publish(event.Payload{"type": "syncTime", "player": o.id, "syncTime": t.Seconds()})
}

func (o *sessionObserver) OnQualityChange(q Quality) {
	o.m.stream.Publish(event.Payload{"type": "quality", "player": o.id, "quality": q.Name})
}

func (o *sessionObserver) OnCue(kind, payload string) {
	o.m.stream.Publish(event.Payload{"type": "cue", "player": o.id, "cue": kind, "payload": payload})
}

func (o *sessionObserver) OnSeek(pos time.Duration) {
	o.m.stream.Publish(event.Payload{"type": "seek", "player": o.id, "position": pos.Seconds()})
}

func (o *sessionObserver) OnError(err error) {
	o.m.stream.Publish(event.Payload{"type": "error", "player": o.id, "error": err.Error()})
	o.m.recoverSession(o.id, err)
}
