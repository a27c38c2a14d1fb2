package player

import (
	"fmt"
	"sync"
	"time"

	"github.com/aler9/gortsplib"
	"github.com/aler9/gortsplib/pkg/headers"
	"github.com/aler9/gortsplib/pkg/url"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// NewRTSPFactory returns a Factory producing RTSP-backed players. The
// stream id doubles as the RTSP URL.
func NewRTSPFactory(log *logrus.Entry) Factory {
	if log == nil {
		log = logrus.WithField("player", "rtsp")
	}
	return func(id string) (Player, error) {
		return &rtspPlayer{
			log:    log.WithField("stream", id),
			state:  StateIdle,
			obs:    make(map[int]Observer),
			volume: 0,
		}, nil
	}
}

// rtspPlayer is the production Player: a low-latency RTSP client.
// Volume is bookkeeping for the mute discipline; rendering happens
// upstream of this process.
type rtspPlayer struct {
	log *logrus.Entry

	mu        sync.Mutex
	url       string
	client    *gortsplib.Client
	state     PlaybackState
	volume    float64
	auto      bool
	qualities []Quality
	current   Quality
	keyframe  []byte
	position  time.Duration
	lastSeq   uint16
	seqKnown  bool
	obs       map[int]Observer
	nextObs   int
	closed    bool
}

func (p *rtspPlayer) Load(address string) error {
	u, err := url.Parse(address)
	if err != nil {
		return fmt.Errorf("parse stream url: %w", err)
	}

	p.mu.Lock()
	p.closeClientLocked()
	p.url = address
	p.mu.Unlock()

	c := &gortsplib.Client{}
	c.OnPacketRTP = p.handlePacket

	if err := c.Start(u.Scheme, u.Host); err != nil {
		p.setState(StateUnknown)
		return fmt.Errorf("%w: connect %s: %v", ErrNetwork, u.Host, err)
	}
	tracks, baseURL, _, err := c.Describe(u)
	if err != nil {
		c.Close()
		p.setState(StateUnknown)
		return fmt.Errorf("%w: describe %s: %v", ErrNetwork, address, err)
	}
	if err := c.SetupAndPlay(tracks, baseURL); err != nil {
		c.Close()
		p.setState(StateUnknown)
		return fmt.Errorf("%w: setup %s: %v", ErrNetwork, address, err)
	}
	// Hold paused until playback is requested.
	if _, err := c.Pause(); err != nil {
		p.log.WithError(err).Debug("initial pause failed")
	}

	var qs []Quality
	for _, t := range tracks {
		if _, ok := t.(*gortsplib.TrackH264); ok {
			qs = append(qs, Quality{Name: "source", Codecs: "avc1"})
		}
	}

	p.mu.Lock()
	p.client = c
	p.qualities = qs
	if len(qs) > 0 {
		p.current = qs[0]
	}
	p.mu.Unlock()
	p.setState(StateReady)

	go p.watch(c)
	return nil
}

func (p *rtspPlayer) Play() error {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	if c == nil {
		return ErrNetwork
	}
	if _, err := c.Play(nil); err != nil {
		return fmt.Errorf("%w: play: %v", ErrNetwork, err)
	}
	p.setState(StateBuffering)
	return nil
}

func (p *rtspPlayer) Pause() error {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	if _, err := c.Pause(); err != nil {
		return fmt.Errorf("%w: pause: %v", ErrNetwork, err)
	}
	p.setState(StateReady)
	return nil
}

func (p *rtspPlayer) SeekTo(pos time.Duration) error {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	if c == nil {
		return ErrNetwork
	}
	_, err := c.Play(&headers.Range{Value: &headers.RangeNPT{Start: headers.RangeNPTTime(pos)}})
	if err != nil {
		return fmt.Errorf("%w: seek: %v", ErrNetwork, err)
	}
	p.emit(func(o Observer) { o.OnSeek(pos) })
	return nil
}

func (p *rtspPlayer) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *rtspPlayer) SyncTime() time.Duration { return p.Position() }

// Duration is zero for live streams.
func (p *rtspPlayer) Duration() time.Duration { return 0 }

func (p *rtspPlayer) State() PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *rtspPlayer) SetVolume(v float64) {
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
}

func (p *rtspPlayer) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *rtspPlayer) Qualities() []Quality {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Quality(nil), p.qualities...)
}

func (p *rtspPlayer) Quality() Quality {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *rtspPlayer) SetQuality(q Quality) error {
	p.mu.Lock()
	found := false
	for _, known := range p.qualities {
		if known.Name == q.Name {
			found = true
			break
		}
	}
	if found {
		p.current = q
	}
	p.mu.Unlock()
	if found {
		p.emit(func(o Observer) { o.OnQualityChange(q) })
	}
	return nil
}

func (p *rtspPlayer) SetAutoQuality(on bool) {
	p.mu.Lock()
	p.auto = on
	p.mu.Unlock()
}

func (p *rtspPlayer) AutoQuality() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.auto
}

func (p *rtspPlayer) Screenshot() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.keyframe == nil {
		return nil
	}
	return append([]byte(nil), p.keyframe...)
}

func (p *rtspPlayer) Subscribe(o Observer) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := p.nextObs
	p.nextObs++
	p.obs[key] = o
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.obs, key)
	}
}

func (p *rtspPlayer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.closeClientLocked()
	p.mu.Unlock()
	return nil
}

func (p *rtspPlayer) closeClientLocked() {
	if p.client != nil {
		c := p.client
		p.client = nil
		c.Close()
	}
}

// handlePacket runs on the client's read goroutine. It tracks the
// presentation position and keeps the bytes of the latest keyframe
// access unit for Screenshot.
func (p *rtspPlayer) handlePacket(ctx *gortsplib.ClientOnPacketRTPCtx) {
	p.trackSequence(ctx.Packet)
	if len(ctx.H264NALUs) == 0 {
		return
	}
	idr := false
	for _, nalu := range ctx.H264NALUs {
		if len(nalu) > 0 && nalu[0]&0x1f == 5 {
			idr = true
			break
		}
	}

	p.mu.Lock()
	p.position = ctx.H264PTS
	if idr {
		var au []byte
		for _, nalu := range ctx.H264NALUs {
			au = append(au, 0x00, 0x00, 0x00, 0x01)
			au = append(au, nalu...)
		}
		p.keyframe = au
	}
	buffering := p.state == StateBuffering
	if buffering {
		p.state = StatePlaying
	}
	p.mu.Unlock()

	if buffering {
		p.emit(func(o Observer) { o.OnStateChange(StatePlaying) })
	}
}

// trackSequence watches the RTP sequence numbers for gaps. Loss on a
// low-latency stream is normal; it is only logged so recovery stays
// driven by the transport errors, not by jitter.
func (p *rtspPlayer) trackSequence(pkt *rtp.Packet) {
	if pkt == nil {
		return
	}
	p.mu.Lock()
	last, known := p.lastSeq, p.seqKnown
	p.lastSeq = pkt.SequenceNumber
	p.seqKnown = true
	p.mu.Unlock()

	if known {
		if gap := pkt.SequenceNumber - last; gap > 1 {
			p.log.WithField("lost", gap-1).Debug("rtp sequence gap")
		}
	}
}

// watch reports the client's terminal error to the observers so the
// manager can run its recovery path. A deliberate Close swaps the
// client out first and is ignored here.
func (p *rtspPlayer) watch(c *gortsplib.Client) {
	err := c.Wait()

	p.mu.Lock()
	if p.client != c {
		p.mu.Unlock()
		return
	}
	p.client = nil
	p.state = StateUnknown
	p.mu.Unlock()

	p.emit(func(o Observer) { o.OnStateChange(StateUnknown) })
	if err != nil {
		p.emit(func(o Observer) { o.OnError(fmt.Errorf("%w: %v", ErrNetwork, err)) })
	}
}

func (p *rtspPlayer) setState(s PlaybackState) {
	p.mu.Lock()
	if p.state == s {
		p.mu.Unlock()
		return
	}
	p.state = s
	p.mu.Unlock()
	p.emit(func(o Observer) { o.OnStateChange(s) })
}

func (p *rtspPlayer) emit(fn func(Observer)) {
	p.mu.Lock()
	obs := make([]Observer, 0, len(p.obs))
	for _, o := range p.obs {
		obs = append(obs, o)
	}
	p.mu.Unlock()
	for _, o := range obs {
		fn(o)
	}
}
