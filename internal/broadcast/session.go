package broadcast

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pion/dtls/v2/pkg/protocol/extension"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/sirupsen/logrus"

	"livebridge/internal/capture"
)

// Handle is one publish session towards an ingest endpoint. The
// coordinator feeds it encoded samples and metadata; state and stats
// come back through the callbacks given to the factory.
type Handle interface {
	Start(endpoint, key string) error
	Stop()
	WriteVideo(sample capture.Sample) error
	WriteAudio(sample capture.Sample) error
	SendMetadata(text string) error
}

// HandleFactory builds a Handle for one preset. onState and onStats
// may be invoked from internal goroutines until Stop returns.
type HandleFactory func(preset Preset, onState func(State, error), onStats func(Stats)) (Handle, error)

// Options carries the transport knobs shared by every session.
type Options struct {
	// ICEServers is an optional array of STUN/TURN server URLs.
	ICEServers []string
	// ICEUsername is an optional username for the given ICEServers.
	ICEUsername string
	// ICECredential is an optional password for the given ICEServers.
	ICECredential string
	// PortMin/PortMax bound the ephemeral UDP port range when both
	// are set.
	PortMin uint16
	PortMax uint16
}

// NewWHIPFactory returns a factory producing WHIP publish sessions:
// the local offer is POSTed to the endpoint with the stream key as a
// bearer token and the answer comes back in the response body.
func NewWHIPFactory(opts Options, log *logrus.Entry) HandleFactory {
	if log == nil {
		log = logrus.WithField("broadcast", "whip")
	}
	return func(preset Preset, onState func(State, error), onStats func(Stats)) (Handle, error) {
		return &whipSession{
			log:     log,
			preset:  preset,
			opts:    opts,
			onState: onState,
			onStats: onStats,
		}, nil
	}
}

type whipSession struct {
	log     *logrus.Entry
	preset  Preset
	opts    Options
	onState func(State, error)
	onStats func(Stats)

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	video    *webrtc.TrackLocalStaticSample
	audio    *webrtc.TrackLocalStaticSample
	metadata *webrtc.DataChannel
	resource string
	stop     bool
	done     chan struct{}

	lastVideoPTS time.Duration
	lastAudioPTS time.Duration
}

func (s *whipSession) newPeerConnection() (*webrtc.PeerConnection, error) {
	configuration := webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	}
	if len(s.opts.ICEServers) > 0 {
		configuration.ICEServers = append(configuration.ICEServers, webrtc.ICEServer{
			URLs:           s.opts.ICEServers,
			Username:       s.opts.ICEUsername,
			Credential:     s.opts.ICECredential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	videoRTCPFeedback := []webrtc.RTCPFeedback{
		{Type: "goog-remb", Parameter: ""},
		{Type: "ccm", Parameter: "fir"},
		{Type: "nack", Parameter: ""},
		{Type: "nack", Parameter: "pli"},
	}
	for _, codec := range []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, Channels: 0, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", RTCPFeedback: videoRTCPFeedback},
			PayloadType:        102,
		},
	} {
		if err := m.RegisterCodec(codec, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, err
		}
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetSRTPProtectionProfiles(extension.SRTP_AES128_CM_HMAC_SHA1_80)
	if s.opts.PortMin > 0 && s.opts.PortMax > s.opts.PortMin {
		if err := se.SetEphemeralUDPPortRange(s.opts.PortMin, s.opts.PortMax); err != nil {
			return nil, err
		}
		s.log.Infof("UDP port range %d..%d", s.opts.PortMin, s.opts.PortMax)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(se))
	return api.NewPeerConnection(configuration)
}

func (s *whipSession) Start(endpoint, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pc != nil {
		return errors.New("session already started")
	}
	s.stop = false

	pc, err := s.newPeerConnection()
	if err != nil {
		return fmt.Errorf("create pc: %w", err)
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video", "livebridge")
	if err != nil {
		pc.Close()
		return fmt.Errorf("video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "livebridge")
	if err != nil {
		pc.Close()
		return fmt.Errorf("audio track: %w", err)
	}

	if _, err = pc.AddTransceiverFromTrack(video, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly}); err != nil {
		pc.Close()
		return fmt.Errorf("add video track: %w", err)
	}
	if _, err = pc.AddTransceiverFromTrack(audio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly}); err != nil {
		pc.Close()
		return fmt.Errorf("add audio track: %w", err)
	}

	dc, err := pc.CreateDataChannel("metadata", nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("metadata channel: %w", err)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Infof("PeerConnectionState: %s", state)
		switch state {
		case webrtc.PeerConnectionStateConnecting:
			s.emitState(StateConnecting, nil)
		case webrtc.PeerConnectionStateConnected:
			s.emitState(StateConnected, nil)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			s.emitState(StateDisconnected, nil)
		case webrtc.PeerConnectionStateFailed:
			s.emitState(StateError, errors.New("peer connection failed"))
		}
	})

	gatherComplete := webrtc.GatheringCompletePromise(pc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("create offer: %w", err)
	}
	if err = pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return fmt.Errorf("set local sdp: %w", err)
	}

	waitT := time.NewTimer(time.Second * 10)
	defer waitT.Stop()
	select {
	case <-waitT.C:
		pc.Close()
		return errors.New("ICE gathering timed out")
	case <-gatherComplete:
	}

	answer, resource, err := s.postOffer(endpoint, key, pc.LocalDescription().SDP)
	if err != nil {
		pc.Close()
		return err
	}
	if err = pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		pc.Close()
		return fmt.Errorf("set remote sdp: %w", err)
	}

	s.pc = pc
	s.video = video
	s.audio = audio
	s.metadata = dc
	s.resource = resource
	s.lastVideoPTS = 0
	s.lastAudioPTS = 0
	s.done = make(chan struct{})
	go s.statsLoop(pc, s.done)
	return nil
}

func (s *whipSession) postOffer(endpoint, key, sdp string) (answer, resource string, err error) {
	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(sdp))
	if err != nil {
		return "", "", fmt.Errorf("ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: time.Second * 10}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("ingest post: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("ingest answer: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("ingest rejected offer: %s", resp.Status)
	}

	resource = resp.Header.Get("Location")
	if resource != "" && strings.HasPrefix(resource, "/") {
		if idx := strings.Index(endpoint, "://"); idx > 0 {
			if slash := strings.Index(endpoint[idx+3:], "/"); slash > 0 {
				resource = endpoint[:idx+3+slash] + resource
			} else {
				resource = endpoint + resource
			}
		}
	}
	return string(body), resource, nil
}

// statsLoop samples outbound byte counters and reports bitrate and a
// rough health figure every two seconds.
func (s *whipSession) statsLoop(pc *webrtc.PeerConnection, done chan struct{}) {
	const interval = 2 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastBytes uint64
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		var sent uint64
		for _, stat := range pc.GetStats() {
			if outbound, ok := stat.(webrtc.OutboundRTPStreamStats); ok {
				sent += outbound.BytesSent
			}
		}
		if lastBytes == 0 {
			lastBytes = sent
			continue
		}
		measured := int(float64(sent-lastBytes) * 8 / interval.Seconds())
		lastBytes = sent

		recommended := measured
		if recommended < s.preset.MinBitrate {
			recommended = s.preset.MinBitrate
		}
		if recommended > s.preset.MaxBitrate {
			recommended = s.preset.MaxBitrate
		}
		health := float64(measured) / float64(s.preset.InitialBitrate)
		if health > 1 {
			health = 1
		}
		if s.onStats != nil {
			s.onStats(Stats{
				MeasuredBitrate:    measured,
				RecommendedBitrate: recommended,
				Quality:            s.preset.Name,
				NetworkHealth:      health,
			})
		}
	}
}

func (s *whipSession) emitState(state State, err error) {
	if s.onState != nil {
		s.onState(state, err)
	}
}

func (s *whipSession) WriteVideo(sample capture.Sample) error {
	s.mu.Lock()
	track := s.video
	duration := sample.PTS - s.lastVideoPTS
	if duration <= 0 {
		duration = time.Second / time.Duration(s.preset.FrameRate)
	}
	s.lastVideoPTS = sample.PTS
	s.mu.Unlock()

	if track == nil {
		return ErrNoSession
	}
	return track.WriteSample(media.Sample{Data: sample.Data, Duration: duration})
}

func (s *whipSession) WriteAudio(sample capture.Sample) error {
	s.mu.Lock()
	track := s.audio
	duration := sample.PTS - s.lastAudioPTS
	if duration <= 0 {
		duration = 20 * time.Millisecond
	}
	s.lastAudioPTS = sample.PTS
	s.mu.Unlock()

	if track == nil {
		return ErrNoSession
	}
	return track.WriteSample(media.Sample{Data: sample.Data, Duration: duration})
}

func (s *whipSession) SendMetadata(text string) error {
	s.mu.Lock()
	dc := s.metadata
	s.mu.Unlock()

	if dc == nil {
		return ErrNoSession
	}
	return dc.SendText(text)
}

func (s *whipSession) Stop() {
	s.mu.Lock()
	if s.stop {
		s.mu.Unlock()
		s.log.Info("session already stopping")
		return
	}
	s.stop = true
	pc := s.pc
	resource := s.resource
	done := s.done
	s.pc = nil
	s.video = nil
	s.audio = nil
	s.metadata = nil
	s.resource = ""
	s.done = nil
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	if resource != "" {
		req, err := http.NewRequest(http.MethodDelete, resource, nil)
		if err == nil {
			client := &http.Client{Timeout: time.Second * 5}
			if _, err = client.Do(req); err != nil {
				s.log.WithError(err).Warn("release ingest resource failed")
			}
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			s.log.WithError(err).Warn("close pc failed")
		}
	}
}
