package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/mossy-p/webrtc-mesh/config"
	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/media"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// PionFactory creates engines backed by pion peer connections that share one
// API instance.
type PionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *zap.Logger
}

var _ Factory = (*PionFactory)(nil)

func NewPionFactory(cfg config.WebRTCConfig, log *zap.Logger) (*PionFactory, error) {
	log = logging.OrNop(log)

	settingEngine := webrtc.SettingEngine{LoggerFactory: logging.NewPionFactory(log)}
	if cfg.UDPPortMin > 0 && cfg.UDPPortMax >= cfg.UDPPortMin && cfg.UDPPortMax <= 65535 {
		if err := settingEngine.SetEphemeralUDPPortRange(uint16(cfg.UDPPortMin), uint16(cfg.UDPPortMax)); err != nil {
			return nil, fmt.Errorf("peer: udp port range %d-%d: %w", cfg.UDPPortMin, cfg.UDPPortMax, err)
		}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("peer: register codecs: %w", err)
	}

	servers := cfg.ICEServers
	if len(servers) == 0 {
		servers = config.DefaultICEServers
	}

	return &PionFactory{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		iceServers: []webrtc.ICEServer{{URLs: servers}},
		log:        log,
	}, nil
}

func (f *PionFactory) NewEngine(cfg EngineConfig, ev EngineEvents) (Engine, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, err
	}

	e := &pionEngine{
		pc:      pc,
		cfg:     cfg,
		ev:      ev,
		log:     f.log.With(zap.String("peer", cfg.PeerID)),
		senders: make(map[string]*webrtc.RTPSender),
		inbound: make(map[string]inboundTrack),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !cfg.Trickle || ev.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		ev.OnCandidate(models.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.log.Debug("connection state", zap.String("state", state.String()))
		if ev.OnState == nil {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateConnected:
			ev.OnState(StateConnected)
		case webrtc.PeerConnectionStateFailed:
			ev.OnState(StateFailed)
		case webrtc.PeerConnectionStateClosed:
			ev.OnState(StateClosed)
		}
	})

	pc.OnTrack(e.onTrack)
	return e, nil
}

type inboundTrack struct {
	streamID string
	trackID  string
}

type pionEngine struct {
	pc  *webrtc.PeerConnection
	cfg EngineConfig
	ev  EngineEvents
	log *zap.Logger

	mu          sync.Mutex
	heldRemote  []webrtc.ICECandidateInit
	senders     map[string]*webrtc.RTPSender
	inbound     map[string]inboundTrack // by mid
	remoteKnown bool
}

func (e *pionEngine) AddStream(s *media.Stream) error {
	for _, t := range s.Tracks() {
		local := t.Local()
		if local == nil {
			e.log.Debug("track without sendable source skipped", zap.String("track", t.ID()))
			continue
		}
		sender, err := e.pc.AddTrack(local)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.senders[t.ID()] = sender
		e.mu.Unlock()

		// Drain RTCP so the sender keeps reading from the transport.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

func (e *pionEngine) RemoveStream(s *media.Stream) error {
	for _, t := range s.Tracks() {
		e.mu.Lock()
		sender, ok := e.senders[t.ID()]
		delete(e.senders, t.ID())
		e.mu.Unlock()
		if !ok {
			continue
		}
		if err := e.pc.RemoveTrack(sender); err != nil {
			return err
		}
	}
	return nil
}

func (e *pionEngine) AddReceivers(kinds []models.MediaKind) error {
	for _, kind := range kinds {
		codecType := webrtc.RTPCodecTypeAudio
		if kind == models.MediaKindVideo {
			codecType = webrtc.RTPCodecTypeVideo
		}
		if e.hasFreeReceiver(codecType) {
			continue
		}
		if _, err := e.pc.AddTransceiverFromKind(codecType, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	return nil
}

// hasFreeReceiver reports whether a transceiver of the kind can already
// receive and is not carrying a remote track.
func (e *pionEngine) hasFreeReceiver(kind webrtc.RTPCodecType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tr := range e.pc.GetTransceivers() {
		if tr.Kind() != kind {
			continue
		}
		dir := tr.Direction()
		if dir != webrtc.RTPTransceiverDirectionRecvonly && dir != webrtc.RTPTransceiverDirectionSendrecv {
			continue
		}
		if _, busy := e.inbound[tr.Mid()]; !busy || tr.Mid() == "" {
			return true
		}
	}
	return false
}

func (e *pionEngine) CreateOffer(ctx context.Context) (string, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	return e.applyLocal(ctx, offer)
}

func (e *pionEngine) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	return e.applyLocal(ctx, answer)
}

func (e *pionEngine) applyLocal(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	var gathered <-chan struct{}
	if !e.cfg.Trickle {
		gathered = webrtc.GatheringCompletePromise(e.pc)
	}
	if err := e.pc.SetLocalDescription(desc); err != nil {
		return "", err
	}
	if gathered != nil {
		select {
		case <-gathered:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return e.pc.LocalDescription().SDP, nil
}

func (e *pionEngine) SetRemoteDescription(t models.SignalType, raw string) error {
	sdpType := webrtc.SDPTypeOffer
	if t == models.SignalTypeAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: raw}); err != nil {
		return err
	}

	e.mu.Lock()
	e.remoteKnown = true
	held := e.heldRemote
	e.heldRemote = nil
	e.mu.Unlock()

	for _, c := range held {
		if err := e.pc.AddICECandidate(c); err != nil {
			e.log.Debug("held candidate rejected", zap.Error(err))
		}
	}

	e.detectEnded(raw)
	return nil
}

func (e *pionEngine) AddCandidate(c models.ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}

	e.mu.Lock()
	if !e.remoteKnown {
		e.heldRemote = append(e.heldRemote, init)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return e.pc.AddICECandidate(init)
}

func (e *pionEngine) Close() error {
	return e.pc.Close()
}

func (e *pionEngine) onTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	mid := ""
	for _, tr := range e.pc.GetTransceivers() {
		if tr.Receiver() == receiver {
			mid = tr.Mid()
			break
		}
	}

	e.mu.Lock()
	e.inbound[mid] = inboundTrack{streamID: remote.StreamID(), trackID: remote.ID()}
	e.mu.Unlock()

	if e.ev.OnTrack != nil {
		e.ev.OnTrack(remote.StreamID(), media.NewRemoteTrack(remote))
	}
}

// detectEnded compares the remote description with the tracks received so
// far. A media section the remote no longer sends on ends its track; pion
// itself raises no event for that.
func (e *pionEngine) detectEnded(raw string) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		e.log.Debug("remote description unparsable", zap.Error(err))
		return
	}

	sending := make(map[string]bool, len(desc.MediaDescriptions))
	for _, md := range desc.MediaDescriptions {
		mid, ok := md.Attribute(sdp.AttrKeyMID)
		if !ok {
			continue
		}
		sending[mid] = md.MediaName.Port.Value != 0 && remoteSends(md)
	}

	var ended []inboundTrack
	e.mu.Lock()
	for mid, in := range e.inbound {
		if !sending[mid] {
			ended = append(ended, in)
			delete(e.inbound, mid)
		}
	}
	e.mu.Unlock()

	if e.ev.OnTrackEnded == nil {
		return
	}
	for _, in := range ended {
		e.ev.OnTrackEnded(in.streamID, in.trackID)
	}
}

func remoteSends(md *sdp.MediaDescription) bool {
	if _, ok := md.Attribute(sdp.AttrKeyInactive); ok {
		return false
	}
	if _, ok := md.Attribute(sdp.AttrKeyRecvOnly); ok {
		return false
	}
	return true
}
