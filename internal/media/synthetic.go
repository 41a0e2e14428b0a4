package media

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = 100 * time.Millisecond
)

// Opus TOC byte for a 20ms CELT frame followed by a silence payload.
var silentOpus = []byte{0xf8, 0xff, 0xfe}

// Placeholder VP8 key frame payload.
var blankVP8 = []byte{
	0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00,
	0x00, 0x47, 0x08, 0x85, 0x85, 0x88, 0x85, 0x84, 0x88, 0x02,
}

// Synthetic produces pion tracks fed with silence and blank frames. Headless
// participants use it where there is no capture hardware.
type Synthetic struct {
	log *zap.Logger
}

var _ Capturer = (*Synthetic)(nil)

func NewSynthetic(log *zap.Logger) *Synthetic {
	return &Synthetic{log: logging.OrNop(log)}
}

func (s *Synthetic) UserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	return s.capture(ctx, SourceUser, c)
}

func (s *Synthetic) DisplayMedia(ctx context.Context, c Constraints) (*Stream, error) {
	c.Video = true
	return s.capture(ctx, SourceDisplay, c)
}

func (s *Synthetic) capture(ctx context.Context, src Source, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &CaptureError{Source: src, Err: err}
	}
	if !c.Audio && !c.Video {
		return nil, &CaptureError{Source: src, Err: ErrNotAvailable}
	}

	streamID := string(src) + "-" + uuid.NewString()
	stream := NewStream(streamID)
	if c.Audio {
		t, err := s.track(streamID, models.MediaKindAudio)
		if err != nil {
			stream.Stop()
			return nil, &CaptureError{Source: src, Err: err}
		}
		stream.AddTrack(t)
	}
	if c.Video {
		t, err := s.track(streamID, models.MediaKindVideo)
		if err != nil {
			stream.Stop()
			return nil, &CaptureError{Source: src, Err: err}
		}
		stream.AddTrack(t)
	}
	return stream, nil
}

func (s *Synthetic) track(streamID string, kind models.MediaKind) (*Track, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	frame, payload := audioFrame, silentOpus
	if kind == models.MediaKindVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		frame, payload = videoFrame, blankVP8
	}

	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	t := NewLocalTrack(kind, local, func() { close(stop) })
	go s.pump(t, local, frame, payload, stop)
	return t, nil
}

func (s *Synthetic) pump(t *Track, local *webrtc.TrackLocalStaticSample, frame time.Duration, payload []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// Payloads carry no content, so a disabled track keeps sending
			// them just like a muted browser track keeps sending silence.
			if err := local.WriteSample(pionmedia.Sample{Data: payload, Duration: frame}); err != nil {
				s.log.Debug("synthetic sample write failed", zap.String("track", t.ID()), zap.Error(err))
			}
		}
	}
}
