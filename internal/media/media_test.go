package media

import (
	"context"
	"errors"
	"testing"

	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackStopDoesNotFireEnded(t *testing.T) {
	released := 0
	tr := NewLocalTrack(models.MediaKindAudio, nil, func() { released++ })
	ended := 0
	tr.OnEnded(func() { ended++ })

	tr.Stop()
	tr.Stop()
	tr.End()

	assert.Equal(t, 1, released)
	assert.Equal(t, 0, ended)
	assert.False(t, tr.Live())
	assert.False(t, tr.Enabled())
}

func TestTrackEndFiresOnce(t *testing.T) {
	released := 0
	tr := NewLocalTrack(models.MediaKindVideo, nil, func() { released++ })
	ended := 0
	tr.OnEnded(func() { ended++ })

	tr.End()
	tr.End()
	tr.Stop()

	assert.Equal(t, 1, released)
	assert.Equal(t, 1, ended)
}

func TestStreamClassification(t *testing.T) {
	voice := NewStream("", NewTrack("mic", models.MediaKindAudio))
	assert.False(t, voice.HasVideo())
	assert.Equal(t, []models.MediaKind{models.MediaKindAudio}, voice.Kinds())

	assert.True(t, voice.AddTrack(NewTrack("screen", models.MediaKindVideo)))
	assert.False(t, voice.AddTrack(NewTrack("screen", models.MediaKindVideo)))
	assert.True(t, voice.HasVideo())
	assert.Equal(t, []models.MediaKind{models.MediaKindAudio, models.MediaKindVideo}, voice.Kinds())

	assert.True(t, voice.RemoveTrack("screen"))
	assert.False(t, voice.RemoveTrack("screen"))
	assert.False(t, voice.HasVideo())
}

func TestStreamStopReleasesEveryTrack(t *testing.T) {
	a := NewTrack("a", models.MediaKindAudio)
	v := NewTrack("v", models.MediaKindVideo)
	s := NewStream("s", a, v)
	require.True(t, s.Live())

	s.Stop()
	assert.False(t, a.Live())
	assert.False(t, v.Live())
	assert.False(t, s.Live())
}

func TestStreamSetEnabledByKind(t *testing.T) {
	a := NewTrack("a", models.MediaKindAudio)
	v := NewTrack("v", models.MediaKindVideo)
	s := NewStream("s", a, v)

	s.SetEnabled(models.MediaKindAudio, false)
	assert.False(t, a.Enabled())
	assert.True(t, v.Enabled())
}

func TestCaptureErrorMatching(t *testing.T) {
	var err error = &CaptureError{Source: SourceUser, Err: ErrPermissionDenied}
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.NotErrorIs(t, err, ErrNotAvailable)

	var ce *CaptureError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, SourceUser, ce.Source)
	assert.Contains(t, err.Error(), "user capture")
}

func TestSyntheticUserMedia(t *testing.T) {
	s := NewSynthetic(nil)
	stream, err := s.UserMedia(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	defer stream.Stop()

	require.Len(t, stream.AudioTracks(), 1)
	assert.False(t, stream.HasVideo())
	assert.NotNil(t, stream.AudioTracks()[0].Local())
	assert.Equal(t, stream.ID(), stream.AudioTracks()[0].Local().StreamID())
}

func TestSyntheticDisplayMediaHasVideo(t *testing.T) {
	s := NewSynthetic(nil)
	stream, err := s.DisplayMedia(context.Background(), Constraints{})
	require.NoError(t, err)
	assert.True(t, stream.HasVideo())

	stream.Stop()
	assert.False(t, stream.Live())
}

func TestSyntheticRejectsEmptyConstraints(t *testing.T) {
	_, err := NewSynthetic(nil).UserMedia(context.Background(), Constraints{})
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestDrainSinkTracksAttachment(t *testing.T) {
	d := NewDrainSink(nil)
	s := NewStream("voice", NewTrack("mic", models.MediaKindAudio))

	d.Attach("a", s)
	got, ok := d.Attached("a")
	require.True(t, ok)
	assert.Same(t, s, got)

	d.SetMuted(true)
	d.Release("a")
	_, ok = d.Attached("a")
	assert.False(t, ok)
	assert.Zero(t, d.Played("a"))
}
