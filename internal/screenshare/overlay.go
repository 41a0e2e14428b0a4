// Package screenshare tracks who shares a screen in a room. Overlay is the
// local participant's share state machine plus the remote sharer it shows;
// LeaseStore arbitrates the single sharer role across participants.
package screenshare

import (
	"context"
	"fmt"

	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/media"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"go.uber.org/zap"
)

// State of the local share.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateSharing  State = "sharing"
)

// Overlay is owned by a single goroutine and is not safe for concurrent
// use, except for Acquire and Discard which touch no overlay state.
type Overlay struct {
	roomID   string
	selfID   string
	capturer media.Capturer
	leases   LeaseStore
	log      *zap.Logger

	state   State
	attempt uint64
	stream  *media.Stream
	lease   models.ShareLease

	remote       models.ScreenShareState
	remoteStream *media.Stream
}

func NewOverlay(roomID, selfID string, capturer media.Capturer, leases LeaseStore, log *zap.Logger) *Overlay {
	return &Overlay{
		roomID:   roomID,
		selfID:   selfID,
		capturer: capturer,
		leases:   leases,
		log:      logging.OrNop(log).With(zap.String("room", roomID)),
		state:    StateIdle,
	}
}

func (o *Overlay) State() State { return o.state }

// Attempt identifies the current start attempt. It changes on every Begin.
func (o *Overlay) Attempt() uint64 { return o.attempt }

// Stream is the local display stream while sharing.
func (o *Overlay) Stream() *media.Stream {
	if o.state != StateSharing {
		return nil
	}
	return o.stream
}

func (o *Overlay) Lease() models.ShareLease { return o.lease }

// Begin moves idle to starting. It reports false in any other state.
func (o *Overlay) Begin() (uint64, bool) {
	if o.state != StateIdle {
		return 0, false
	}
	o.attempt++
	o.state = StateStarting
	return o.attempt, true
}

// Acquire captures the display and takes the share lease. On a lease error
// the capture is stopped before returning.
func (o *Overlay) Acquire(ctx context.Context) (*media.Stream, models.ShareLease, error) {
	s, err := o.capturer.DisplayMedia(ctx, media.Constraints{Video: true})
	if err != nil {
		return nil, models.ShareLease{}, fmt.Errorf("screenshare: capture: %w", err)
	}
	l, err := o.leases.Acquire(ctx, o.roomID, o.selfID)
	if err != nil {
		s.Stop()
		return nil, models.ShareLease{}, err
	}
	return s, l, nil
}

// Complete installs the result of attempt. It reports false when that
// attempt was cancelled meanwhile; the caller then passes the result to
// Discard.
func (o *Overlay) Complete(attempt uint64, s *media.Stream, l models.ShareLease) bool {
	if o.state != StateStarting || attempt != o.attempt {
		return false
	}
	o.state = StateSharing
	o.stream = s
	o.lease = l
	o.log.Info("screen share started", zap.String("stream", s.ID()), zap.Int64("lease", l.Version))
	return true
}

// Abort returns a failed attempt to idle.
func (o *Overlay) Abort(attempt uint64) {
	if o.state == StateStarting && attempt == o.attempt {
		o.state = StateIdle
	}
}

// Discard stops a capture that is no longer wanted and gives its lease back.
func (o *Overlay) Discard(ctx context.Context, s *media.Stream, l models.ShareLease) {
	if s != nil {
		s.Stop()
	}
	o.release(ctx, l)
}

// Stop leaves the sharing or starting state. It returns the stream the
// caller must detach from its sessions and the lease to give back, and
// false when there was nothing to stop. The capture tracks are stopped
// here.
func (o *Overlay) Stop() (*media.Stream, models.ShareLease, bool) {
	switch o.state {
	case StateStarting:
		// The pending Acquire result will be discarded by Complete.
		o.state = StateIdle
		return nil, models.ShareLease{}, true
	case StateSharing:
		s, l := o.stream, o.lease
		o.state = StateIdle
		o.stream = nil
		o.lease = models.ShareLease{}
		s.Stop()
		o.log.Info("screen share stopped", zap.String("stream", s.ID()))
		return s, l, true
	}
	return nil, models.ShareLease{}, false
}

// Release gives l back. A lease already taken over is not an error.
func (o *Overlay) Release(ctx context.Context, l models.ShareLease) {
	o.release(ctx, l)
}

func (o *Overlay) release(ctx context.Context, l models.ShareLease) {
	if l.Holder == "" {
		return
	}
	if err := o.leases.Release(ctx, l); err != nil {
		o.log.Debug("share lease release skipped", zap.Int64("lease", l.Version), zap.Error(err))
	}
}

// Superseded reports whether l shows that someone else took the share
// while this participant still holds it.
func (o *Overlay) Superseded(l models.ShareLease) bool {
	return o.state == StateSharing && l.Version > o.lease.Version && l.Holder != o.selfID
}

// Watch follows the room's lease.
func (o *Overlay) Watch(ctx context.Context) (<-chan models.ShareLease, error) {
	return o.leases.Watch(ctx, o.roomID)
}

// RemoteArrived records a video stream received from peerID as the shown
// screen share. The latest arrival wins.
func (o *Overlay) RemoteArrived(peerID string, s *media.Stream) bool {
	if o.remote.SharerID == peerID && o.remote.StreamID == s.ID() {
		return false
	}
	o.remote = models.ScreenShareState{SharerID: peerID, StreamID: s.ID()}
	o.remoteStream = s
	o.log.Debug("remote screen share", zap.String("peer", peerID), zap.String("stream", s.ID()))
	return true
}

// RemoteGone clears the remote share when it belongs to peerID. An empty
// streamID matches any stream of that peer.
func (o *Overlay) RemoteGone(peerID, streamID string) bool {
	if o.remote.SharerID != peerID || (streamID != "" && o.remote.StreamID != streamID) {
		return false
	}
	o.remote = models.ScreenShareState{}
	o.remoteStream = nil
	return true
}

// Remote returns the shown remote share and its stream.
func (o *Overlay) Remote() (models.ScreenShareState, *media.Stream) {
	return o.remote, o.remoteStream
}
