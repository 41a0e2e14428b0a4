package media

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("media: permission denied")
	ErrNotAvailable     = errors.New("media: device not available")
)

// Source names the capture API that failed.
type Source string

const (
	SourceUser    Source = "user"
	SourceDisplay Source = "display"
)

// CaptureError is returned by capturers. It wraps ErrPermissionDenied or
// ErrNotAvailable so callers can match with errors.Is.
type CaptureError struct {
	Source Source
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("media: %s capture: %v", e.Source, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Constraints selects which kinds of track a capture should produce.
type Constraints struct {
	Audio bool
	Video bool
}

// Capturer acquires local media. Both calls may block for as long as the
// user takes to grant access.
type Capturer interface {
	// UserMedia captures the microphone (and camera when Video is set).
	UserMedia(ctx context.Context, c Constraints) (*Stream, error)

	// DisplayMedia captures the screen. The returned video track ends by
	// itself when the user stops sharing from the system controls.
	DisplayMedia(ctx context.Context, c Constraints) (*Stream, error)
}
