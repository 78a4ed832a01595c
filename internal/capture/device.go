// Package capture manages the lifecycle of live capture sessions over a
// platform capture capability. Sessions expose both pull (CaptureFrame) and
// push (handler) frame delivery and isolate faults from their siblings.
package capture

import (
	"image"
	"time"
)

// TargetKind discriminates capture targets
type TargetKind int

const (
	// TargetWindow captures a single window by native handle
	TargetWindow TargetKind = iota
	// TargetMonitor captures a whole monitor by index
	TargetMonitor
)

// Target identifies what a session captures
type Target struct {
	Kind         TargetKind
	WindowHandle uintptr
	Monitor      int
}

// Frame is one captured frame. Frames handed to callers are theirs to
// mutate; the session never shares its internal buffers.
type Frame struct {
	Image     *image.RGBA
	Width     int
	Height    int
	Stride    int
	Timestamp time.Time
}

// Clone returns a deep copy with an independent pixel buffer
func (f *Frame) Clone() *Frame {
	img := image.NewRGBA(f.Image.Bounds())
	copy(img.Pix, f.Image.Pix)

	clone := *f
	clone.Image = img
	return &clone
}

// Bytes returns the size of the frame's pixel buffer
func (f *Frame) Bytes() int64 {
	return int64(len(f.Image.Pix))
}

// FrameSink receives frames and faults pushed by a device. fatal signals an
// unrecoverable device loss; transient frame drops keep the session active.
type FrameSink interface {
	PushFrame(*Frame)
	PushError(err error, fatal bool)
}

// Device is one platform capture device bound to a target. Start begins
// pushing frames into the sink until Stop.
type Device interface {
	Start(sink FrameSink) error
	Stop() error
	Dimensions() (width, height int)
}

// Capability creates devices for the targets it supports; the session
// manager selects the first capability that reports support.
type Capability interface {
	Name() string
	Supports(target Target) bool
	OpenDevice(target Target, interval time.Duration) (Device, error)
}
