package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is a session lifecycle state
type State int

const (
	StateCreated State = iota
	StateStarting
	StateActive
	StateStopping
	StateEnded
	StateFaulted
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateEnded:
		return "ended"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FrameHandler receives push-model frames. The frame is shared with the
// session: handlers must treat it as read-only and must not retain it.
type FrameHandler func(*Frame)

// ErrorHandler receives push-model capture errors
type ErrorHandler func(CaptureError)

// SessionOptions tunes one session
type SessionOptions struct {
	// CaptureTimeout bounds CaptureFrame when no deadline is on the context
	CaptureTimeout time.Duration
	// FrameBuffer bounds undelivered frames; the oldest is dropped first
	FrameBuffer int
	// Interval is the device capture period
	Interval time.Duration
}

// DefaultSessionOptions returns recommended settings
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		CaptureTimeout: 5 * time.Second,
		FrameBuffer:    1,
		Interval:       33 * time.Millisecond,
	}
}

func (o SessionOptions) withDefaults() SessionOptions {
	d := DefaultSessionOptions()
	if o.CaptureTimeout <= 0 {
		o.CaptureTimeout = d.CaptureTimeout
	}
	if o.FrameBuffer <= 0 {
		o.FrameBuffer = d.FrameBuffer
	}
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	return o
}

// Session is one live capture session. Lifecycle:
// Created -> Starting -> Active -> Stopping -> Ended, with Faulted reachable
// from Starting and Active on a fatal device error.
type Session struct {
	id     string
	target Target
	device Device
	opts   SessionOptions

	mu    sync.Mutex
	state State

	frames    chan *Frame
	lastFrame *Frame

	handlerMu     sync.RWMutex
	frameHandlers []FrameHandler
	errorHandlers []ErrorHandler

	metrics *sessionMetrics
	log     zerolog.Logger
}

func newSession(target Target, device Device, opts SessionOptions, log zerolog.Logger) *Session {
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Session{
		id:      id,
		target:  target,
		device:  device,
		opts:    opts,
		state:   StateCreated,
		frames:  make(chan *Frame, opts.FrameBuffer),
		metrics: newSessionMetrics(),
		log:     log.With().Str("session", id).Logger(),
	}
}

// ID returns the session's unique identity
func (s *Session) ID() string {
	return s.id
}

// Target returns what the session captures
func (s *Session) Target() Target {
	return s.target
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsActive reports whether the session is delivering frames
func (s *Session) IsActive() bool {
	return s.State() == StateActive
}

// Start begins frame capture. Starting an already-active session is a
// no-op; starting an ended or faulted session fails.
func (s *Session) Start() error {
	s.mu.Lock()
	switch s.state {
	case StateStarting, StateActive:
		s.mu.Unlock()
		return nil
	case StateStopping, StateEnded, StateFaulted:
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.state = StateStarting
	s.mu.Unlock()

	if err := s.device.Start(s); err != nil {
		s.mu.Lock()
		s.state = StateFaulted
		s.mu.Unlock()
		return fmt.Errorf("failed to start capture device: %w", err)
	}

	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()
	s.metrics.markStarted(time.Now())
	s.log.Info().Msg("capture session started")
	return nil
}

// Stop ends the session. Stopping an already-ended session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateEnded, StateFaulted, StateStopping:
		s.mu.Unlock()
		return nil
	case StateCreated:
		s.state = StateEnded
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	err := s.device.Stop()

	s.mu.Lock()
	s.state = StateEnded
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	s.log.Info().Msg("capture session stopped")
	return nil
}

// CaptureFrame blocks until a frame is available, the context is cancelled,
// or the session's capture timeout elapses. The returned frame is an
// independent copy owned by the caller. Cancellation leaves the session
// usable for subsequent calls.
func (s *Session) CaptureFrame(ctx context.Context) (*Frame, error) {
	if s.State() != StateActive {
		return nil, ErrSessionEnded
	}

	timer := time.NewTimer(s.opts.CaptureTimeout)
	defer timer.Stop()

	select {
	case frame := <-s.frames:
		return frame.Clone(), nil
	case <-timer.C:
		return nil, &TimeoutError{Timeout: s.opts.CaptureTimeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LastFrame returns a copy of the most recently captured frame, or nil when
// none has arrived yet.
func (s *Session) LastFrame() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFrame == nil {
		return nil
	}
	return s.lastFrame.Clone()
}

// OnFrame registers a push-model frame handler
func (s *Session) OnFrame(handler FrameHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.frameHandlers = append(s.frameHandlers, handler)
}

// OnError registers a push-model error handler
func (s *Session) OnError(handler ErrorHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.errorHandlers = append(s.errorHandlers, handler)
}

// Metrics returns a snapshot of the session's counters
func (s *Session) Metrics() Metrics {
	return s.metrics.snapshot(time.Now())
}

// PushFrame receives a frame from the device. Delivery is last-frame-wins:
// when the pull buffer is full the oldest undelivered frame is dropped.
func (s *Session) PushFrame(frame *Frame) {
	s.mu.Lock()
	if s.state != StateActive && s.state != StateStarting {
		s.mu.Unlock()
		return
	}
	s.lastFrame = frame
	s.mu.Unlock()

	s.metrics.recordFrame(frame.Timestamp, frame.Bytes())

	select {
	case s.frames <- frame:
	default:
		select {
		case <-s.frames:
			s.metrics.recordDrop()
		default:
		}
		select {
		case s.frames <- frame:
		default:
			s.metrics.recordDrop()
		}
	}

	s.handlerMu.RLock()
	handlers := make([]FrameHandler, len(s.frameHandlers))
	copy(handlers, s.frameHandlers)
	s.handlerMu.RUnlock()

	for _, handler := range handlers {
		s.safeFrameCall(handler, frame)
	}
}

// PushError receives a device failure. Fatal errors move the session to
// Faulted; transient ones only count against metrics.
func (s *Session) PushError(err error, fatal bool) {
	s.metrics.recordError()

	captureErr := CaptureError{Err: err, Fatal: fatal, Time: time.Now()}

	if fatal {
		s.mu.Lock()
		alreadyDone := s.state == StateEnded || s.state == StateFaulted
		if !alreadyDone {
			s.state = StateFaulted
		}
		s.mu.Unlock()

		if !alreadyDone {
			s.log.Error().Err(err).Msg("fatal capture error, session faulted")
			// Devices push fatal errors from their own capture loop; stopping
			// inline would wait on the goroutine we are called from.
			go func() {
				if stopErr := s.device.Stop(); stopErr != nil {
					s.log.Warn().Err(stopErr).Msg("device stop after fault failed")
				}
			}()
		}
	} else {
		s.log.Debug().Err(err).Msg("transient capture error")
	}

	s.handlerMu.RLock()
	handlers := make([]ErrorHandler, len(s.errorHandlers))
	copy(handlers, s.errorHandlers)
	s.handlerMu.RUnlock()

	for _, handler := range handlers {
		s.safeErrorCall(handler, captureErr)
	}
}

func (s *Session) safeFrameCall(handler FrameHandler, frame *Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("frame handler panicked")
		}
	}()
	handler(frame)
}

func (s *Session) safeErrorCall(handler ErrorHandler, err CaptureError) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("error handler panicked")
		}
	}()
	handler(err)
}
