package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDevice is a hand-driven device: tests push frames and errors into the
// sink directly instead of relying on a capture loop.
type stubDevice struct {
	mu       sync.Mutex
	sink     FrameSink
	startErr error
	stopErr  error
	starts   int
	stops    int
}

func (d *stubDevice) Start(sink FrameSink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.sink = sink
	d.starts++
	return nil
}

func (d *stubDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return d.stopErr
}

func (d *stubDevice) Dimensions() (int, int) { return 4, 4 }

func (d *stubDevice) push(seq byte) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	sink.PushFrame(stubFrame(seq))
}

func (d *stubDevice) pushError(err error, fatal bool) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	sink.PushError(err, fatal)
}

func (d *stubDevice) stopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

func stubFrame(seq byte) *Frame {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Pix[0] = seq
	return &Frame{Image: img, Width: 4, Height: 4, Stride: img.Stride, Timestamp: time.Now()}
}

func newStubSession(t *testing.T, opts SessionOptions) (*Session, *stubDevice) {
	t.Helper()
	device := &stubDevice{}
	session := newSession(Target{Kind: TargetWindow, WindowHandle: 1}, device, opts, zerolog.Nop())
	return session, device
}

func TestSessionLifecycle(t *testing.T) {
	session, device := newStubSession(t, SessionOptions{})

	assert.Equal(t, StateCreated, session.State())
	assert.False(t, session.IsActive())

	require.NoError(t, session.Start())
	assert.Equal(t, StateActive, session.State())
	assert.True(t, session.IsActive())

	require.NoError(t, session.Stop())
	assert.Equal(t, StateEnded, session.State())
	assert.Equal(t, 1, device.stopCount())

	// An ended session cannot come back.
	assert.ErrorIs(t, session.Start(), ErrSessionEnded)
}

func TestStartIdempotentWhileActive(t *testing.T) {
	session, device := newStubSession(t, SessionOptions{})

	require.NoError(t, session.Start())
	require.NoError(t, session.Start())
	assert.Equal(t, 1, device.starts, "device must start exactly once")
}

func TestStopBeforeStart(t *testing.T) {
	session, device := newStubSession(t, SessionOptions{})

	require.NoError(t, session.Stop())
	assert.Equal(t, StateEnded, session.State())
	assert.Equal(t, 0, device.stopCount(), "a never-started device is not stopped")

	require.NoError(t, session.Stop(), "second stop is a no-op")
}

func TestStartDeviceFailureFaults(t *testing.T) {
	device := &stubDevice{startErr: errors.New("no display")}
	session := newSession(Target{Kind: TargetWindow}, device, SessionOptions{}, zerolog.Nop())

	err := session.Start()
	require.Error(t, err)
	assert.Equal(t, StateFaulted, session.State())
	assert.ErrorIs(t, session.Start(), ErrSessionEnded)
}

func TestCaptureFramePull(t *testing.T) {
	session, device := newStubSession(t, SessionOptions{})
	require.NoError(t, session.Start())

	device.push(42)

	frame, err := session.CaptureFrame(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 42, frame.Image.Pix[0])

	// The pulled frame is the caller's to mutate.
	frame.Image.Pix[0] = 0
	last := session.LastFrame()
	require.NotNil(t, last)
	assert.EqualValues(t, 42, last.Image.Pix[0], "caller mutation leaked into the session")
}

func TestCaptureFrameTimeout(t *testing.T) {
	session, _ := newStubSession(t, SessionOptions{CaptureTimeout: 30 * time.Millisecond})
	require.NoError(t, session.Start())

	_, err := session.CaptureFrame(context.Background())
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "want TimeoutError, got %v", err)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 30*time.Millisecond, te.Timeout)

	assert.Equal(t, StateActive, session.State(), "timeout must not end the session")
}

func TestCaptureFrameCancellation(t *testing.T) {
	session, device := newStubSession(t, SessionOptions{CaptureTimeout: time.Minute})
	require.NoError(t, session.Start())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := session.CaptureFrame(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// The session survives a cancelled wait.
	device.push(7)
	frame, err := session.CaptureFrame(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 7, frame.Image.Pix[0])
}

func TestCaptureFrameAfterEnd(t *testing.T) {
	session, _ := newStubSession(t, SessionOptions{})
	require.NoError(t, session.Start())
	require.NoError(t, session.Stop())

	_, err := session.CaptureFrame(context.Background())
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestLastFrameWinsDelivery(t *testing.T) {
	session, device := newStubSession(t, SessionOptions{FrameBuffer: 1})
	require.NoError(t, session.Start())

	// Three frames arrive before anyone pulls; only the newest survives.
	device.push(1)
	device.push(2)
	device.push(3)

	frame, err := session.CaptureFrame(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, frame.Image.Pix[0])

	m := session.Metrics()
	assert.EqualValues(t, 3, m.TotalFrames)
	assert.EqualValues(t, 2, m.DroppedFrames)
}

func TestLastFrameNilBeforeFirstCapture(t *testing.T) {
	session, _ := newStubSession(t, SessionOptions{})
	require.NoError(t, session.Start())
	assert.Nil(t, session.LastFrame())
}

func TestFrameHandlerPanicIsolation(t *testing.T) {
	session, device := newStubSession(t, SessionOptions{})
	require.NoError(t, session.Start())

	var delivered []byte
	session.OnFrame(func(f *Frame) { panic("handler bug") })
	session.OnFrame(func(f *Frame) { delivered = append(delivered, f.Image.Pix[0]) })

	device.push(9)
	device.push(10)

	assert.Equal(t, []byte{9, 10}, delivered, "panicking sibling must not block delivery")
}

func TestTransientErrorKeepsSessionActive(t *testing.T) {
	session, device := newStubSession(t, SessionOptions{})
	require.NoError(t, session.Start())

	var seen []CaptureError
	session.OnError(func(e CaptureError) { seen = append(seen, e) })

	device.pushError(errors.New("frame dropped"), false)

	assert.Equal(t, StateActive, session.State())
	require.Len(t, seen, 1)
	assert.False(t, seen[0].Fatal)
	assert.EqualValues(t, 1, session.Metrics().ErrorFrames)
}

func TestFatalErrorFaultsSession(t *testing.T) {
	session, device := newStubSession(t, SessionOptions{})
	require.NoError(t, session.Start())

	var seen []CaptureError
	session.OnError(func(e CaptureError) { seen = append(seen, e) })

	device.pushError(errors.New("target window destroyed"), true)

	assert.Equal(t, StateFaulted, session.State())
	assert.Eventually(t, func() bool { return device.stopCount() == 1 },
		time.Second, 5*time.Millisecond, "fault must stop the device")
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Fatal)

	_, err := session.CaptureFrame(context.Background())
	assert.ErrorIs(t, err, ErrSessionEnded)

	// Frames arriving after the fault are ignored.
	device.push(5)
	assert.Nil(t, session.LastFrame())

	// Stopping a faulted session is a tolerated no-op.
	assert.NoError(t, session.Stop())
}

func TestMetricsSnapshot(t *testing.T) {
	session, device := newStubSession(t, SessionOptions{FrameBuffer: 8})
	require.NoError(t, session.Start())

	device.push(1)
	device.push(2)

	m := session.Metrics()
	assert.EqualValues(t, 2, m.TotalFrames)
	assert.EqualValues(t, 0, m.DroppedFrames)
	assert.EqualValues(t, 2*int64(len(stubFrame(0).Image.Pix)), m.TotalBytes)
	assert.GreaterOrEqual(t, m.Uptime, time.Duration(0))
}
