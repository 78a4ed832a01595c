package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCapability serves one kind of target with a pre-built device
type stubCapability struct {
	name    string
	kind    TargetKind
	device  *stubDevice
	openErr error
}

func (c *stubCapability) Name() string                { return c.name }
func (c *stubCapability) Supports(target Target) bool { return target.Kind == c.kind }
func (c *stubCapability) OpenDevice(Target, time.Duration) (Device, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	return c.device, nil
}

func newTestManager(caps ...Capability) *Manager {
	return NewManager(caps, SessionOptions{}, zerolog.Nop())
}

func TestCreateSessionSelectsFirstSupportingCapability(t *testing.T) {
	windowDev := &stubDevice{}
	monitorDev := &stubDevice{}
	manager := newTestManager(
		&stubCapability{name: "window", kind: TargetWindow, device: windowDev},
		&stubCapability{name: "monitor", kind: TargetMonitor, device: monitorDev},
	)

	session, err := manager.CreateSession(Target{Kind: TargetMonitor, Monitor: 0}, SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, session.Start())

	assert.Equal(t, 1, monitorDev.starts, "monitor capability should serve a monitor target")
	assert.Equal(t, 0, windowDev.starts)
}

func TestCreateSessionUnsupportedTarget(t *testing.T) {
	manager := newTestManager(&stubCapability{name: "window", kind: TargetWindow, device: &stubDevice{}})

	_, err := manager.CreateSession(Target{Kind: TargetMonitor}, SessionOptions{})
	assert.ErrorIs(t, err, ErrUnsupportedTarget)
	assert.Equal(t, 0, manager.Count(), "failed creation must not be tracked")
}

func TestCreateSessionOpenDeviceFailure(t *testing.T) {
	manager := newTestManager(&stubCapability{name: "window", kind: TargetWindow, openErr: errors.New("access denied")})

	_, err := manager.CreateSession(Target{Kind: TargetWindow, WindowHandle: 2}, SessionOptions{})
	require.Error(t, err)
	assert.Equal(t, 0, manager.Count())
}

func TestCreateSessionMergesOptions(t *testing.T) {
	manager := NewManager(
		[]Capability{&stubCapability{name: "window", kind: TargetWindow, device: &stubDevice{}}},
		SessionOptions{CaptureTimeout: time.Minute},
		zerolog.Nop(),
	)

	session, err := manager.CreateSession(Target{Kind: TargetWindow}, SessionOptions{CaptureTimeout: 25 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, session.Start())

	// The per-session override wins over the manager default.
	_, err = session.CaptureFrame(context.Background())
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 25*time.Millisecond, te.Timeout)
}

func TestManagerTracksSessions(t *testing.T) {
	manager := newTestManager(&stubCapability{name: "window", kind: TargetWindow, device: &stubDevice{}})

	session, err := manager.CreateSession(Target{Kind: TargetWindow}, SessionOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, manager.Count())
	got, ok := manager.Get(session.ID())
	require.True(t, ok)
	assert.Same(t, session, got)
	assert.Len(t, manager.Sessions(), 1)

	_, ok = manager.Get("unknown")
	assert.False(t, ok)

	require.NoError(t, manager.Remove(session.ID()))
	assert.Equal(t, 0, manager.Count())
	assert.Equal(t, StateEnded, session.State(), "Remove stops the session")

	assert.NoError(t, manager.Remove("unknown"), "removing an unknown ID is a no-op")
}

func TestStopAllToleratesFailures(t *testing.T) {
	okDev := &stubDevice{}
	badDev := &stubDevice{stopErr: errors.New("device wedged")}
	manager := newTestManager(
		&stubCapability{name: "window", kind: TargetWindow, device: badDev},
		&stubCapability{name: "monitor", kind: TargetMonitor, device: okDev},
	)

	bad, err := manager.CreateSession(Target{Kind: TargetWindow}, SessionOptions{})
	require.NoError(t, err)
	good, err := manager.CreateSession(Target{Kind: TargetMonitor}, SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, bad.Start())
	require.NoError(t, good.Start())

	err = manager.StopAll()
	require.Error(t, err, "first stop failure is reported")

	// The failing session must not prevent its sibling from stopping.
	assert.Equal(t, 1, okDev.stopCount())
	assert.Equal(t, StateEnded, good.State())
	assert.Equal(t, 0, manager.Count())
}

func TestFaultIsolationBetweenSessions(t *testing.T) {
	devA := &stubDevice{}
	devB := &stubDevice{}
	manager := newTestManager(
		&stubCapability{name: "window", kind: TargetWindow, device: devA},
		&stubCapability{name: "monitor", kind: TargetMonitor, device: devB},
	)

	a, err := manager.CreateSession(Target{Kind: TargetWindow, WindowHandle: 1}, SessionOptions{})
	require.NoError(t, err)
	b, err := manager.CreateSession(Target{Kind: TargetMonitor}, SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	devA.pushError(errors.New("window closed"), true)

	assert.Equal(t, StateFaulted, a.State())
	assert.Equal(t, StateActive, b.State(), "sibling must be untouched by the fault")

	devB.push(11)
	frame, err := b.CaptureFrame(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 11, frame.Image.Pix[0])

	// Shutdown tolerates the already-faulted session.
	assert.NoError(t, manager.StopAll())
}
