package capture

import (
	"fmt"
	"image"
	"sync"
	"time"
)

// FrameGenerator produces the next synthetic frame image
type FrameGenerator func(sequence int64) *image.RGBA

// SyntheticCapability produces frames from an in-process generator. It backs
// tests and headless environments where no platform capture path exists.
type SyntheticCapability struct {
	Generator FrameGenerator
}

// Name returns the capability name
func (c *SyntheticCapability) Name() string { return "synthetic" }

// Supports accepts any target
func (c *SyntheticCapability) Supports(target Target) bool { return true }

// OpenDevice creates a synthetic device emitting generated frames on the
// given interval
func (c *SyntheticCapability) OpenDevice(target Target, interval time.Duration) (Device, error) {
	if c.Generator == nil {
		return nil, fmt.Errorf("synthetic capability requires a frame generator")
	}
	return &syntheticDevice{
		generator: c.Generator,
		interval:  interval,
	}, nil
}

// syntheticDevice emits generated frames until stopped. Failure injection
// via FailNext supports session fault tests.
type syntheticDevice struct {
	generator FrameGenerator
	interval  time.Duration

	mu       sync.Mutex
	stopCh   chan struct{}
	stopped  sync.WaitGroup
	sequence int64

	failNext  error
	failFatal bool
}

// FailNext makes the next tick report err instead of a frame
func (d *syntheticDevice) FailNext(err error, fatal bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = err
	d.failFatal = fatal
}

func (d *syntheticDevice) Dimensions() (int, int) {
	img := d.generator(0)
	return img.Bounds().Dx(), img.Bounds().Dy()
}

func (d *syntheticDevice) Start(sink FrameSink) error {
	d.mu.Lock()
	if d.stopCh != nil {
		d.mu.Unlock()
		return nil
	}
	d.stopCh = make(chan struct{})
	stopCh := d.stopCh
	d.mu.Unlock()

	d.stopped.Add(1)
	go d.run(sink, stopCh)
	return nil
}

func (d *syntheticDevice) Stop() error {
	d.mu.Lock()
	if d.stopCh == nil {
		d.mu.Unlock()
		return nil
	}
	close(d.stopCh)
	d.stopCh = nil
	d.mu.Unlock()

	d.stopped.Wait()
	return nil
}

func (d *syntheticDevice) run(sink FrameSink, stopCh chan struct{}) {
	defer d.stopped.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			d.mu.Lock()
			failErr, fatal := d.failNext, d.failFatal
			d.failNext = nil
			seq := d.sequence
			d.sequence++
			d.mu.Unlock()

			if failErr != nil {
				sink.PushError(failErr, fatal)
				if fatal {
					return
				}
				continue
			}

			img := d.generator(seq)
			sink.PushFrame(&Frame{
				Image:     img,
				Width:     img.Bounds().Dx(),
				Height:    img.Bounds().Dy(),
				Stride:    img.Stride,
				Timestamp: time.Now(),
			})
		}
	}
}
