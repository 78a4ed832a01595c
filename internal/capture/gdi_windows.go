//go:build windows
// +build windows

package capture

import (
	"fmt"
	"image"
	"sync"
	"syscall"
	"time"
	"unsafe"
)

var (
	user32                     = syscall.NewLazyDLL("user32.dll")
	gdi32                      = syscall.NewLazyDLL("gdi32.dll")
	procGetDC                  = user32.NewProc("GetDC")
	procReleaseDC              = user32.NewProc("ReleaseDC")
	procGetClientRect          = user32.NewProc("GetClientRect")
	procCreateCompatibleDC     = gdi32.NewProc("CreateCompatibleDC")
	procCreateCompatibleBitmap = gdi32.NewProc("CreateCompatibleBitmap")
	procSelectObject           = gdi32.NewProc("SelectObject")
	procBitBlt                 = gdi32.NewProc("BitBlt")
	procDeleteDC               = gdi32.NewProc("DeleteDC")
	procDeleteObject           = gdi32.NewProc("DeleteObject")
	procGetDIBits              = gdi32.NewProc("GetDIBits")
)

const (
	srcCopy      = 0x00CC0020
	biRGB        = 0
	dibRGBColors = 0

	// consecutive capture failures before the device reports a fatal loss
	maxConsecutiveFailures = 5
)

type winRect struct {
	Left   int32
	Top    int32
	Right  int32
	Bottom int32
}

type bitmapInfoHeader struct {
	Size          uint32
	Width         int32
	Height        int32
	Planes        uint16
	BitCount      uint16
	Compression   uint32
	SizeImage     uint32
	XPelsPerMeter int32
	YPelsPerMeter int32
	ClrUsed       uint32
	ClrImportant  uint32
}

type bitmapInfo struct {
	BmiHeader bitmapInfoHeader
	BmiColors [1]uint32
}

// GDICapability captures windows via the Windows GDI BitBlt path
type GDICapability struct{}

// Name returns the capability name
func (GDICapability) Name() string { return "gdi" }

// Supports reports whether the capability can capture the target
func (GDICapability) Supports(target Target) bool {
	return target.Kind == TargetWindow && target.WindowHandle != 0
}

// OpenDevice binds a GDI device to the target window
func (GDICapability) OpenDevice(target Target, interval time.Duration) (Device, error) {
	if target.WindowHandle == 0 {
		return nil, fmt.Errorf("invalid window handle")
	}

	dev := &gdiDevice{hwnd: target.WindowHandle, interval: interval}
	if err := dev.updateDimensions(); err != nil {
		return nil, err
	}
	return dev, nil
}

// gdiDevice captures one window on a fixed interval and pushes frames into
// the session's sink.
type gdiDevice struct {
	hwnd     uintptr
	width    int
	height   int
	interval time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped sync.WaitGroup
}

func (d *gdiDevice) Dimensions() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.width, d.height
}

func (d *gdiDevice) Start(sink FrameSink) error {
	d.mu.Lock()
	if d.stopCh != nil {
		d.mu.Unlock()
		return nil
	}
	d.stopCh = make(chan struct{})
	stopCh := d.stopCh
	d.mu.Unlock()

	d.stopped.Add(1)
	go d.captureLoop(sink, stopCh)
	return nil
}

func (d *gdiDevice) Stop() error {
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

func (d *gdiDevice) captureLoop(sink FrameSink, stopCh chan struct{}) {
	defer d.stopped.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			img, err := d.captureFrame()
			if err != nil {
				failures++
				if failures >= maxConsecutiveFailures {
					sink.PushError(fmt.Errorf("window capture lost: %w", err), true)
					return
				}
				sink.PushError(err, false)
				continue
			}
			failures = 0
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

func (d *gdiDevice) updateDimensions() error {
	var rect winRect
	ret, _, err := procGetClientRect.Call(d.hwnd, uintptr(unsafe.Pointer(&rect)))
	if ret == 0 {
		return fmt.Errorf("failed to get client rect: %v", err)
	}

	width := int(rect.Right - rect.Left)
	height := int(rect.Bottom - rect.Top)
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid window dimensions: %dx%d", width, height)
	}

	d.mu.Lock()
	d.width = width
	d.height = height
	d.mu.Unlock()
	return nil
}

func (d *gdiDevice) captureFrame() (*image.RGBA, error) {
	// Window may have resized between frames.
	if err := d.updateDimensions(); err != nil {
		return nil, err
	}
	width, height := d.Dimensions()

	hdcWindow, _, err := procGetDC.Call(d.hwnd)
	if hdcWindow == 0 {
		return nil, fmt.Errorf("failed to get window DC: %v", err)
	}
	defer procReleaseDC.Call(d.hwnd, hdcWindow)

	hdcMem, _, err := procCreateCompatibleDC.Call(hdcWindow)
	if hdcMem == 0 {
		return nil, fmt.Errorf("failed to create compatible DC: %v", err)
	}
	defer procDeleteDC.Call(hdcMem)

	hBitmap, _, err := procCreateCompatibleBitmap.Call(
		hdcWindow,
		uintptr(width),
		uintptr(height),
	)
	if hBitmap == 0 {
		return nil, fmt.Errorf("failed to create compatible bitmap: %v", err)
	}
	defer procDeleteObject.Call(hBitmap)

	_, _, _ = procSelectObject.Call(hdcMem, hBitmap)

	ret, _, err := procBitBlt.Call(
		hdcMem,
		0, 0,
		uintptr(width), uintptr(height),
		hdcWindow,
		0, 0,
		srcCopy,
	)
	if ret == 0 {
		return nil, fmt.Errorf("BitBlt failed: %v", err)
	}

	var bi bitmapInfo
	bi.BmiHeader.Size = uint32(unsafe.Sizeof(bi.BmiHeader))
	bi.BmiHeader.Width = int32(width)
	bi.BmiHeader.Height = -int32(height) // Negative for top-down bitmap
	bi.BmiHeader.Planes = 1
	bi.BmiHeader.BitCount = 32
	bi.BmiHeader.Compression = biRGB

	buffer := make([]byte, width*height*4)

	ret, _, err = procGetDIBits.Call(
		hdcMem,
		hBitmap,
		0,
		uintptr(height),
		uintptr(unsafe.Pointer(&buffer[0])),
		uintptr(unsafe.Pointer(&bi)),
		dibRGBColors,
	)
	if ret == 0 {
		return nil, fmt.Errorf("GetDIBits failed: %v", err)
	}

	// Windows uses BGRA, Go uses RGBA
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(buffer); i += 4 {
		img.Pix[i] = buffer[i+2]
		img.Pix[i+1] = buffer[i+1]
		img.Pix[i+2] = buffer[i]
		img.Pix[i+3] = buffer[i+3]
	}

	return img, nil
}
