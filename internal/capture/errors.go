package capture

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedTarget is returned when no registered capability supports
// the requested target.
var ErrUnsupportedTarget = errors.New("no capture capability supports target")

// ErrSessionEnded is returned by operations on a session that has ended or
// faulted.
var ErrSessionEnded = errors.New("capture session has ended")

// TimeoutError indicates frame acquisition exceeded its deadline. Distinct
// from a match miss so callers can tell "no frame" from "no match".
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no frame captured within %s", e.Timeout)
}

// IsTimeout reports whether err is a capture TimeoutError
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// CaptureError carries a device failure to push-model subscribers. Fatal
// errors end the session; transient ones only count against its metrics.
type CaptureError struct {
	Err   error
	Fatal bool
	Time  time.Time
}

func (e CaptureError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("fatal capture error: %v", e.Err)
	}
	return fmt.Sprintf("transient capture error: %v", e.Err)
}

func (e CaptureError) Unwrap() error {
	return e.Err
}
