package band

import (
	"errors"
	"fmt"
)

var (
	ErrNoDeviceFound     = errors.New("no paired device found")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrSensorUnsupported = errors.New("sensor not supported")
	ErrConsentDenied     = errors.New("consent not granted")
	ErrWriteFailure      = errors.New("write failure")
	ErrSessionClosed     = errors.New("session closed")
)

// SensorError ties a failure to the sensor it happened on.
type SensorError struct {
	Kind SensorKind
	Err  error
}

func (e *SensorError) Error() string {
	return fmt.Sprintf("%s sensor: %v", e.Kind, e.Err)
}

func (e *SensorError) Unwrap() error {
	return e.Err
}
