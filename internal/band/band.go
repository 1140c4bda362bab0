// Package band describes a wearable fitness band as the rest of bandlog sees
// it: the sensors it exposes, the readings they produce and the capability API
// a backend has to provide.
package band

import (
	"context"
	"fmt"
	"time"
)

// SensorKind identifies one of the band's sensor streams.
type SensorKind string

const (
	HeartRate     SensorKind = "heartrate"
	Accelerometer SensorKind = "accelerometer"
)

// Kinds returns every sensor kind bandlog knows how to log, in startup order.
func Kinds() []SensorKind {
	return []SensorKind{HeartRate, Accelerometer}
}

// ParseSensorKind converts a config or CLI value into a SensorKind.
func ParseSensorKind(s string) (SensorKind, error) {
	switch k := SensorKind(s); k {
	case HeartRate, Accelerometer:
		return k, nil
	}
	return "", fmt.Errorf("unknown sensor kind %q", s)
}

// Consent is the user's decision about streaming a sensor.
type Consent string

const (
	ConsentUnknown Consent = "unknown"
	ConsentDenied  Consent = "denied"
	ConsentGranted Consent = "granted"
)

// Reading is a single sample emitted by a sensor.
type Reading interface {
	Kind() SensorKind
	Time() time.Time
}

// HeartRateQuality reports whether the band has locked onto a pulse.
type HeartRateQuality string

const (
	QualityAcquiring HeartRateQuality = "acquiring"
	QualityLocked    HeartRateQuality = "locked"
)

// HeartRateReading carries beats per minute.
type HeartRateReading struct {
	BPM     int
	Quality HeartRateQuality
	At      time.Time
}

func (HeartRateReading) Kind() SensorKind  { return HeartRate }
func (r HeartRateReading) Time() time.Time { return r.At }

// AccelerometerReading carries acceleration along each axis in g.
type AccelerometerReading struct {
	X, Y, Z float64
	At      time.Time
}

func (AccelerometerReading) Kind() SensorKind  { return Accelerometer }
func (r AccelerometerReading) Time() time.Time { return r.At }

// Device is a band that has been paired with this host.
type Device struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	// Path is the backend's handle for the device, e.g. a BlueZ object path.
	Path string `json:"path,omitempty"`
}

func (d Device) String() string {
	if d.Name == "" {
		return d.Address
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.Address)
}

// Sink receives readings from a started sensor. Backends call it from their
// own goroutine, one reading at a time and in the order the band produced them.
type Sink func(Reading)

// Sensor is the capability API of a single sensor on a connected band.
type Sensor interface {
	Kind() SensorKind
	Supported() bool
	Consent() Consent
	// RequestConsent asks the user and may block until they answer or ctx is done.
	RequestConsent(ctx context.Context) (Consent, error)
	Start(ctx context.Context, sink Sink) error
	Stop(ctx context.Context) error
}

// Client is a live connection to one band.
type Client interface {
	Device() Device
	// Sensor never returns nil; sensors the band lacks report Supported() == false.
	Sensor(kind SensorKind) Sensor
	Close() error
}

// Manager discovers paired bands and connects to them.
type Manager interface {
	PairedDevices(ctx context.Context) ([]Device, error)
	Connect(ctx context.Context, dev Device) (Client, error)
}
