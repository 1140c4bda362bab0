package band

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ConnectOptions tune device selection and connection.
type ConnectOptions struct {
	// Address selects a specific paired device. Empty means the first one.
	Address string
	// Timeout bounds discovery plus connection. Zero means no extra bound.
	Timeout time.Duration
}

// Session is the connection to one band for the duration of a run. It is owned
// by the host and becomes unusable once closed.
type Session struct {
	device Device
	client Client

	mu     sync.Mutex
	closed bool
}

// NewSession wraps an already connected client.
func NewSession(client Client) *Session {
	return &Session{device: client.Device(), client: client}
}

// Connect picks a paired device and opens a session to it. There is a single
// attempt; callers decide whether to retry.
func Connect(ctx context.Context, m Manager, opts ConnectOptions) (*Session, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	devices, err := m.PairedDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list paired devices: %w", ErrConnectionFailed, err)
	}
	dev, err := selectDevice(devices, opts.Address)
	if err != nil {
		return nil, err
	}

	client, err := m.Connect(ctx, dev)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, dev, err)
	}
	return NewSession(client), nil
}

// selectDevice returns the device with the given address, or the first device
// when addr is empty.
func selectDevice(devices []Device, addr string) (Device, error) {
	if len(devices) == 0 {
		return Device{}, ErrNoDeviceFound
	}
	if addr == "" {
		return devices[0], nil
	}
	for _, d := range devices {
		if strings.EqualFold(d.Address, addr) {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %s is not paired", ErrNoDeviceFound, addr)
}

func (s *Session) Device() Device {
	return s.device
}

// Sensor returns the capability API for kind on the connected band.
func (s *Session) Sensor(kind SensorKind) (Sensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.client.Sensor(kind), nil
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close disconnects from the band. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
