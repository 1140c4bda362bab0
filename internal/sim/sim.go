// Package sim is an in-process band backend. It produces synthetic readings on
// a timer for demo runs and lets tests push readings by hand with Emit.
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/mil-ad/bandlog/internal/band"
	"github.com/mil-ad/bandlog/internal/consent"
)

// SensorConfig describes how one simulated sensor behaves.
type SensorConfig struct {
	Unsupported bool
	// Consent is what the band reports before anyone asks. Empty means unknown.
	Consent band.Consent
	// Deny makes the consent request come back denied.
	Deny       bool
	ConsentErr error
	StartErr   error
}

// Config describes the simulated host and band.
type Config struct {
	Devices    []band.Device
	ConnectErr error
	Sensors    map[band.SensorKind]SensorConfig
	// Interval between synthetic readings per sensor. Zero disables the
	// generator; readings then only arrive through Emit.
	Interval time.Duration
	Seed     uint64
	// Ledger, when set, answers consent questions instead of the per-sensor
	// Consent and Deny fields.
	Ledger *consent.Ledger
}

// DefaultDevice is the band paired by NewDefault.
var DefaultDevice = band.Device{Address: "C0:FF:EE:00:00:01", Name: "Simulated Band", Path: "sim/0"}

// Band implements band.Manager.
type Band struct {
	cfg Config

	mu      sync.Mutex
	clients []*Client
}

func New(cfg Config) *Band {
	return &Band{cfg: cfg}
}

// NewDefault returns a band with one paired device and every sensor supported.
func NewDefault(interval time.Duration, ledger *consent.Ledger) *Band {
	return New(Config{
		Devices:  []band.Device{DefaultDevice},
		Interval: interval,
		Seed:     uint64(time.Now().UnixNano()),
		Ledger:   ledger,
	})
}

func (b *Band) PairedDevices(ctx context.Context) ([]band.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]band.Device(nil), b.cfg.Devices...), nil
}

func (b *Band) Connect(ctx context.Context, dev band.Device) (band.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.cfg.ConnectErr != nil {
		return nil, b.cfg.ConnectErr
	}
	known := false
	for _, d := range b.cfg.Devices {
		if strings.EqualFold(d.Address, dev.Address) {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("device %s is not paired", dev.Address)
	}

	c := &Client{dev: dev, sensors: make(map[band.SensorKind]*Sensor)}
	for i, kind := range band.Kinds() {
		c.sensors[kind] = &Sensor{
			kind:     kind,
			cfg:      b.cfg.Sensors[kind],
			ledger:   b.cfg.Ledger,
			interval: b.cfg.Interval,
			rng:      rand.New(rand.NewPCG(b.cfg.Seed, uint64(i))),
		}
	}

	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()
	return c, nil
}

// Emit delivers r to the matching sensor of the most recent connection and
// reports whether that sensor was streaming.
func (b *Band) Emit(r band.Reading) bool {
	s := b.Sensor(r.Kind())
	if s == nil {
		return false
	}
	return s.emit(r)
}

// Sensor returns the simulated sensor of the most recent connection.
func (b *Band) Sensor(kind band.SensorKind) *Sensor {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.clients) == 0 {
		return nil
	}
	return b.clients[len(b.clients)-1].sensors[kind]
}

// Client implements band.Client.
type Client struct {
	dev     band.Device
	sensors map[band.SensorKind]*Sensor

	mu     sync.Mutex
	closed bool
}

func (c *Client) Device() band.Device {
	return c.dev
}

func (c *Client) Sensor(kind band.SensorKind) band.Sensor {
	if s, ok := c.sensors[kind]; ok {
		return s
	}
	return &Sensor{kind: kind, cfg: SensorConfig{Unsupported: true}}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, s := range c.sensors {
		errs = append(errs, s.Stop(context.Background()))
	}
	return multierr.Combine(errs...)
}

// Closed reports whether Close has run.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sensor implements band.Sensor.
type Sensor struct {
	kind     band.SensorKind
	cfg      SensorConfig
	ledger   *consent.Ledger
	interval time.Duration
	rng      *rand.Rand

	mu        sync.Mutex
	consent   band.Consent
	sink      band.Sink
	streaming bool
	stop      chan struct{}
	done      chan struct{}
	bpm       float64

	// serializes sink calls
	emitMu sync.Mutex
}

func (s *Sensor) Kind() band.SensorKind {
	return s.kind
}

func (s *Sensor) Supported() bool {
	return !s.cfg.Unsupported
}

func (s *Sensor) Consent() band.Consent {
	if s.ledger != nil {
		return s.ledger.Get(s.kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consent != "" {
		return s.consent
	}
	if s.cfg.Consent != "" {
		return s.cfg.Consent
	}
	return band.ConsentUnknown
}

func (s *Sensor) RequestConsent(ctx context.Context) (band.Consent, error) {
	if s.ledger != nil {
		return s.ledger.Request(ctx, s.kind)
	}
	if err := ctx.Err(); err != nil {
		return band.ConsentUnknown, err
	}
	if s.cfg.ConsentErr != nil {
		return band.ConsentUnknown, s.cfg.ConsentErr
	}
	if c := s.Consent(); c != band.ConsentUnknown {
		return c, nil
	}

	decision := band.ConsentGranted
	if s.cfg.Deny {
		decision = band.ConsentDenied
	}
	s.mu.Lock()
	s.consent = decision
	s.mu.Unlock()
	return decision, nil
}

func (s *Sensor) Start(ctx context.Context, sink band.Sink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.Supported() {
		return band.ErrSensorUnsupported
	}
	if s.Consent() != band.ConsentGranted {
		return band.ErrConsentDenied
	}
	if s.cfg.StartErr != nil {
		return s.cfg.StartErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming {
		return fmt.Errorf("%s already streaming", s.kind)
	}
	s.sink = sink
	s.streaming = true
	if s.interval > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.generate(s.stop, s.done)
	}
	return nil
}

// Stop ends the stream. Once it returns the sink is not called again.
func (s *Sensor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return nil
	}
	s.streaming = false
	s.sink = nil
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// wait out an Emit that grabbed the sink before we cleared it
	s.emitMu.Lock()
	s.emitMu.Unlock()
	return nil
}

func (s *Sensor) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

func (s *Sensor) emit(r band.Reading) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return false
	}
	sink(r)
	return true
}

func (s *Sensor) generate(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for n := 0; ; n++ {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.emit(s.next(n, now))
		}
	}
}

func (s *Sensor) next(n int, now time.Time) band.Reading {
	switch s.kind {
	case band.HeartRate:
		// random walk around a resting pulse
		if s.bpm == 0 {
			s.bpm = 68
		}
		s.bpm = math.Min(180, math.Max(45, s.bpm+s.rng.NormFloat64()*1.5))
		quality := band.QualityLocked
		if n < 3 {
			quality = band.QualityAcquiring
		}
		return band.HeartRateReading{BPM: int(math.Round(s.bpm)), Quality: quality, At: now}
	default:
		noise := func() float64 { return math.Round(s.rng.NormFloat64()*20) / 1000 }
		return band.AccelerometerReading{X: noise(), Y: noise(), Z: 1 + noise(), At: now}
	}
}
