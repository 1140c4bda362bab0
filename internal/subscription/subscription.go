// Package subscription starts and stops sensor streams on a band session and
// hands each stream to the caller as a channel of readings.
package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/mil-ad/bandlog/internal/band"
	"github.com/mil-ad/bandlog/internal/metrics"
)

// DefaultBuffer is the per-sensor channel capacity used when none is given.
const DefaultBuffer = 64

// State is what the manager knows about one sensor.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
)

// Manager owns the active subscriptions of a session.
type Manager struct {
	buffer int
	logger zerolog.Logger

	mu     sync.Mutex
	ops    map[band.SensorKind]*sync.Mutex
	active map[band.SensorKind]*stream
}

// New returns a manager whose reading channels hold up to buffer readings.
func New(buffer int, logger zerolog.Logger) *Manager {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Manager{
		buffer: buffer,
		logger: logger.With().Str("component", "subscription").Logger(),
		ops:    make(map[band.SensorKind]*sync.Mutex),
		active: make(map[band.SensorKind]*stream),
	}
}

// op returns the lock serializing subscribe and unsubscribe for kind.
func (m *Manager) op(kind band.SensorKind) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.ops[kind]
	if !ok {
		mu = &sync.Mutex{}
		m.ops[kind] = mu
	}
	return mu
}

func (m *Manager) lookup(kind band.SensorKind) *stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[kind]
}

// Subscribe checks that kind is supported, obtains consent (prompting if
// needed) and starts the stream. Readings arrive on the returned channel in
// the order the band produced them; the channel is closed by Unsubscribe.
//
// Subscribing an already streaming sensor returns its existing channel.
func (m *Manager) Subscribe(ctx context.Context, sess *band.Session, kind band.SensorKind) (<-chan band.Reading, error) {
	mu := m.op(kind)
	mu.Lock()
	defer mu.Unlock()

	if s := m.lookup(kind); s != nil {
		return s.ch, nil
	}

	sensor, err := sess.Sensor(kind)
	if err != nil {
		return nil, &band.SensorError{Kind: kind, Err: err}
	}
	if !sensor.Supported() {
		return nil, &band.SensorError{Kind: kind, Err: band.ErrSensorUnsupported}
	}

	decision := sensor.Consent()
	if decision != band.ConsentGranted {
		m.logger.Info().Str("sensor", string(kind)).Str("consent", string(decision)).Msg("Requesting consent")
		decision, err = sensor.RequestConsent(ctx)
		if err != nil {
			return nil, &band.SensorError{Kind: kind, Err: fmt.Errorf("request consent: %w", err)}
		}
	}
	if decision != band.ConsentGranted {
		return nil, &band.SensorError{Kind: kind, Err: band.ErrConsentDenied}
	}

	s := newStream(sess, sensor, m.buffer)
	if err := sensor.Start(ctx, s.deliver); err != nil {
		s.close()
		return nil, &band.SensorError{Kind: kind, Err: fmt.Errorf("start stream: %w", err)}
	}

	m.mu.Lock()
	m.active[kind] = s
	m.mu.Unlock()
	metrics.SubscriptionsActive.Inc()

	m.logger.Info().Str("sensor", string(kind)).Str("device", sess.Device().Address).Msg("Streaming started")
	return s.ch, nil
}

// Unsubscribe stops kind's stream and closes its channel. It is a no-op when
// kind is not streaming on sess.
func (m *Manager) Unsubscribe(ctx context.Context, sess *band.Session, kind band.SensorKind) error {
	mu := m.op(kind)
	mu.Lock()
	defer mu.Unlock()

	m.mu.Lock()
	s, ok := m.active[kind]
	if !ok || s.session != sess {
		m.mu.Unlock()
		return nil
	}
	delete(m.active, kind)
	m.mu.Unlock()
	metrics.SubscriptionsActive.Dec()

	err := s.stop(ctx)
	if n := s.droppedCount(); n > 0 {
		m.logger.Warn().Str("sensor", string(kind)).Uint64("dropped", n).Msg("Readings arrived after shutdown began")
	}
	if err != nil {
		return &band.SensorError{Kind: kind, Err: fmt.Errorf("stop stream: %w", err)}
	}
	m.logger.Info().Str("sensor", string(kind)).Msg("Streaming stopped")
	return nil
}

// UnsubscribeAll stops every stream on sess, continuing past failures.
func (m *Manager) UnsubscribeAll(ctx context.Context, sess *band.Session) error {
	var err error
	for _, kind := range m.Active() {
		err = multierr.Append(err, m.Unsubscribe(ctx, sess, kind))
	}
	return err
}

// Active lists the streaming sensors.
func (m *Manager) Active() []band.SensorKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]band.SensorKind, 0, len(m.active))
	for k := range m.active {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// State reports whether kind is streaming.
func (m *Manager) State(kind band.SensorKind) State {
	if m.lookup(kind) != nil {
		return StateStreaming
	}
	return StateIdle
}
