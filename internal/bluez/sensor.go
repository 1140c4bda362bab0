package bluez

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/mil-ad/bandlog/internal/band"
	"github.com/mil-ad/bandlog/internal/consent"
)

// Sensor streams one GATT characteristic. It implements band.Sensor.
type Sensor struct {
	kind   band.SensorKind
	conn   *dbus.Conn
	path   dbus.ObjectPath // empty when the band lacks the characteristic
	ledger *consent.Ledger
	decode func([]byte, time.Time) (band.Reading, error)
	logger zerolog.Logger

	mu      sync.Mutex
	signals chan *dbus.Signal
	stop    chan struct{}
	done    chan struct{}
}

func (m *Manager) newSensor(kind band.SensorKind, path dbus.ObjectPath) *Sensor {
	decode := decodeHeartRate
	if kind == band.Accelerometer {
		decode = decodeAccelerometer
	}
	return &Sensor{
		kind:   kind,
		conn:   m.conn,
		path:   path,
		ledger: m.cfg.Consent,
		decode: decode,
		logger: m.logger.With().Str("sensor", string(kind)).Logger(),
	}
}

func (s *Sensor) Kind() band.SensorKind {
	return s.kind
}

func (s *Sensor) Supported() bool {
	return s.path != ""
}

func (s *Sensor) Consent() band.Consent {
	return s.ledger.Get(s.kind)
}

func (s *Sensor) RequestConsent(ctx context.Context) (band.Consent, error) {
	return s.ledger.Request(ctx, s.kind)
}

func (s *Sensor) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(s.path),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
}

// Start subscribes to value changes and enables notifications.
func (s *Sensor) Start(ctx context.Context, sink band.Sink) error {
	if !s.Supported() {
		return band.ErrSensorUnsupported
	}
	if s.Consent() != band.ConsentGranted {
		return band.ErrConsentDenied
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signals != nil {
		return fmt.Errorf("%s already streaming", s.kind)
	}

	if err := s.conn.AddMatchSignal(s.matchOptions()...); err != nil {
		return fmt.Errorf("add match: %w", err)
	}
	signals := make(chan *dbus.Signal, 32)
	s.conn.Signal(signals)

	obj := s.conn.Object(busName, s.path)
	if err := obj.CallWithContext(ctx, gattCharIface+".StartNotify", 0).Err; err != nil {
		s.conn.RemoveSignal(signals)
		_ = s.conn.RemoveMatchSignal(s.matchOptions()...)
		return fmt.Errorf("start notify: %w", err)
	}

	s.signals = signals
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.watch(signals, sink, s.stop, s.done)

	s.logger.Debug().Str("path", string(s.path)).Msg("Notifications enabled")
	return nil
}

// Stop disables notifications. Once it returns the sink is not called again.
func (s *Sensor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signals == nil {
		return nil
	}

	obj := s.conn.Object(busName, s.path)
	err := obj.CallWithContext(ctx, gattCharIface+".StopNotify", 0).Err

	s.conn.RemoveSignal(s.signals)
	if rerr := s.conn.RemoveMatchSignal(s.matchOptions()...); rerr != nil {
		s.logger.Debug().Err(rerr).Msg("Remove match failed")
	}
	close(s.stop)
	<-s.done
	s.signals, s.stop, s.done = nil, nil, nil

	if err != nil {
		return fmt.Errorf("stop notify: %w", err)
	}
	return nil
}

func (s *Sensor) watch(signals <-chan *dbus.Signal, sink band.Sink, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			value, ok := notifiedValue(sig, s.path)
			if !ok {
				continue
			}
			r, err := s.decode(value, time.Now())
			if err != nil {
				s.logger.Warn().Err(err).Hex("value", value).Msg("Dropping malformed notification")
				continue
			}
			sink(r)
		}
	}
}

// notifiedValue extracts the new characteristic value from a
// PropertiesChanged signal emitted for path.
func notifiedValue(sig *dbus.Signal, path dbus.ObjectPath) ([]byte, bool) {
	if sig == nil || sig.Name != propsSignal || sig.Path != path {
		return nil, false
	}
	// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
	if len(sig.Body) < 2 {
		return nil, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != gattCharIface {
		return nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, false
	}
	v, ok := changed["Value"]
	if !ok {
		return nil, false
	}
	value, ok := v.Value().([]byte)
	return value, ok
}
