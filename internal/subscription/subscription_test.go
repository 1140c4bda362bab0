package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/mil-ad/bandlog/internal/band"
	"github.com/mil-ad/bandlog/internal/sim"
)

func openSession(t *testing.T, cfg sim.Config) (*sim.Band, *band.Session) {
	t.Helper()

	if len(cfg.Devices) == 0 {
		cfg.Devices = []band.Device{sim.DefaultDevice}
	}
	b := sim.New(cfg)
	sess, err := band.Connect(context.Background(), b, band.ConnectOptions{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return b, sess
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	b, sess := openSession(t, sim.Config{})
	m := New(8, zerolog.Nop())

	ch, err := m.Subscribe(context.Background(), sess, band.HeartRate)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if m.State(band.HeartRate) != StateStreaming {
		t.Fatal("expected heart rate to be streaming")
	}

	want := []int{60, 61, 65, 70, 68}
	go func() {
		for _, bpm := range want {
			b.Emit(band.HeartRateReading{BPM: bpm})
		}
	}()

	var got []int
	for len(got) < len(want) {
		select {
		case r := <-ch:
			got = append(got, r.(band.HeartRateReading).BPM)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d readings", len(got))
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("readings mismatch (-want +got):\n%s", diff)
	}

	if err := m.Unsubscribe(context.Background(), sess, band.HeartRate); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	if b.Sensor(band.HeartRate).Streaming() {
		t.Fatal("sensor still streaming after unsubscribe")
	}
}

func TestUnsubscribeWithoutSubscribe(t *testing.T) {
	_, sess := openSession(t, sim.Config{})
	m := New(0, zerolog.Nop())

	for _, kind := range band.Kinds() {
		if err := m.Unsubscribe(context.Background(), sess, kind); err != nil {
			t.Fatalf("unsubscribe %s: %v", kind, err)
		}
	}
	if err := m.UnsubscribeAll(context.Background(), sess); err != nil {
		t.Fatalf("unsubscribe all: %v", err)
	}
}

func TestSubscribeUnsupported(t *testing.T) {
	_, sess := openSession(t, sim.Config{
		Sensors: map[band.SensorKind]sim.SensorConfig{band.Accelerometer: {Unsupported: true}},
	})
	m := New(0, zerolog.Nop())

	_, err := m.Subscribe(context.Background(), sess, band.Accelerometer)
	if !errors.Is(err, band.ErrSensorUnsupported) {
		t.Fatalf("expected ErrSensorUnsupported, got %v", err)
	}
	var se *band.SensorError
	if !errors.As(err, &se) || se.Kind != band.Accelerometer {
		t.Fatalf("expected accelerometer SensorError, got %v", err)
	}
}

func TestSubscribeConsentDenied(t *testing.T) {
	b, sess := openSession(t, sim.Config{
		Sensors: map[band.SensorKind]sim.SensorConfig{band.Accelerometer: {Deny: true}},
	})
	m := New(0, zerolog.Nop())

	if _, err := m.Subscribe(context.Background(), sess, band.Accelerometer); !errors.Is(err, band.ErrConsentDenied) {
		t.Fatalf("expected ErrConsentDenied, got %v", err)
	}
	if b.Sensor(band.Accelerometer).Streaming() {
		t.Fatal("denied sensor must not stream")
	}
	if m.State(band.Accelerometer) != StateIdle {
		t.Fatal("denied sensor must stay idle")
	}
}

func TestSubscribeAlreadyGrantedSkipsPrompt(t *testing.T) {
	_, sess := openSession(t, sim.Config{
		Sensors: map[band.SensorKind]sim.SensorConfig{
			band.HeartRate: {Consent: band.ConsentGranted, ConsentErr: errors.New("should not be asked")},
		},
	})
	m := New(0, zerolog.Nop())

	if _, err := m.Subscribe(context.Background(), sess, band.HeartRate); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

func TestSubscribeConsentError(t *testing.T) {
	_, sess := openSession(t, sim.Config{
		Sensors: map[band.SensorKind]sim.SensorConfig{
			band.HeartRate: {ConsentErr: errors.New("prompt unavailable")},
		},
	})
	m := New(0, zerolog.Nop())

	_, err := m.Subscribe(context.Background(), sess, band.HeartRate)
	if err == nil {
		t.Fatal("expected consent error")
	}
	if errors.Is(err, band.ErrConsentDenied) {
		t.Fatalf("prompt failure should not look like a denial: %v", err)
	}
}

func TestSubscribeStartFailure(t *testing.T) {
	_, sess := openSession(t, sim.Config{
		Sensors: map[band.SensorKind]sim.SensorConfig{
			band.HeartRate: {StartErr: errors.New("notify failed")},
		},
	})
	m := New(0, zerolog.Nop())

	if _, err := m.Subscribe(context.Background(), sess, band.HeartRate); err == nil {
		t.Fatal("expected start error")
	}
	if got := m.Active(); len(got) != 0 {
		t.Fatalf("expected no active subscriptions, got %v", got)
	}
}

func TestSubscribeTwiceReturnsSameChannel(t *testing.T) {
	_, sess := openSession(t, sim.Config{})
	m := New(0, zerolog.Nop())

	first, err := m.Subscribe(context.Background(), sess, band.HeartRate)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := m.Subscribe(context.Background(), sess, band.HeartRate)
	if err != nil {
		t.Fatalf("subscribe again: %v", err)
	}
	if first != second {
		t.Fatal("expected the same channel for a repeated subscribe")
	}
}

func TestUnsubscribeDoesNotBlockOnFullBuffer(t *testing.T) {
	b, sess := openSession(t, sim.Config{})
	m := New(1, zerolog.Nop())

	if _, err := m.Subscribe(context.Background(), sess, band.Accelerometer); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		// nobody reads: the first fills the buffer, the second blocks
		b.Emit(band.AccelerometerReading{X: 1})
		b.Emit(band.AccelerometerReading{X: 2})
	}()

	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- m.Unsubscribe(context.Background(), sess, band.Accelerometer) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unsubscribe: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe blocked on a full buffer")
	}
	select {
	case <-emitted:
	case <-time.After(2 * time.Second):
		t.Fatal("emitter still blocked after unsubscribe")
	}
}

func TestUnsubscribeAll(t *testing.T) {
	b, sess := openSession(t, sim.Config{})
	m := New(0, zerolog.Nop())

	for _, kind := range band.Kinds() {
		if _, err := m.Subscribe(context.Background(), sess, kind); err != nil {
			t.Fatalf("subscribe %s: %v", kind, err)
		}
	}
	if diff := cmp.Diff([]band.SensorKind{band.Accelerometer, band.HeartRate}, m.Active()); diff != "" {
		t.Fatalf("active mismatch (-want +got):\n%s", diff)
	}

	if err := m.UnsubscribeAll(context.Background(), sess); err != nil {
		t.Fatalf("unsubscribe all: %v", err)
	}
	for _, kind := range band.Kinds() {
		if b.Sensor(kind).Streaming() {
			t.Fatalf("%s still streaming", kind)
		}
	}
	if got := m.Active(); len(got) != 0 {
		t.Fatalf("expected no active subscriptions, got %v", got)
	}
}

func TestSubscribeClosedSession(t *testing.T) {
	_, sess := openSession(t, sim.Config{})
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	m := New(0, zerolog.Nop())
	if _, err := m.Subscribe(context.Background(), sess, band.HeartRate); !errors.Is(err, band.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
