package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/mil-ad/bandlog/internal/band"
	"github.com/mil-ad/bandlog/internal/readinglog"
	"github.com/mil-ad/bandlog/internal/sim"
	"github.com/mil-ad/bandlog/internal/subscription"
)

func newTestPipeline(t *testing.T, cfg sim.Config, policy Policy) (*Pipeline, *sim.Band, string) {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "Documents")
	b := sim.New(cfg)
	p := New(Config{Policy: policy, Buffer: 4}, b, readinglog.New(dir, zerolog.Nop()), zerolog.Nop())
	return p, b, dir
}

func fileLines(t *testing.T, path string) []string {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestPipelineLogsBothSensors(t *testing.T) {
	p, b, dir := newTestPipeline(t, sim.Config{Devices: []band.Device{sim.DefaultDevice}}, PolicyAbort)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, bpm := range []int{72, 74, 75} {
		if !b.Emit(band.HeartRateReading{BPM: bpm}) {
			t.Fatalf("heart rate %d not delivered", bpm)
		}
	}
	for _, r := range []band.AccelerometerReading{{X: 0.01, Y: -0.02, Z: 0.99}, {X: 0, Y: 0, Z: 1}} {
		if !b.Emit(r) {
			t.Fatalf("accelerometer %v not delivered", r)
		}
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if diff := cmp.Diff([]string{"72", "74", "75"}, fileLines(t, filepath.Join(dir, "heartrate.csv"))); diff != "" {
		t.Fatalf("heartrate.csv mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"0.01, -0.02, 0.99", "0, 0, 1"}, fileLines(t, filepath.Join(dir, "accelerometer.csv"))); diff != "" {
		t.Fatalf("accelerometer.csv mismatch (-want +got):\n%s", diff)
	}

	for _, kind := range band.Kinds() {
		if b.Sensor(kind).Streaming() {
			t.Fatalf("%s still streaming after stop", kind)
		}
	}
	if b.Emit(band.HeartRateReading{BPM: 80}) {
		t.Fatal("reading delivered after stop")
	}
}

func TestPipelineDuplicateSensorKeepsOrder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Documents")
	b := sim.New(sim.Config{Devices: []band.Device{sim.DefaultDevice}})
	p := New(Config{Sensors: []band.SensorKind{band.HeartRate, band.HeartRate}, Buffer: 4}, b, readinglog.New(dir, zerolog.Nop()), zerolog.Nop())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	const n = 2000
	want := make([]string, 0, n)
	for i := range n {
		if !b.Emit(band.HeartRateReading{BPM: i}) {
			t.Fatalf("heart rate %d not delivered", i)
		}
		want = append(want, strconv.Itoa(i))
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if diff := cmp.Diff(want, fileLines(t, filepath.Join(dir, "heartrate.csv"))); diff != "" {
		t.Fatalf("heartrate.csv mismatch (-want +got):\n%s", diff)
	}
	if got := len(p.Status().Sensors); got != 1 {
		t.Fatalf("expected 1 sensor in status, got %d", got)
	}
}

func TestPipelineNoDevice(t *testing.T) {
	p, _, dir := newTestPipeline(t, sim.Config{}, PolicyAbort)

	err := p.Start(context.Background())
	if !errors.Is(err, band.ErrNoDeviceFound) {
		t.Fatalf("expected ErrNoDeviceFound, got %v", err)
	}
	if p.Running() {
		t.Fatal("pipeline should not be running")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("no log files should be created, stat err: %v", err)
	}
}

func TestPipelineAbortOnDeniedAccelerometer(t *testing.T) {
	p, b, _ := newTestPipeline(t, sim.Config{
		Devices: []band.Device{sim.DefaultDevice},
		Sensors: map[band.SensorKind]sim.SensorConfig{band.Accelerometer: {Deny: true}},
	}, PolicyAbort)

	err := p.Start(context.Background())
	if !errors.Is(err, band.ErrConsentDenied) {
		t.Fatalf("expected ErrConsentDenied, got %v", err)
	}
	if p.Running() {
		t.Fatal("abort policy must not leave the pipeline running")
	}
	if b.Sensor(band.HeartRate).Streaming() {
		t.Fatal("heart rate left streaming after aborted startup")
	}
}

func TestPipelineDegradeOnDeniedAccelerometer(t *testing.T) {
	p, b, dir := newTestPipeline(t, sim.Config{
		Devices: []band.Device{sim.DefaultDevice},
		Sensors: map[band.SensorKind]sim.SensorConfig{band.Accelerometer: {Deny: true}},
	}, PolicyDegrade)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = p.Stop(context.Background()) }()

	st := p.Status()
	if !st.Running || st.Device == nil || st.Device.Address != sim.DefaultDevice.Address {
		t.Fatalf("unexpected status %+v", st)
	}
	byKind := make(map[band.SensorKind]SensorStatus)
	for _, s := range st.Sensors {
		byKind[s.Sensor] = s
	}
	if byKind[band.HeartRate].State != subscription.StateStreaming {
		t.Fatalf("expected heart rate streaming, got %s", byKind[band.HeartRate].State)
	}
	acc := byKind[band.Accelerometer]
	if acc.State != subscription.StateIdle || acc.Consent != band.ConsentDenied || acc.Error == "" {
		t.Fatalf("unexpected accelerometer status %+v", acc)
	}

	if !b.Emit(band.HeartRateReading{BPM: 90}) {
		t.Fatal("heart rate not delivered")
	}
	if b.Emit(band.AccelerometerReading{X: 1}) {
		t.Fatal("accelerometer must not stream without consent")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if diff := cmp.Diff([]string{"90"}, fileLines(t, filepath.Join(dir, "heartrate.csv"))); diff != "" {
		t.Fatalf("heartrate.csv mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(dir, "accelerometer.csv")); !os.IsNotExist(err) {
		t.Fatalf("accelerometer.csv should not exist, stat err: %v", err)
	}
}

func TestPipelineDegradeAllFailed(t *testing.T) {
	p, _, _ := newTestPipeline(t, sim.Config{
		Devices: []band.Device{sim.DefaultDevice},
		Sensors: map[band.SensorKind]sim.SensorConfig{
			band.HeartRate:     {Unsupported: true},
			band.Accelerometer: {Deny: true},
		},
	}, PolicyDegrade)

	err := p.Start(context.Background())
	if !errors.Is(err, band.ErrSensorUnsupported) || !errors.Is(err, band.ErrConsentDenied) {
		t.Fatalf("expected both sensor failures, got %v", err)
	}
	if p.Running() {
		t.Fatal("pipeline should not run without any sensor")
	}
}

func TestPipelineStopIsIdempotent(t *testing.T) {
	p, _, _ := newTestPipeline(t, sim.Config{Devices: []band.Device{sim.DefaultDevice}}, PolicyAbort)

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestPipelineWriteFailureKeepsStreaming(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "Documents")
	if err := os.WriteFile(dir, nil, 0o644); err != nil {
		t.Fatalf("create blocker: %v", err)
	}

	b := sim.New(sim.Config{Devices: []band.Device{sim.DefaultDevice}})
	p := New(Config{Sensors: []band.SensorKind{band.HeartRate}}, b, readinglog.New(dir, zerolog.Nop()), zerolog.Nop())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 3; i++ {
		if !b.Emit(band.HeartRateReading{BPM: 60 + i}) {
			t.Fatalf("reading %d not delivered", i)
		}
	}
	if !p.Running() {
		t.Fatal("write failures must not end the session")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st := p.Status(); st.Sensors[0].Lines != 0 {
		t.Fatalf("expected no lines written, got %d", st.Sensors[0].Lines)
	}
}
