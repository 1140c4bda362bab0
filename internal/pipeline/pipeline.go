// Package pipeline connects to a band, streams the configured sensors and
// appends every reading to its log file. Start and Stop are the two hooks the
// host calls on launch and shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/mil-ad/bandlog/internal/band"
	"github.com/mil-ad/bandlog/internal/readinglog"
	"github.com/mil-ad/bandlog/internal/subscription"
)

// Policy decides what a failed sensor subscription does to startup.
type Policy string

const (
	// PolicyAbort fails the whole startup when any sensor cannot stream.
	PolicyAbort Policy = "abort"
	// PolicyDegrade keeps the sensors that did start.
	PolicyDegrade Policy = "degrade"
)

var ErrAlreadyStarted = errors.New("pipeline already started")

// Config holds pipeline settings
type Config struct {
	Sensors []band.SensorKind
	Policy  Policy
	Connect band.ConnectOptions
	// Buffer is the per-sensor reading queue length.
	Buffer int
}

// Pipeline wires the device connector, the subscription manager and the
// reading logger together.
type Pipeline struct {
	cfg      Config
	manager  band.Manager
	readings *readinglog.Logger
	logger   zerolog.Logger

	// held for the whole of Start and Stop
	lifecycle sync.Mutex

	mu       sync.Mutex
	session  *band.Session
	subs     *subscription.Manager
	drains   *errgroup.Group
	since    time.Time
	failures map[band.SensorKind]error
}

// New creates a pipeline. Nothing is connected until Start.
func New(cfg Config, manager band.Manager, readings *readinglog.Logger, logger zerolog.Logger) *Pipeline {
	if len(cfg.Sensors) == 0 {
		cfg.Sensors = band.Kinds()
	}
	// one drain goroutine per sensor keeps its file in order
	var kinds []band.SensorKind
	for _, kind := range cfg.Sensors {
		if !slices.Contains(kinds, kind) {
			kinds = append(kinds, kind)
		}
	}
	cfg.Sensors = kinds
	if cfg.Policy == "" {
		cfg.Policy = PolicyAbort
	}
	return &Pipeline{
		cfg:      cfg,
		manager:  manager,
		readings: readings,
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// Start connects to the first paired band and starts every configured sensor.
// Under PolicyAbort any failure undoes what was started and is returned.
func (p *Pipeline) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.Running() {
		return ErrAlreadyStarted
	}

	sess, err := band.Connect(ctx, p.manager, p.cfg.Connect)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	p.logger.Info().Str("device", sess.Device().String()).Msg("Connected to band")

	subs := subscription.New(p.cfg.Buffer, p.logger)
	drains := &errgroup.Group{}
	failures := make(map[band.SensorKind]error)

	for _, kind := range p.cfg.Sensors {
		ch, err := subs.Subscribe(ctx, sess, kind)
		if err != nil {
			if p.cfg.Policy == PolicyAbort {
				p.teardown(context.WithoutCancel(ctx), sess, subs, drains)
				return err
			}
			p.logger.Warn().Err(err).Str("sensor", string(kind)).Msg("Sensor unavailable, continuing without it")
			failures[kind] = err
			continue
		}
		drains.Go(func() error {
			p.drain(kind, ch)
			return nil
		})
	}

	if len(failures) == len(p.cfg.Sensors) {
		p.teardown(context.WithoutCancel(ctx), sess, subs, drains)
		var err error
		for _, kind := range p.cfg.Sensors {
			err = multierr.Append(err, failures[kind])
		}
		return err
	}

	p.mu.Lock()
	p.session = sess
	p.subs = subs
	p.drains = drains
	p.failures = failures
	p.since = time.Now()
	p.mu.Unlock()

	p.logger.Info().Int("sensors", len(p.cfg.Sensors)-len(failures)).Str("dir", p.readings.Dir()).Msg("Logging readings")
	return nil
}

// drain appends readings until the subscription closes the channel. A failed
// append costs one line, not the session.
func (p *Pipeline) drain(kind band.SensorKind, ch <-chan band.Reading) {
	for r := range ch {
		if err := p.readings.Log(r); err != nil {
			p.logger.Error().Err(err).Str("sensor", string(kind)).Msg("Failed to log reading")
		}
	}
}

// Stop unsubscribes every configured sensor, waits for queued readings to be
// written and disconnects. Stopping a pipeline that is not running is a no-op.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	sess, subs, drains := p.session, p.subs, p.drains
	p.mu.Unlock()
	if sess == nil {
		return nil
	}

	err := p.teardown(ctx, sess, subs, drains)
	for _, kind := range p.cfg.Sensors {
		fileName := readinglog.FileName(kind)
		p.logger.Info().Str("sensor", string(kind)).Uint64("lines", p.readings.Lines(fileName)).Msg("Sensor summary")
	}

	p.mu.Lock()
	p.session = nil
	p.subs = nil
	p.drains = nil
	p.failures = nil
	p.mu.Unlock()
	return err
}

// Running reports whether a session is open.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != nil
}

func (p *Pipeline) teardown(ctx context.Context, sess *band.Session, subs *subscription.Manager, drains *errgroup.Group) error {
	var err error
	for _, kind := range p.cfg.Sensors {
		err = multierr.Append(err, subs.Unsubscribe(ctx, sess, kind))
	}
	_ = drains.Wait()
	err = multierr.Append(err, sess.Close())
	if err != nil {
		p.logger.Error().Err(err).Msg("Errors while stopping")
	} else {
		p.logger.Info().Str("device", sess.Device().String()).Msg("Disconnected from band")
	}
	return err
}
