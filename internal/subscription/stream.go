package subscription

import (
	"context"
	"sync"

	"github.com/mil-ad/bandlog/internal/band"
)

// stream adapts a sensor's sink callback to a channel.
type stream struct {
	session *band.Session
	sensor  band.Sensor
	ch      chan band.Reading

	// closed when shutdown begins; unblocks a sink waiting on a full channel
	done     chan struct{}
	doneOnce sync.Once

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

func newStream(sess *band.Session, sensor band.Sensor, buffer int) *stream {
	return &stream{
		session: sess,
		sensor:  sensor,
		ch:      make(chan band.Reading, buffer),
		done:    make(chan struct{}),
	}
}

// deliver is the sink handed to the backend. It blocks while the channel is
// full so no reading is lost, until shutdown begins.
func (s *stream) deliver(r band.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped++
		return
	}

	select {
	case s.ch <- r:
		return
	default:
	}
	select {
	case s.ch <- r:
	case <-s.done:
		s.dropped++
	}
}

func (s *stream) stop(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })
	err := s.sensor.Stop(ctx)
	s.close()
	return err
}

func (s *stream) close() {
	s.doneOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *stream) droppedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
