package pipeline

import (
	"time"

	"github.com/mil-ad/bandlog/internal/band"
	"github.com/mil-ad/bandlog/internal/readinglog"
	"github.com/mil-ad/bandlog/internal/subscription"
)

// SensorStatus describes one configured sensor.
type SensorStatus struct {
	Sensor  band.SensorKind    `json:"sensor"`
	State   subscription.State `json:"state"`
	Consent band.Consent       `json:"consent,omitempty"`
	File    string             `json:"file"`
	Lines   uint64             `json:"lines"`
	Error   string             `json:"error,omitempty"`
}

// Status is a snapshot of the pipeline.
type Status struct {
	Running bool           `json:"running"`
	Device  *band.Device   `json:"device,omitempty"`
	Since   *time.Time     `json:"since,omitempty"`
	Dir     string         `json:"dir"`
	Sensors []SensorStatus `json:"sensors"`
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{Running: p.session != nil, Dir: p.readings.Dir()}
	if st.Running {
		dev := p.session.Device()
		since := p.since
		st.Device = &dev
		st.Since = &since
	}

	for _, kind := range p.cfg.Sensors {
		fileName := readinglog.FileName(kind)
		ss := SensorStatus{
			Sensor: kind,
			State:  subscription.StateIdle,
			File:   fileName,
			Lines:  p.readings.Lines(fileName),
		}
		if st.Running {
			ss.State = p.subs.State(kind)
			if sensor, err := p.session.Sensor(kind); err == nil {
				ss.Consent = sensor.Consent()
			}
			if err := p.failures[kind]; err != nil {
				ss.Error = err.Error()
			}
		}
		st.Sensors = append(st.Sensors, ss)
	}
	return st
}
