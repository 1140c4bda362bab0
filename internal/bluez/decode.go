package bluez

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/mil-ad/bandlog/internal/band"
)

// Heart Rate Measurement flag bits.
const (
	hrFormatUint16     = 1 << 0
	hrContactDetected  = 1 << 1
	hrContactSupported = 1 << 2
)

// decodeHeartRate parses a Heart Rate Measurement value: a flags byte followed
// by the rate as uint8, or as little-endian uint16 when bit 0 is set.
func decodeHeartRate(b []byte, at time.Time) (band.Reading, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("heart rate measurement too short: %d bytes", len(b))
	}
	flags := b[0]

	var bpm int
	if flags&hrFormatUint16 != 0 {
		if len(b) < 3 {
			return nil, fmt.Errorf("heart rate measurement too short for uint16: %d bytes", len(b))
		}
		bpm = int(binary.LittleEndian.Uint16(b[1:3]))
	} else {
		bpm = int(b[1])
	}

	quality := band.QualityLocked
	if flags&hrContactSupported != 0 && flags&hrContactDetected == 0 {
		quality = band.QualityAcquiring
	}
	return band.HeartRateReading{BPM: bpm, Quality: quality, At: at}, nil
}

// decodeAccelerometer parses three little-endian int16 values in milli-g.
func decodeAccelerometer(b []byte, at time.Time) (band.Reading, error) {
	if len(b) < 6 {
		return nil, fmt.Errorf("accelerometer sample too short: %d bytes", len(b))
	}
	axis := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(b[i:i+2]))) / 1000
	}
	return band.AccelerometerReading{X: axis(0), Y: axis(2), Z: axis(4), At: at}, nil
}
