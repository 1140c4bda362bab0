package readinglog

import (
	"fmt"
	"strconv"

	"github.com/mil-ad/bandlog/internal/band"
)

const (
	HeartRateFile     = "heartrate.csv"
	AccelerometerFile = "accelerometer.csv"
)

// FileName returns the log file readings of kind are appended to.
func FileName(kind band.SensorKind) string {
	switch kind {
	case band.HeartRate:
		return HeartRateFile
	case band.Accelerometer:
		return AccelerometerFile
	}
	return string(kind) + ".csv"
}

// Format renders r as a log line and names the file it belongs in.
//
// Heart rate lines hold the bare BPM value. Accelerometer lines hold the X, Y
// and Z values separated by ", ".
func Format(r band.Reading) (fileName, line string, err error) {
	switch v := r.(type) {
	case band.HeartRateReading:
		return HeartRateFile, strconv.Itoa(v.BPM), nil
	case *band.HeartRateReading:
		return Format(*v)
	case band.AccelerometerReading:
		return AccelerometerFile, formatFloat(v.X) + ", " + formatFloat(v.Y) + ", " + formatFloat(v.Z), nil
	case *band.AccelerometerReading:
		return Format(*v)
	}
	return "", "", fmt.Errorf("unsupported reading type %T", r)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
