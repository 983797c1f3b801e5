package serialio

import "time"

type Instrument struct {
	RecordTime func(op string, elapsed time.Duration)
}

// RecordTimer returns a func that reports the elapsed time of op to every instrument.
func RecordTimer(op string, instrument []Instrument) func() {
	if instrument == nil {
		return func() {}
	}

	start := time.Now()
	return func() {
		elapsed := time.Since(start)
		for i := range instrument {
			if instrument[i].RecordTime != nil {
				instrument[i].RecordTime(op, elapsed)
			}
		}
	}
}
