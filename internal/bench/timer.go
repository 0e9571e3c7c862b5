package bench

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// Timer measures a sequence of laps. The zero value is not usable; call
// NewTimer.
type Timer struct {
	start time.Time
	lap   time.Time
	laps  []float64
}

func NewTimer() *Timer {
	now := time.Now()
	return &Timer{start: now, lap: now}
}

// Restart begins a new lap without recording the current one.
func (t *Timer) Restart() {
	t.lap = time.Now()
}

// NextLap records the time since the previous lap boundary and starts the
// next lap.
func (t *Timer) NextLap() time.Duration {
	now := time.Now()
	d := now.Sub(t.lap)
	t.laps = append(t.laps, d.Seconds())
	t.lap = now
	return d
}

// Elapsed is the time since NewTimer.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

func (t *Timer) Laps() int {
	return len(t.laps)
}

// LapAvg returns the mean lap in seconds.
func (t *Timer) LapAvg() float64 {
	if len(t.laps) == 0 {
		return 0
	}
	return stat.Mean(t.laps, nil)
}

// LapStd returns the sample standard deviation of the laps in seconds.
func (t *Timer) LapStd() float64 {
	if len(t.laps) < 2 {
		return 0
	}
	return stat.StdDev(t.laps, nil)
}
