// Package signal records quality-weighted opinion signals.
package signal

import "time"

// Score derives a confidence weight from response latency. Fast answers are
// treated as low effort.
func Score(start, end time.Time) float64 {
	elapsed := end.Sub(start)
	switch {
	case elapsed < 500*time.Millisecond:
		return 0.5
	case elapsed < 1500*time.Millisecond:
		return 0.8
	default:
		return 1.0
	}
}
