package ledger

import "math"

// round4 rounds to 4 decimal places and floors at zero. Every hour value
// passes through it after each arithmetic step.
func round4(v float64) float64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	r := math.Round(v*10000) / 10000
	if r <= 0 {
		return 0
	}
	return r
}

func addHours(a, b float64) float64 { return round4(a + b) }

func subHours(a, b float64) float64 { return round4(a - b) }
