package workers

import (
	"os"
	"runtime"
	"strconv"

	"sasi-cats/internal/transcoder"
)

// Count returns a worker count of multiplier per available CPU, at least one
// and at most limit (0 means no limit). A positive TRANSCODE_SLOTS replaces
// the calculation and is used as given; limit only bounds the default.
func Count(multiplier float64, limit int) int {
	if override := os.Getenv("TRANSCODE_SLOTS"); override != "" {
		if count, err := strconv.Atoi(override); err == nil && count > 0 {
			return count
		}
	}

	// GOMAXPROCS follows the container CPU limit
	n := int(float64(runtime.GOMAXPROCS(0)) * multiplier)
	if n < 1 {
		n = 1
	}
	if limit > 0 && n > limit {
		n = limit
	}
	return n
}

// Slots returns the default slot count for a workflow. Software encodes
// already use every core, so they get few slots; hardware encoders are
// bounded by the device rather than the CPU.
func Slots(w transcoder.Workflow) int {
	if w.Hardware() {
		return Count(0.5, 4)
	}
	return Count(0.125, 2)
}
