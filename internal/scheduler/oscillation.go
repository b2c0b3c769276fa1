package scheduler

import (
	"sort"
	"strings"
)

// Oscillation defaults. The window must be at least 4 fingerprints; the
// threshold is the wave count below which detection stays silent so normal
// retry loops are not cut short.
const (
	DefaultWindowSize    = 4
	DefaultWaveThreshold = 6
)

// Oscillator detects repeating wave fingerprints. When the last two
// equal-length windows of scheduled waves are identical and enough waves have
// executed, the mission is oscillating: a task is failing and retrying in
// lockstep without progress.
type Oscillator struct {
	windowSize   int
	threshold    int
	fingerprints []string
}

// NewOscillator creates a detector with the given window size and wave-count
// threshold. Values below the defaults are raised to them.
func NewOscillator(windowSize, threshold int) *Oscillator {
	if windowSize < DefaultWindowSize {
		windowSize = DefaultWindowSize
	}
	if threshold < 1 {
		threshold = DefaultWaveThreshold
	}
	return &Oscillator{windowSize: windowSize, threshold: threshold}
}

// Observe records the wave scheduled for waveCount and reports whether the
// schedule is oscillating. The fingerprint is order-insensitive (sorted id
// list) so retries of the same task set match regardless of emission order.
func (o *Oscillator) Observe(wave []string, waveCount int) bool {
	o.fingerprints = append(o.fingerprints, Fingerprint(wave))
	if len(o.fingerprints) > 2*o.windowSize {
		o.fingerprints = o.fingerprints[len(o.fingerprints)-2*o.windowSize:]
	}
	if waveCount <= o.threshold || len(o.fingerprints) < 2*o.windowSize {
		return false
	}
	half := len(o.fingerprints) / 2
	for i := 0; i < half; i++ {
		if o.fingerprints[i] != o.fingerprints[half+i] {
			return false
		}
	}
	return true
}

// RepeatedOnce reports whether the most recent wave matches the one before
// it. The dispatcher inserts a cooldown before re-dispatching such waves.
func (o *Oscillator) RepeatedOnce() bool {
	n := len(o.fingerprints)
	return n >= 2 && o.fingerprints[n-1] == o.fingerprints[n-2] && o.fingerprints[n-1] != ""
}

// Reset clears the observation history.
func (o *Oscillator) Reset() {
	o.fingerprints = nil
}

// Fingerprint renders a wave as its sorted, comma-joined task id list.
func Fingerprint(wave []string) string {
	ids := append([]string(nil), wave...)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
